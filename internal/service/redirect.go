package service

import (
	"bytes"
	"html"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedirectDocument renders the page returned in place of an upstream 3xx.
// Inside the proxy frame it asks the parent to load target; on its own it
// navigates to proxied so the browser stays on the proxy origin.
func RedirectDocument(target, proxied string) []byte {
	t, _ := json.Marshal(target)
	p, _ := json.Marshal(proxied)

	var b bytes.Buffer
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>Redirecting</title></head><body><script>`)
	b.WriteString(`(function(){var target=`)
	b.Write(t)
	b.WriteString(`,proxied=`)
	b.Write(p)
	b.WriteString(`;try{if(window.parent!==window&&typeof window.parent.loadUrl==="function"){window.parent.loadUrl(target);return;}}catch(e){}location.replace(proxied);})();`)
	b.WriteString(`</script><noscript><a href="`)
	b.WriteString(html.EscapeString(proxied))
	b.WriteString(`">Continue to `)
	b.WriteString(html.EscapeString(target))
	b.WriteString(`</a></noscript></body></html>`)
	return b.Bytes()
}
