package rewrite

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewrite-proxy/internal/rules"
)

func rewriteDoc(t *testing.T, rc *Context, src string) (*goquery.Document, string) {
	t.Helper()
	out, err := RewriteHTML(context.Background(), rc, []byte(src))
	require.NoError(t, err)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(out))
	require.NoError(t, err)
	return doc, string(out)
}

func attr(t *testing.T, doc *goquery.Document, selector, name string) string {
	t.Helper()
	v, ok := doc.Find(selector).First().Attr(name)
	require.True(t, ok, "%s has no %s", selector, name)
	return v
}

func TestRewriteHTML_Anchor(t *testing.T) {
	rc := newTestContext(t, "https://example.com/bar/")

	doc, _ := rewriteDoc(t, rc, `<html><body><a href="/foo">x</a></body></html>`)

	assert.Equal(t, "https://example.com/foo", realURL(t, rc, attr(t, doc, "a", "href")))
}

func TestRewriteHTML_AttributeTable(t *testing.T) {
	rc := newTestContext(t, "https://example.com/dir/page.html")

	src := `<!DOCTYPE html><html><head>
<link rel="stylesheet" href="s.css">
<script src="/app.js"></script>
</head><body>
<img src="i.png">
<iframe src="//frames.test/f"></iframe>
<embed src="e.swf">
<object data="o.bin"></object>
<video src="v.mp4"><source src="v.webm"><track src="t.vtt"></video>
<audio src="a.mp3"></audio>
<form action="/submit"></form>
<map><area href="area.html"></map>
</body></html>`

	doc, out := rewriteDoc(t, rc, src)

	tests := []struct {
		selector, attr, want string
	}{
		{"link", "href", "https://example.com/dir/s.css"},
		{"script[src]", "src", "https://example.com/app.js"},
		{"img", "src", "https://example.com/dir/i.png"},
		{"iframe", "src", "https://frames.test/f"},
		{"embed", "src", "https://example.com/dir/e.swf"},
		{"object", "data", "https://example.com/dir/o.bin"},
		{"video", "src", "https://example.com/dir/v.mp4"},
		{"source", "src", "https://example.com/dir/v.webm"},
		{"track", "src", "https://example.com/dir/t.vtt"},
		{"audio", "src", "https://example.com/dir/a.mp3"},
		{"form", "action", "https://example.com/submit"},
		{"area", "href", "https://example.com/dir/area.html"},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			assert.Equal(t, tt.want, realURL(t, rc, attr(t, doc, tt.selector, tt.attr)))
		})
	}
	assert.True(t, strings.HasPrefix(strings.ToLower(out), "<!doctype html>"))
}

func TestRewriteHTML_BaseAndInjections(t *testing.T) {
	rc := newTestContext(t, "https://example.com:8443/a/b?q=1")

	doc, out := rewriteDoc(t, rc, `<html><head><title>t</title></head><body><p>hi</p></body></html>`)

	assert.Equal(t, "https://example.com:8443/", attr(t, doc, "head > base:first-child", "href"))

	scripts := doc.Find("body > script")
	require.GreaterOrEqual(t, scripts.Length(), 2)
	assert.Contains(t, scripts.First().Text(), "globalThis."+LocationGlobal+"=")
	assert.Contains(t, scripts.First().Text(), `"pathname":"/a/b"`)
	assert.Contains(t, scripts.Last().Text(), "__rpShim")
	assert.Contains(t, scripts.Last().Text(), `"proxy":"`+testProxyBase+`"`)
	assert.NotContains(t, out, shimPlaceholder)
}

func TestRewriteHTML_PassthroughValues(t *testing.T) {
	rc := newTestContext(t, "https://example.com/")

	src := `<body>
<a id="js" href="javascript:void(0)">j</a>
<a id="frag" href="#top">f</a>
<a id="mail" href="mailto:a@example.com">m</a>
<img id="data" src="data:image/gif;base64,R0lGOD">
</body>`
	doc, _ := rewriteDoc(t, rc, src)

	assert.Equal(t, "javascript:void(0)", attr(t, doc, "#js", "href"))
	assert.Equal(t, "#top", attr(t, doc, "#frag", "href"))
	assert.Equal(t, "mailto:a@example.com", attr(t, doc, "#mail", "href"))
	assert.Equal(t, "data:image/gif;base64,R0lGOD", attr(t, doc, "#data", "src"))
}

func TestRewriteHTML_AlreadyProxiedIsNotWrapped(t *testing.T) {
	rc := newTestContext(t, "https://example.com/")
	proxied := rc.Codec.Encode("https://example.com/x")

	doc, _ := rewriteDoc(t, rc, `<a href="`+proxied+`">x</a>`)

	assert.Equal(t, proxied, attr(t, doc, "a", "href"))
}

func TestRewriteHTML_Srcset(t *testing.T) {
	rc := newTestContext(t, "https://example.com/gallery/")

	doc, _ := rewriteDoc(t, rc, `<img srcset="small.jpg 480w,  large.jpg 1080w, /hd.jpg 2x">`)

	parts := strings.Split(attr(t, doc, "img", "srcset"), ", ")
	require.Len(t, parts, 3)

	want := []struct{ url, descriptor string }{
		{"https://example.com/gallery/small.jpg", "480w"},
		{"https://example.com/gallery/large.jpg", "1080w"},
		{"https://example.com/hd.jpg", "2x"},
	}
	for i, p := range parts {
		ref, descriptor, _ := strings.Cut(p, " ")
		assert.Equal(t, want[i].url, realURL(t, rc, ref))
		assert.Equal(t, want[i].descriptor, descriptor)
	}
}

func TestRewriteSrcset_Whitespace(t *testing.T) {
	rc := newTestContext(t, "https://example.com/gallery/")

	tests := []struct {
		name   string
		srcset string
		want   []string
	}{
		{"newline", "a.png\n2x", []string{"https://example.com/gallery/a.png", "2x"}},
		{"tab", "b.png\t480w", []string{"https://example.com/gallery/b.png", "480w"}},
		{"no descriptor", "\n c.png \n", []string{"https://example.com/gallery/c.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := strings.Fields(rewriteSrcset(rc, tt.srcset))
			require.Len(t, fields, len(tt.want))
			assert.Equal(t, tt.want[0], realURL(t, rc, fields[0]))
			assert.Equal(t, tt.want[1:], fields[1:])
		})
	}
}

func TestRewriteHTML_StylesAndScripts(t *testing.T) {
	rc := newTestContext(t, "https://example.com/")

	src := `<html><head>
<style>body { background: url("/bg.png"); }</style>
<script type="application/ld+json">{"url": "location.href"}</script>
<script>var h = location.href; if (a < b && c) {}</script>
<script type="text/template"><a href="{{x}}">location.href</a></script>
</head><body><div style="background-image:url('/d.png')"></div></body></html>`

	doc, _ := rewriteDoc(t, rc, src)

	style := doc.Find("head style").Text()
	assert.NotContains(t, style, `url("/bg.png")`)
	assert.Contains(t, style, `url("`+testProxyBase+`?`)

	divStyle := attr(t, doc, "div", "style")
	assert.Contains(t, divStyle, `url('`+testProxyBase+`?`)

	assert.Equal(t, `{"url": "location.href"}`, doc.Find(`script[type="application/ld+json"]`).Text())
	assert.Contains(t, doc.Find(`script[type="text/template"]`).Text(), "location.href")

	inline := doc.Find("head script:not([type])").Text()
	assert.Equal(t, "var h = "+locationRead+".href; if (a < b && c) {}", inline)
}

func TestRewriteHTML_IntegrityAndRefresh(t *testing.T) {
	rc := newTestContext(t, "https://example.com/")

	src := `<html><head>
<meta http-equiv="refresh" content="5; url=/next">
<script src="/a.js" integrity="sha384-abc" crossorigin="anonymous"></script>
</head><body></body></html>`
	doc, _ := rewriteDoc(t, rc, src)

	_, hasIntegrity := doc.Find("script[src]").Attr("integrity")
	assert.False(t, hasIntegrity)

	content := attr(t, doc, "meta[http-equiv]", "content")
	require.True(t, strings.HasPrefix(content, "5; url="))
	assert.Equal(t, "https://example.com/next", realURL(t, rc, strings.TrimPrefix(content, "5; url=")))
}

func TestRewriteHTML_DocumentBase(t *testing.T) {
	rc := newTestContext(t, "https://example.com/a/page.html")

	doc, _ := rewriteDoc(t, rc, `<html><head><base href="/assets/"></head><body><img src="x.png"></body></html>`)

	assert.Equal(t, "https://example.com/assets/x.png", realURL(t, rc, attr(t, doc, "img", "src")))
}

func TestRewriteHTML_MalformedInput(t *testing.T) {
	rc := newTestContext(t, "https://example.com/")

	doc, _ := rewriteDoc(t, rc, `<div><a href="/x">unclosed <b>bold<p>para</div></span>`)

	assert.Equal(t, "https://example.com/x", realURL(t, rc, attr(t, doc, "a", "href")))
}

func TestRewriteHTML_RuleInjectionsAndRegex(t *testing.T) {
	rs, err := rules.Parse([]byte(`
- domain: example.com
  regexRules:
    - match: 'Paywalled'
      replace: 'Free'
  injections:
    - position: body
      append: <div id="banner">injected</div>
`))
	require.NoError(t, err)

	rc := newTestContext(t, "https://example.com/")
	rc.Rule = rs.Match(rc.Target)
	require.NotNil(t, rc.Rule)

	doc, out := rewriteDoc(t, rc, `<html><body><h1>Paywalled article</h1></body></html>`)

	assert.Equal(t, "injected", doc.Find("#banner").Text())
	assert.Contains(t, out, "Free article")
	assert.NotContains(t, out, "Paywalled")
}
