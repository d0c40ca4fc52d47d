package rewrite

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// urlAttributes lists the element attributes holding a single URL.
var urlAttributes = []struct{ tag, attr string }{
	{"a", "href"},
	{"link", "href"},
	{"img", "src"},
	{"script", "src"},
	{"iframe", "src"},
	{"frame", "src"},
	{"embed", "src"},
	{"object", "data"},
	{"source", "src"},
	{"track", "src"},
	{"audio", "src"},
	{"video", "src"},
	{"form", "action"},
	{"area", "href"},
}

// scriptTypes are the inline script types holding JavaScript. An absent or
// empty type means classic JavaScript.
var scriptTypes = map[string]bool{
	"":                         true,
	"module":                   true,
	"text/javascript":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"text/x-javascript":        true,
	"application/ecmascript":   true,
	"text/ecmascript":          true,
	"text/jscript":             true,
}

// RewriteHTML rewrites an HTML document so that every URL it references is
// proxied, then injects the location snapshot and the client shim. A
// document that cannot be parsed or rendered is returned unchanged with a
// non-nil error.
func RewriteHTML(ctx context.Context, rc *Context, body []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return body, fmt.Errorf("%w: %v", errParse, err)
	}

	// Relative URLs resolve against the document's own <base>, if any.
	res := rc
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := url.Parse(strings.TrimSpace(href)); err == nil {
			res = rc.withTarget(rc.Target.ResolveReference(b))
		}
	}

	head := doc.Find("head").First()
	head.PrependNodes(element(atom.Base, html.Attribute{Key: "href", Val: rc.origin() + "/"}))

	for _, ua := range urlAttributes {
		attr := ua.attr
		doc.Find(ua.tag + "[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			res.safely(ua.tag+"["+attr+"]", func() {
				v, _ := s.Attr(attr)
				if out, ok := res.resolve(v); ok {
					s.SetAttr(attr, out)
				}
			})
		})
	}

	// Rewritten bodies no longer match their subresource hashes.
	doc.Find("script[integrity], link[integrity]").RemoveAttr("integrity")

	doc.Find("[srcset]").Each(func(_ int, s *goquery.Selection) {
		res.safely("srcset", func() {
			v, _ := s.Attr("srcset")
			s.SetAttr("srcset", rewriteSrcset(res, v))
		})
	})

	doc.Find("meta[http-equiv][content]").Each(func(_ int, s *goquery.Selection) {
		if equiv, _ := s.Attr("http-equiv"); !strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
			return
		}
		res.safely("meta refresh", func() {
			v, _ := s.Attr("content")
			s.SetAttr("content", rewriteRefresh(res, v))
		})
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		res.safely("style", func() {
			css := s.Text()
			if out := RewriteCSS(res, css); out != css {
				setRawText(s, out)
			}
		})
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		res.safely("style attribute", func() {
			v, _ := s.Attr("style")
			if out := RewriteCSS(res, v); out != v {
				s.SetAttr("style", out)
			}
		})
	})

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		typ, _ := s.Attr("type")
		if !scriptTypes[strings.ToLower(strings.TrimSpace(typ))] {
			return
		}
		res.safely("inline script", func() {
			src := s.Text()
			if strings.TrimSpace(src) == "" {
				return
			}
			out, err := RewriteJS(ctx, res, []byte(src))
			if err != nil {
				rc.logger().Debug("inline script left unchanged", "url", rc.Target.String(), "err", err)
				return
			}
			if string(out) != src {
				setRawText(s, string(out))
			}
		})
	})

	page := doc.Find("body").First()
	page.PrependNodes(script(LocationSnapshot(rc.Target)))
	page.AppendNodes(script(Shim(rc.Codec.Base(), rc.Target)))

	if rc.Rule.HasInjections() {
		rc.safely("rule injections", func() { rc.Rule.Inject(doc) })
	}

	out, err := doc.Html()
	if err != nil {
		return body, fmt.Errorf("%w: render: %v", errParse, err)
	}
	return []byte(rc.Rule.ApplyRegex(out)), nil
}

// rewriteSrcset proxies the URL of every srcset candidate and keeps its
// width or density descriptor.
func rewriteSrcset(rc *Context, srcset string) string {
	parts := strings.Split(srcset, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		ref := fields[0]
		if proxied, ok := rc.resolve(ref); ok {
			ref = proxied
		}
		out = append(out, strings.Join(append([]string{ref}, fields[1:]...), " "))
	}
	return strings.Join(out, ", ")
}

// rewriteRefresh proxies the URL of a meta refresh value such as
// "5; url=/next".
func rewriteRefresh(rc *Context, content string) string {
	idx := strings.Index(strings.ToLower(content), "url=")
	if idx < 0 {
		return content
	}
	ref := strings.TrimSpace(content[idx+len("url="):])
	ref = strings.Trim(ref, `"'`)
	proxied, ok := rc.resolve(ref)
	if !ok {
		return content
	}
	return content[:idx] + "url=" + proxied
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: a,
		Data:     a.String(),
		Attr:     attrs,
	}
}

// script builds an inline <script> element. Script text is rendered raw.
func script(text string) *html.Node {
	n := element(atom.Script)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return n
}

// setRawText replaces the children of every node in s with a single text
// node. Text inside <script> and <style> is rendered without escaping.
func setRawText(s *goquery.Selection, text string) {
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; c = n.FirstChild {
			n.RemoveChild(c)
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}
