// Package urlcodec converts between real target URLs and their proxied form
// `{proxy base}?url={target}`.
package urlcodec

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// Param is the query parameter carrying the target URL.
const Param = "url"

// Codec encodes and decodes URLs for a single proxy base. It is safe for
// concurrent use.
type Codec struct {
	base   *url.URL
	logger *slog.Logger
}

// New returns a Codec for the given proxy base URL.
func New(base *url.URL, logger *slog.Logger) *Codec {
	b := *base
	b.Fragment = ""
	return &Codec{base: &b, logger: logger}
}

// Base returns a copy of the proxy base URL.
func (c *Codec) Base() *url.URL {
	b := *c.base
	return &b
}

// IsPassthrough reports whether raw must never be routed through the proxy:
// empty values, fragments, and anything whose scheme is not http or https
// (data:, javascript:, blob:, ws:, wss:, mailto: ...).
func IsPassthrough(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return true
	}
	scheme, ok := schemeOf(raw)
	if !ok {
		return false
	}
	return scheme != "http" && scheme != "https"
}

// schemeOf extracts a leading RFC 3986 scheme without fully parsing raw.
func schemeOf(raw string) (string, bool) {
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9' || c == '+' || c == '-' || c == '.':
			if i == 0 {
				return "", false
			}
		case c == ':':
			if i == 0 {
				return "", false
			}
			return strings.ToLower(raw[:i]), true
		default:
			return "", false
		}
	}
	return "", false
}

// Normalize returns the canonical string form of an absolute URL: lowercase
// scheme and host, no default port, dot segments removed, and "/" for an
// empty path.
func Normalize(u *url.URL) string {
	n := *u
	if n.Opaque == "" {
		n = *(&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).ResolveReference(u)
	}
	n.Scheme = strings.ToLower(n.Scheme)
	host := strings.ToLower(n.Host)
	if h, p, err := net.SplitHostPort(host); err == nil {
		if (n.Scheme == "http" && p == "80") || (n.Scheme == "https" && p == "443") {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	n.Host = host
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}

// Encode returns the proxied form of an absolute http(s) URL. Passthrough
// schemes, relative references and unparseable values come back unchanged.
// Values that are already proxied are not wrapped twice.
func (c *Codec) Encode(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if IsPassthrough(trimmed) {
		return raw
	}
	trimmed = c.Deproxify(trimmed)

	u, err := url.Parse(trimmed)
	if err != nil {
		c.logger.Debug("encode: unparseable url", "url", trimmed, "err", err)
		return raw
	}
	if !u.IsAbs() || u.Host == "" {
		c.logger.Debug("encode: url is not absolute", "url", trimmed)
		return raw
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return raw
	}

	p := *c.base
	q := p.Query()
	q.Set(Param, Normalize(u))
	p.RawQuery = q.Encode()
	return p.String()
}

// Resolve resolves ref against page and encodes the result. It reports false
// when ref is a passthrough value or cannot be resolved; callers should then
// leave the original value in place.
func (c *Codec) Resolve(ref string, page *url.URL) (string, bool) {
	trimmed := strings.TrimSpace(ref)
	if IsPassthrough(trimmed) {
		return ref, false
	}
	if real, ok := c.proxiedTarget(trimmed, page); ok {
		trimmed = real
	}
	r, err := url.Parse(trimmed)
	if err != nil {
		c.logger.Debug("resolve: unparseable url", "url", trimmed, "err", err)
		return ref, false
	}
	abs := page.ResolveReference(r)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ref, false
	}
	return c.Encode(abs.String()), true
}

// Decode maps candidate back to a real URL. A candidate on the proxy endpoint
// yields its url parameter (false when the parameter is missing); anything
// else is treated as already real and resolved against page.
func (c *Codec) Decode(candidate string, page *url.URL) (string, bool) {
	r, err := url.Parse(strings.TrimSpace(candidate))
	if err != nil {
		c.logger.Debug("decode: unparseable url", "url", candidate, "err", err)
		return "", false
	}
	abs := r
	if page != nil {
		abs = page.ResolveReference(r)
	}
	if c.onEndpoint(abs) {
		v := abs.Query().Get(Param)
		return v, v != ""
	}
	return abs.String(), true
}

// Deproxify returns the target of a proxied URL, or raw unchanged.
func (c *Codec) Deproxify(raw string) string {
	if real, ok := c.proxiedTarget(raw, nil); ok {
		return real
	}
	return raw
}

func (c *Codec) proxiedTarget(raw string, page *url.URL) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if page != nil {
		u = page.ResolveReference(u)
	}
	if !c.onEndpoint(u) {
		return "", false
	}
	v := u.Query().Get(Param)
	return v, v != ""
}

func (c *Codec) onEndpoint(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.base.Scheme) &&
		strings.EqualFold(u.Host, c.base.Host) &&
		cleanPath(u.Path) == cleanPath(c.base.Path)
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
