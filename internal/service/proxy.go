// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"rewrite-proxy/internal/client"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/rewrite"
	"rewrite-proxy/internal/rules"
	"rewrite-proxy/internal/session"
	"rewrite-proxy/internal/urlcodec"
)

// droppedRequestHeaders are never forwarded upstream. Host is rebuilt from
// the target; the rest are hop-by-hop or describe the proxy connection.
var droppedRequestHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
}

// unsupportedEncodings are removed from Accept-Encoding. The client decodes
// them, but gzip is enough to keep upstream transfers compressed.
var unsupportedEncodings = map[string]bool{
	"br":   true,
	"zstd": true,
}

// forwardableResponseHeaders are the only upstream response headers copied to
// the client. Everything describing the original body (length, encoding,
// validators) is stale once the body has been rewritten.
var forwardableResponseHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Content-Disposition",
	"Cache-Control",
	"Expires",
	"Last-Modified",
}

// rangeResponseHeaders describe a partial body. They are only valid when the
// body reaches the client byte for byte.
var rangeResponseHeaders = []string{
	"Accept-Ranges",
	"Content-Range",
}

const redirectContentType = "text/html; charset=utf-8"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.UpstreamClient
	sessions *session.Manager
	pipeline *rewrite.Pipeline
	rules    rules.RuleSet
	cfg      *config.Config
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(
	c *client.UpstreamClient,
	sessions *session.Manager,
	pipeline *rewrite.Pipeline,
	ruleset rules.RuleSet,
	cfg *config.Config,
	logger *slog.Logger,
) *ProxyService {
	return &ProxyService{
		client:   c,
		sessions: sessions,
		pipeline: pipeline,
		rules:    ruleset,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
	}
}

// ParseTarget validates the raw url parameter of a proxy request.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, model.ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, model.ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return nil, model.ErrFileScheme
	case "http", "https":
	default:
		return nil, model.ErrUnsupportedScheme
	}
	if u.Host == "" {
		return nil, model.ErrInvalidURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Forward fetches pr.Target on behalf of the client and returns the rewritten
// response. Upstream failures are returned as *model.UpstreamError.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	jar := s.sessions.Resolve(pr.Identity)
	rule := s.rules.Match(pr.Target)

	header := BuildUpstreamHeader(pr.Header, pr.Target, jar, s.cfg.Proxy.UserAgent)
	rule.ApplyRequestHeaders(header)

	var body []byte
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		body = pr.Body
	}

	resp, err := s.client.Fetch(ctx, pr.Method, pr.Target.String(), header, body)
	if err != nil {
		return nil, err
	}

	mirrored := s.sessions.RecordCookies(jar, pr.Target, resp.Header)
	codec := urlcodec.New(pr.ProxyBase, s.logger)

	if next, ok := redirectTarget(resp, pr.Target); ok {
		s.logger.Debug("intercepted redirect",
			"from", pr.Target.String(),
			"to", next,
			"status", resp.StatusCode,
		)
		out := &model.ProxyResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       RedirectDocument(next, codec.Encode(next)),
		}
		out.Header.Set("Content-Type", redirectContentType)
		out.Header.Set("Cache-Control", "no-store")
		addCookies(out.Header, mirrored)
		return out, nil
	}

	rc := &rewrite.Context{
		Codec:  codec,
		Target: pr.Target,
		Rule:   rule,
		Logger: s.logger,
	}
	out := &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header, forwardableResponseHeaders),
		Body:       s.pipeline.Transform(ctx, rc, resp),
	}
	if !rewrite.KindOf(resp).Rewrites() {
		for name, vals := range filterResponseHeaders(resp.Header, rangeResponseHeaders) {
			out.Header[name] = vals
		}
	}
	addCookies(out.Header, mirrored)
	rule.ApplyResponseHeaders(out.Header)
	return out, nil
}

// BuildUpstreamHeader derives the headers sent to target from the inbound
// client headers. The Cookie header comes from the jar alone: the browser
// holds mirrored cookies of every proxied site under the proxy's origin, so
// its own Cookie header cannot tell which site they belong to.
func BuildUpstreamHeader(in http.Header, target *url.URL, jar *session.Jar, userAgent string) http.Header {
	h := in.Clone()
	if h == nil {
		h = http.Header{}
	}

	for _, token := range h.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range droppedRequestHeaders {
		h.Del(name)
	}
	for name := range h {
		if strings.HasPrefix(name, "Sec-Fetch-") {
			delete(h, name)
		}
	}

	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	h.Set("Referer", target.String())
	h.Set("Origin", target.Scheme+"://"+target.Host)

	if ae := filterAcceptEncoding(h.Get("Accept-Encoding")); ae != "" {
		h.Set("Accept-Encoding", ae)
	} else {
		h.Del("Accept-Encoding")
	}

	if cookie := cookieHeader(jar.Cookies(target)); cookie != "" {
		h.Set("Cookie", cookie)
	} else {
		h.Del("Cookie")
	}
	return h
}

func filterAcceptEncoding(value string) string {
	if value == "" {
		return ""
	}
	var kept []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		coding, _, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if part == "" || unsupportedEncodings[coding] {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, ", ")
}

func cookieHeader(cookies []*http.Cookie) string {
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

func filterResponseHeaders(upstream http.Header, names []string) http.Header {
	h := http.Header{}
	for _, name := range names {
		if vals := upstream.Values(name); len(vals) > 0 {
			h[name] = append([]string(nil), vals...)
		}
	}
	return h
}

// addCookies mirrors upstream cookies. A site cookie named like the proxy's
// identity cookie is not mirrored so it cannot replace the client identity.
func addCookies(h http.Header, cookies []*http.Cookie) {
	for _, c := range cookies {
		if c.Name == session.IdentityCookie {
			continue
		}
		if v := c.String(); v != "" {
			h.Add("Set-Cookie", v)
		}
	}
}

// redirectTarget reports the absolute destination of a 3xx response.
func redirectTarget(resp *model.UpstreamResponse, from *url.URL) (string, bool) {
	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return "", false
	}
	loc := strings.TrimSpace(resp.Header.Get("Location"))
	if loc == "" {
		return "", false
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	next := from.ResolveReference(ref)
	if next.Scheme != "http" && next.Scheme != "https" {
		return "", false
	}
	return next.String(), true
}
