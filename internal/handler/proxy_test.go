package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/client"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/kvstore"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/rewrite"
	"rewrite-proxy/internal/service"
	"rewrite-proxy/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{Path: "/proxy", UserAgent: "test-agent/1.0"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxBodyBytes:    1 << 20,
		},
		Session: config.SessionConfig{
			Identity: config.IdentityAddress,
			Store:    config.StoreMemory,
		},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
}

func newTestService(cfg *config.Config) (*service.ProxyService, *session.Manager) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(kvstore.NewMemory(), logger, nil)
	svc := service.NewProxyService(
		client.NewUpstreamClient(cfg, logger, nil),
		sessions,
		rewrite.NewPipeline(logger, nil),
		nil,
		cfg,
		logger,
	)
	return svc, sessions
}

func newTestHandler(t *testing.T, cfg *config.Config) *ProxyHandler {
	t.Helper()
	svc, _ := newTestService(cfg)
	h, err := NewProxyHandler(svc, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewProxyHandler: %v", err)
	}
	return h
}

func proxyPath(target string) string {
	return "/proxy?url=" + url.QueryEscape(target)
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestProxyHandler_Handle_InputErrors(t *testing.T) {
	h := newTestHandler(t, testConfig())

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantText   string
	}{
		{"missing url", "/proxy", http.StatusBadRequest, "Missing URL"},
		{"empty url", "/proxy?url=", http.StatusBadRequest, "Missing URL"},
		{"file scheme", proxyPath("file:///etc/passwd"), http.StatusNotFound, "Local files"},
		{"ftp scheme", proxyPath("ftp://example.com/x"), http.StatusBadRequest, "Invalid URL"},
		{"relative", proxyPath("/just/a/path"), http.StatusBadRequest, "Invalid URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %q, want text/html", ct)
			}
			if !strings.Contains(rec.Body.String(), tt.wantText) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantText)
			}
			if strings.Contains(rec.Body.String(), "Try again") {
				t.Error("input errors must not offer a retry link")
			}
		})
	}
}

func TestProxyHandler_Handle_RewritesPage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Domain: "127.0.0.1", Path: "/app"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><body><a href="/next">next</a></body></html>`)
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/app/"), http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("Content-Type") != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), "text/html; charset=utf-8")
	}

	want := "http://example.com/proxy?url=" + url.QueryEscape(upstream.URL+"/next")
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("body does not contain %q:\n%s", want, rec.Body.String())
	}

	sc := rec.Header().Get("Set-Cookie")
	if !strings.HasPrefix(sc, "sid=abc") || !strings.Contains(sc, "Path=/") {
		t.Errorf("Set-Cookie = %q, want sid=abc with Path=/", sc)
	}
	if strings.Contains(sc, "Domain=") {
		t.Errorf("Set-Cookie = %q, Domain must be dropped", sc)
	}
}

func TestProxyHandler_Handle_PublicURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, `a{background:url(/bg.png)}`)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Proxy.PublicURL = "https://proxy.test/p"
	h := newTestHandler(t, cfg)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/s.css"), http.NoBody))

	want := "https://proxy.test/p?url=" + url.QueryEscape(upstream.URL+"/bg.png")
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("body = %q, want it to contain %q", rec.Body.String(), want)
	}
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `","received":"` + string(body) + `"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig())
	req := httptest.NewRequest(http.MethodPost, proxyPath(upstream.URL+"/form"), strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := serve(t, h, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if rec.Body.String() != `{"method":"POST","received":"hello"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_Handle_Redirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig())
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/old"), http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("Location") != "" {
		t.Errorf("Location = %q, want empty", rec.Header().Get("Location"))
	}
	if !strings.Contains(rec.Body.String(), `"`+upstream.URL+`/new"`) {
		t.Errorf("body does not navigate to /new:\n%s", rec.Body.String())
	}
}

func TestProxyHandler_Handle_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := upstream.URL + "/page?token=secret"
	upstream.Close()

	h := newTestHandler(t, testConfig())
	path := proxyPath(target)
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, path, http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), `<a href="`+strings.ReplaceAll(path, "&", "&amp;")+`">Try again</a>`) {
		t.Errorf("body has no retry link for %q:\n%s", path, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("internal error details leaked into the page")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/slow"), http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := serve(t, h, req.WithContext(ctx))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "canceled") {
		t.Errorf("body = %q, want a cancellation message", rec.Body.String())
	}
}

func TestProxyHandler_Identity(t *testing.T) {
	t.Run("address", func(t *testing.T) {
		h := newTestHandler(t, testConfig())
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
		req.RemoteAddr = "198.51.100.7:5555"
		rec := httptest.NewRecorder()

		if got := h.identity(e.NewContext(req, rec)); got != "198.51.100.7" {
			t.Errorf("identity = %q, want %q", got, "198.51.100.7")
		}
		if rec.Header().Get("Set-Cookie") != "" {
			t.Error("address mode must not set a cookie")
		}
	})

	t.Run("cookie mints once", func(t *testing.T) {
		cfg := testConfig()
		cfg.Session.Identity = config.IdentityCookie
		h := newTestHandler(t, cfg)
		e := echo.New()

		rec := httptest.NewRecorder()
		first := h.identity(e.NewContext(httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody), rec))
		cookies := rec.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Name != session.IdentityCookie || cookies[0].Value != first {
			t.Fatalf("cookies = %v, want one %s=%s", cookies, session.IdentityCookie, first)
		}
		if !cookies[0].HttpOnly {
			t.Error("identity cookie must be HttpOnly")
		}

		req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
		req.AddCookie(cookies[0])
		rec = httptest.NewRecorder()
		second := h.identity(e.NewContext(req, rec))
		if second != first {
			t.Errorf("identity = %q, want %q", second, first)
		}
		if rec.Header().Get("Set-Cookie") != "" {
			t.Error("known identity must not be reissued")
		}
	})

	t.Run("cookie rejects forged value", func(t *testing.T) {
		cfg := testConfig()
		cfg.Session.Identity = config.IdentityCookie
		h := newTestHandler(t, cfg)
		e := echo.New()

		req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
		req.AddCookie(&http.Cookie{Name: session.IdentityCookie, Value: "../../etc"})
		got := h.identity(e.NewContext(req, httptest.NewRecorder()))
		if got == "../../etc" {
			t.Error("forged identity accepted")
		}
	})
}

func TestProxyHandler_mapError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantText   string
	}{
		{
			name:       "dns error",
			err:        &model.UpstreamError{URL: "https://nx.test/", Err: &net.DNSError{Err: "no such host", Name: "nx.test"}},
			wantStatus: http.StatusInternalServerError,
			wantText:   "address could not be found",
		},
		{
			name:       "url error",
			err:        &model.UpstreamError{URL: "https://a.test/", Err: &url.Error{Op: "Get", URL: "https://a.test/", Err: fmt.Errorf("connection refused")}},
			wantStatus: http.StatusInternalServerError,
			wantText:   "connection to the site failed",
		},
		{
			name:       "deadline",
			err:        &model.UpstreamError{URL: "https://a.test/", Err: context.DeadlineExceeded},
			wantStatus: http.StatusInternalServerError,
			wantText:   "too long",
		},
		{
			name:       "too large",
			err:        &model.UpstreamError{URL: "https://a.test/", Err: fmt.Errorf("read body: %w", client.ErrBodyTooLarge)},
			wantStatus: http.StatusInternalServerError,
			wantText:   "too large",
		},
		{
			name:       "missing url",
			err:        model.ErrMissingURL,
			wantStatus: http.StatusBadRequest,
			wantText:   "Missing URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy?url=x", http.NoBody)
			rec := httptest.NewRecorder()

			if err := h.mapError(e.NewContext(req, rec), tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantText) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantText)
			}
		})
	}
}

func TestRenderError_Escapes(t *testing.T) {
	h := &ProxyHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody), rec)

	if err := h.renderError(c, http.StatusInternalServerError, "<t>", `<script>alert(1)</script>`, `/proxy?url="><script>`); err != nil {
		t.Fatalf("renderError() error = %v", err)
	}
	if strings.Contains(rec.Body.String(), "<script>") {
		t.Errorf("unescaped markup in page: %s", rec.Body.String())
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "redacts token in URL",
			in:   `Get "https://example.com/a?token=secret123&q=test": connection refused`,
			want: `Get "https://example.com/a?token=[REDACTED]&q=test": connection refused`,
		},
		{
			name: "redacts api key at end of URL",
			in:   `Get "https://example.com/a?api_key=secret123": EOF`,
			want: `Get "https://example.com/a?api_key=[REDACTED]": EOF`,
		},
		{
			name: "nothing to redact",
			in:   "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitize(tt.in); got != tt.want {
				t.Errorf("sanitize() = %q, want %q", got, tt.want)
			}
		})
	}
}
