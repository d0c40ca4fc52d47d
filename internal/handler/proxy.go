package handler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/client"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/service"
	"rewrite-proxy/internal/session"
	"rewrite-proxy/internal/urlcodec"
)

// credentialPattern matches credential-like query values in URLs embedded in
// error messages.
var credentialPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token|token|password|secret|sig)=)[^&\s"]+`)

// identityMaxAge keeps the proxy-minted identity cookie for a year.
const identityMaxAge = 365 * 24 * 60 * 60

// ProxyHandler serves the rewriting proxy endpoint.
type ProxyHandler struct {
	service    *service.ProxyService
	cfg        *config.Config
	logger     *slog.Logger
	publicBase *url.URL // nil when derived per request
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) (*ProxyHandler, error) {
	h := &ProxyHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
	if cfg.Proxy.PublicURL != "" {
		u, err := url.Parse(cfg.Proxy.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy.public_url: %w", err)
		}
		u.RawQuery = ""
		u.Fragment = ""
		h.publicBase = u
	}
	return h, nil
}

// Handle fetches the url parameter's target and writes back the rewritten
// response. Every branch writes exactly one response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := service.ParseTarget(c.QueryParam(urlcodec.Param))
	if err != nil {
		return h.mapError(c, err)
	}

	var body []byte
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		body, err = io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return h.renderError(c, http.StatusBadRequest, "Bad request", "The request body could not be read.", "")
		}
	}

	pr := &model.ProxyRequest{
		Method:    req.Method,
		Target:    target,
		Header:    req.Header,
		Body:      body,
		Identity:  h.identity(c),
		ProxyBase: h.proxyBase(c),
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 || req.Method == http.MethodHead {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"url", sanitize(target.String()),
		)
	}
	return nil
}

// identity returns the session key for the request. In cookie mode a fresh
// random identity is minted when the client has none.
func (h *ProxyHandler) identity(c echo.Context) string {
	if h.cfg.Session.Identity != config.IdentityCookie {
		return c.RealIP()
	}
	if ck, err := c.Cookie(session.IdentityCookie); err == nil {
		if id, err := uuid.Parse(ck.Value); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	c.SetCookie(&http.Cookie{
		Name:     session.IdentityCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   identityMaxAge,
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// proxyBase returns the proxy endpoint URL as the client sees it.
func (h *ProxyHandler) proxyBase(c echo.Context) *url.URL {
	if h.publicBase != nil {
		u := *h.publicBase
		return &u
	}
	return &url.URL{
		Scheme: c.Scheme(),
		Host:   c.Request().Host,
		Path:   h.cfg.Proxy.Path,
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, model.ErrMissingURL):
		return h.renderError(c, http.StatusBadRequest, "Missing URL",
			"Pass the page to load in the "+urlcodec.Param+" query parameter.", "")
	case errors.Is(err, model.ErrFileScheme):
		return h.renderError(c, http.StatusNotFound, "Not found",
			"Local files cannot be loaded through the proxy.", "")
	case errors.Is(err, model.ErrUnsupportedScheme), errors.Is(err, model.ErrInvalidURL):
		return h.renderError(c, http.StatusBadRequest, "Invalid URL", err.Error()+".", "")
	}

	h.logger.Error("proxy error",
		"err", sanitize(err.Error()),
		"method", c.Request().Method,
	)
	return h.renderError(c, http.StatusInternalServerError, "Page failed to load",
		upstreamReason(err), c.Request().URL.RequestURI())
}

// upstreamReason describes a fetch failure without exposing internals.
func upstreamReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "The site took too long to respond."
	}
	if errors.Is(err, context.Canceled) {
		return "The request was canceled."
	}
	if errors.Is(err, client.ErrBodyTooLarge) {
		return "The response is too large to load through the proxy."
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "The site's address could not be found."
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "The connection to the site failed."
	}
	return "The site could not be loaded."
}

func (h *ProxyHandler) renderError(c echo.Context, status int, title, message, retry string) error {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>`)
	b.WriteString(html.EscapeString(title))
	b.WriteString(`</title></head><body><h1>`)
	b.WriteString(html.EscapeString(title))
	b.WriteString(`</h1><p>`)
	b.WriteString(html.EscapeString(message))
	b.WriteString(`</p>`)
	if retry != "" {
		b.WriteString(`<p><a href="`)
		b.WriteString(html.EscapeString(retry))
		b.WriteString(`">Try again</a></p>`)
	}
	b.WriteString(`</body></html>`)

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.HTML(status, b.String())
}

// sanitize redacts credentials from URLs that may appear in log messages.
func sanitize(s string) string {
	return credentialPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
