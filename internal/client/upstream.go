// Package client provides the HTTP client used to fetch target origins.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/model"
)

// ErrBodyTooLarge is returned when an upstream body exceeds upstream.max_body_bytes.
var ErrBodyTooLarge = errors.New("upstream body exceeds size limit")

// UpstreamClient sends requests to target origins. Redirects are never
// followed: 3xx responses are returned to the caller as-is.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxBody    int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		maxBody: cfg.Upstream.MaxBodyBytes,
	}
}

// Fetch performs one request against target and returns the fully read,
// decoded response. Every failure is reported as a *model.UpstreamError.
// The provided context controls the lifetime of the upstream request:
// when the client disconnects, the upstream request is canceled too.
func (c *UpstreamClient) Fetch(ctx context.Context, method, target string, header http.Header, body []byte) (*model.UpstreamResponse, error) {
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, &model.UpstreamError{URL: target, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header = header
	if host := header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", target,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	label := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
	}
	if err != nil {
		return nil, &model.UpstreamError{URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(label, metrics.StatusClass(resp.StatusCode)).Inc()
	}

	raw, err := readLimited(resp.Body, c.maxBody)
	if err != nil {
		return nil, &model.UpstreamError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	decoded, err := decodeBody(resp.Header, raw, c.maxBody)
	if err != nil {
		return nil, &model.UpstreamError{URL: target, Err: fmt.Errorf("decode body: %w", err)}
	}

	mt := MediaType(resp.Header.Get("Content-Type"))
	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: mt,
		Body:        decoded,
		Text:        IsText(mt),
	}, nil
}
