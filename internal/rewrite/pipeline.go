package rewrite

import (
	"context"
	"log/slog"
	"strings"

	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/model"
)

// Kind is the transformer chosen for a response.
type Kind string

const (
	KindHTML   Kind = "html"
	KindJS     Kind = "js"
	KindCSS    Kind = "css"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

var jsTypes = map[string]bool{
	"text/javascript":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"text/x-javascript":        true,
	"application/ecmascript":   true,
	"text/ecmascript":          true,
	"module":                   true,
}

// Classify picks the transformer for a lowercased media type. The first
// match wins: HTML, JavaScript, CSS, other text, binary.
func Classify(mediaType string) Kind {
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return KindHTML
	case jsTypes[mediaType]:
		return KindJS
	case mediaType == "text/css":
		return KindCSS
	case strings.HasPrefix(mediaType, "text/"):
		return KindText
	}
	return KindBinary
}

// KindOf picks the transformer for an upstream response. Textual bodies
// outside the rewritten types, such as JSON or SVG, count as text.
func KindOf(resp *model.UpstreamResponse) Kind {
	kind := Classify(resp.ContentType)
	if kind == KindBinary && resp.Text {
		return KindText
	}
	return kind
}

// Rewrites reports whether bodies of kind k are modified by the pipeline.
func (k Kind) Rewrites() bool {
	return k == KindHTML || k == KindJS || k == KindCSS
}

// Pipeline dispatches upstream bodies to the matching transformer.
type Pipeline struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a Pipeline. The metrics parameter is optional.
func NewPipeline(logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		logger:  logger.With("component", "rewrite"),
		metrics: m,
	}
}

// Transform returns the body to send to the client. It never fails: a
// transformer error degrades to the unmodified upstream body.
func (p *Pipeline) Transform(ctx context.Context, rc *Context, resp *model.UpstreamResponse) []byte {
	if rc.Logger == nil {
		c := *rc
		c.Logger = p.logger
		rc = &c
	}
	kind := KindOf(resp)
	body := resp.Body
	if len(body) == 0 {
		p.record(kind, "empty")
		return body
	}

	var (
		out []byte
		err error
	)
	switch kind {
	case KindHTML:
		out, err = RewriteHTML(ctx, rc, body)
	case KindJS:
		out, err = RewriteJS(ctx, rc, body)
	case KindCSS:
		out = []byte(RewriteCSS(rc, string(body)))
	default:
		p.record(kind, "passthrough")
		return body
	}

	if err != nil {
		p.logger.Warn("rewrite failed; serving original body",
			"kind", string(kind),
			"url", rc.Target.String(),
			"err", err,
		)
		p.record(kind, "fallback")
		return body
	}
	p.record(kind, "rewritten")
	return out
}

func (p *Pipeline) record(kind Kind, outcome string) {
	if p.metrics != nil {
		p.metrics.RewritesTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}
