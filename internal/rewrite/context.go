// Package rewrite turns upstream HTML, CSS and JavaScript into documents
// whose URLs route back through the proxy.
package rewrite

import (
	"errors"
	"io"
	"log/slog"
	"net/url"

	"rewrite-proxy/internal/rules"
	"rewrite-proxy/internal/urlcodec"
)

// errParse marks a fragment that could not be parsed and was left unmodified.
var errParse = errors.New("parse failed")

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Context carries everything a transformer needs for one response.
type Context struct {
	Codec *urlcodec.Codec
	// Target is the real URL the response was fetched from. Relative
	// references in the body resolve against it.
	Target *url.URL
	// Rule is the per-site rule matching Target; nil when none applies.
	Rule *rules.Rule
	// Logger receives fragment-level fallbacks. Optional.
	Logger *slog.Logger
}

// resolve proxies ref relative to the target. It reports false when ref
// must stay as it is.
func (rc *Context) resolve(ref string) (string, bool) {
	return rc.Codec.Resolve(ref, rc.Target)
}

// origin returns "scheme://host" of the target.
func (rc *Context) origin() string {
	u := url.URL{Scheme: rc.Target.Scheme, Host: rc.Target.Host}
	return u.String()
}

func (rc *Context) logger() *slog.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return discard
}

// withTarget returns a shallow copy resolving against target instead.
func (rc *Context) withTarget(target *url.URL) *Context {
	c := *rc
	c.Target = target
	return &c
}

// safely runs fn, logging and absorbing a panic so that one bad fragment
// cannot abort the document.
func (rc *Context) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rc.logger().Warn("rewrite step panicked; fragment left unchanged",
				"step", step,
				"url", rc.Target.String(),
				"panic", r,
			)
		}
	}()
	fn()
}
