package rewrite

import (
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"rewrite-proxy/internal/urlcodec"
)

const testProxyBase = "http://localhost:3000/proxy"

func newTestContext(t *testing.T, target string) *Context {
	t.Helper()
	base, err := url.Parse(testProxyBase)
	require.NoError(t, err)
	tu, err := url.Parse(target)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Context{
		Codec:  urlcodec.New(base, logger),
		Target: tu,
		Logger: logger,
	}
}

// realURL asserts that proxied is a proxied URL and returns its target.
func realURL(t *testing.T, rc *Context, proxied string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(proxied, testProxyBase+"?"), "not proxied: %q", proxied)
	real, ok := rc.Codec.Decode(proxied, nil)
	require.True(t, ok, "no target in %q", proxied)
	return real
}
