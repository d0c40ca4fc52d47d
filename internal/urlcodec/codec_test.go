package urlcodec

import (
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	base, err := url.Parse("http://localhost:3000/proxy")
	require.NoError(t, err)
	return New(base, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/foo", "https://example.com/foo"},
		{"https://example.com", "https://example.com/"},
		{"HTTPS://Example.COM:443/a/../b?q=1&r=a%20b#frag", "https://example.com/b?q=1&r=a%20b#frag"},
		{"http://example.com:8080/x/", "http://example.com:8080/x/"},
		{"http://example.com:80/?a=b", "http://example.com/?a=b"},
		{"https://example.com/search?url=https://other.test/", "https://example.com/search?url=https://other.test/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			enc := c.Encode(tt.in)
			assert.NotEqual(t, tt.in, enc)

			got, ok := c.Decode(enc, nil)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, Normalize(mustParse(t, tt.in)), got)
		})
	}
}

func TestEncodeIsIdempotent(t *testing.T) {
	c := newTestCodec(t)

	once := c.Encode("https://example.com/a?b=c")
	assert.Equal(t, once, c.Encode(once))
	assert.Equal(t, once, c.Encode(c.Deproxify(once)))
}

func TestEncodePassthroughSchemes(t *testing.T) {
	c := newTestCodec(t)

	for _, in := range []string{
		"data:image/png;base64,AAAA",
		"javascript:void(0)",
		"blob:https://example.com/1234",
		"ws://example.com/socket",
		"wss://example.com/socket",
		"mailto:someone@example.com",
		"#top",
		"",
	} {
		assert.Equal(t, in, c.Encode(in), "input %q", in)
	}
}

func TestEncodeLeavesRelativeAndBrokenValues(t *testing.T) {
	c := newTestCodec(t)

	assert.Equal(t, "/foo/bar", c.Encode("/foo/bar"))
	assert.Equal(t, "http://[::1", c.Encode("http://[::1"))
}

func TestEncodeKeepsBaseQuery(t *testing.T) {
	base := mustParse(t, "https://proxy.test/p?token=abc")
	c := New(base, slog.New(slog.NewTextHandler(io.Discard, nil)))

	enc := mustParse(t, c.Encode("https://example.com/"))
	assert.Equal(t, "abc", enc.Query().Get("token"))
	assert.Equal(t, "https://example.com/", enc.Query().Get(Param))
}

func TestResolve(t *testing.T) {
	c := newTestCodec(t)
	page := mustParse(t, "https://example.com/bar/")

	got, ok := c.Resolve("/foo", page)
	require.True(t, ok)
	real, ok := c.Decode(got, nil)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/foo", real)

	got, ok = c.Resolve("img.png", page)
	require.True(t, ok)
	real, _ = c.Decode(got, nil)
	assert.Equal(t, "https://example.com/bar/img.png", real)

	got, ok = c.Resolve("//cdn.example.net/x.js", page)
	require.True(t, ok)
	real, _ = c.Decode(got, nil)
	assert.Equal(t, "https://cdn.example.net/x.js", real)

	_, ok = c.Resolve("javascript:alert(1)", page)
	assert.False(t, ok)

	proxied := c.Encode("https://example.com/already")
	got, ok = c.Resolve(proxied, page)
	require.True(t, ok)
	assert.Equal(t, proxied, got)
}

func TestDecode(t *testing.T) {
	c := newTestCodec(t)
	page := mustParse(t, "https://example.com/dir/page.html")

	got, ok := c.Decode("other.html", page)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/dir/other.html", got)

	_, ok = c.Decode("http://localhost:3000/proxy", page)
	assert.False(t, ok, "endpoint without url parameter has no target")
}

func TestIsPassthrough(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com", false},
		{"HTTP://example.com", false},
		{"/relative", false},
		{"relative/path:with-colon", false},
		{"DATA:text/plain,hi", true},
		{"  javascript:x", true},
		{"wss://x", true},
		{"tel:+100", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPassthrough(tt.in), "input %q", tt.in)
	}
}
