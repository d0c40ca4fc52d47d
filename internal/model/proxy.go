// Package model defines shared types for the proxy.
package model

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Input errors. The handler maps these to 400/404 diagnostic pages.
var (
	ErrMissingURL        = errors.New("missing url query parameter")
	ErrInvalidURL        = errors.New("target url is not a valid absolute url")
	ErrFileScheme        = errors.New("file: targets are not permitted")
	ErrUnsupportedScheme = errors.New("only http and https targets are supported")
)

// ProxyRequest is one inbound call to the proxy endpoint. It is built once per
// request and never modified afterwards.
type ProxyRequest struct {
	Method   string
	Target   *url.URL
	Header   http.Header
	Body     []byte // nil for GET and HEAD
	Identity string // session key
	// ProxyBase is the public URL of the proxy endpoint as seen by the client.
	ProxyBase *url.URL
}

// UpstreamResponse is the decoded response from the target origin.
type UpstreamResponse struct {
	StatusCode  int
	Header      http.Header
	ContentType string // lowercased MIME essence, e.g. "text/html"
	Body        []byte
	Text        bool // body is textual, chosen from ContentType
}

// ProxyResponse is what the handler writes back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UpstreamError wraps a failure to obtain a response from the target origin.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
