package middleware

import (
	"github.com/labstack/echo/v4"
)

// responseHeaders are added to every response. Rewritten pages may only be
// framed by the proxy's own origin, and search engines should not index third
// party content under the proxy's host.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "SAMEORIGIN"},
	{"Referrer-Policy", "same-origin"},
	{"X-Robots-Tag", "noindex, nofollow"},
}

// SecurityHeaders returns an Echo middleware that sets responseHeaders.
// Connection-level request headers are dropped later, when the upstream
// request is built.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range responseHeaders {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}
