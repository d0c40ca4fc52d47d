package middleware

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"rewrite-proxy/internal/config"
)

// unguardedPaths stay reachable while the proxy is disabled.
var unguardedPaths = map[string]bool{
	"/healthz":      true,
	"/proxy/status": true,
}

// Guard rejects requests while the proxy is disabled (503) and requests from
// blocked addresses (403).
func Guard(cfg *config.ServerConfig) echo.MiddlewareFunc {
	blocked := config.ParseIPMatchers(cfg.BlockedIPs)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if unguardedPaths[c.Request().URL.Path] {
				return next(c)
			}
			if cfg.Disabled {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "proxy is disabled")
			}
			if matchAny(blocked, c.RealIP()) {
				return echo.NewHTTPError(http.StatusForbidden, "access denied")
			}
			return next(c)
		}
	}
}

// RateLimiter returns the per-client rate limiter. Allowlisted addresses are
// never limited.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: AllowlistSkipper(cfg.Allowlist),
		Store:   store,
	})
}

// AllowlistSkipper skips middleware for requests from the listed IPs or CIDRs.
func AllowlistSkipper(entries []string) echomw.Skipper {
	allowed := config.ParseIPMatchers(entries)
	return func(c echo.Context) bool {
		return matchAny(allowed, c.RealIP())
	}
}

func matchAny(matchers []config.IPMatcher, addr string) bool {
	if len(matchers) == 0 {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, m := range matchers {
		if m.Contains(ip) {
			return true
		}
	}
	return false
}
