package middleware

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/metrics"
)

// MetricsMiddleware records request counts and latency. routes are the path
// label values, normally the proxy endpoint and the operational routes; any
// other path is counted as "other".
func MetricsMiddleware(m *metrics.Metrics, routes ...string) echo.MiddlewareFunc {
	known := append([]string(nil), routes...)
	sort.SliceStable(known, func(i, j int) bool { return len(known[i]) > len(known[j]) })

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(responseStatus(c, err)),
				metrics.NormalizePath(c.Request().URL.Path, known),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// responseStatus returns the status the client will see. An *echo.HTTPError
// is written later by the central error handler, so its code wins over the
// response's current status.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
