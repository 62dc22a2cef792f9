package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"phoenix-auth-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
//
// A response is labeled origin="proxy" when the proxy answered on its own:
// the handler recorded a metrics.LocalReasonKey (unreachable upstream, rate
// limit) or the router and body limit rejected the request. Everything else
// is a relayed upstream response, whatever its status. tunneled reports
// whether the request carried a non-empty authHeader.
func MetricsMiddleware(m *metrics.Metrics, authHeader string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			req := c.Request()
			tunneled := strconv.FormatBool(authHeader != "" && req.Header.Get(authHeader) != "")
			start := time.Now()

			err := next(c)

			statusCode := c.Response().Status
			reason, local := c.Get(metrics.LocalReasonKey).(string)
			if err != nil {
				// Echo's error handler writes the status after we return.
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				} else {
					statusCode = http.StatusInternalServerError
				}
				if !local {
					reason, local = "http_"+strconv.Itoa(statusCode), true
				}
			}

			origin := metrics.OriginUpstream
			if local {
				origin = metrics.OriginProxy
				m.LocalResponses.WithLabelValues(reason).Inc()
			}

			method := metrics.NormalizeMethod(req.Method)
			path := metrics.NormalizePath(req.URL.Path)

			m.RequestsTotal.WithLabelValues(method, strconv.Itoa(statusCode), path, origin, tunneled).Inc()
			m.RequestDuration.WithLabelValues(method, origin, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
