package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"phoenix-auth-proxy/internal/config"
	"phoenix-auth-proxy/internal/metrics"
)

// RateLimit returns a per-client-IP rate limiter, or nil when disabled.
// The burst equals the per-second rate.
func RateLimit(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return nil
	}

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate: rate.Limit(cfg.RequestsPerSecond),
	})
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			c.Set(metrics.LocalReasonKey, "rate_limited")
			return c.String(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
