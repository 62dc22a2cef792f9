package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phoenix-auth-proxy/internal/config"
	"phoenix-auth-proxy/internal/metrics"
)

// proxiedMethods are the methods forwarded to the upstream. Anything else
// gets 405 from the router.
var proxiedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodOptions,
}

// RegisterRoutes wires the catch-all proxy onto the public Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Match(proxiedMethods, "/", proxy.Handle)
	e.Match(proxiedMethods, "/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and metrics onto the admin Echo
// instance. m may be nil when metrics are disabled.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
