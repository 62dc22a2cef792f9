// Package metrics provides Prometheus metrics for the proxy and supervisor.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Response origins for the request metrics.
const (
	OriginUpstream = "upstream"
	OriginProxy    = "proxy"
)

// LocalReasonKey is the echo context key under which a handler records why
// the proxy answered a request itself instead of relaying the upstream.
const LocalReasonKey = "proxy.local_reason"

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	LocalResponses   *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	// Supervisor state.
	UpstreamUp           prometheus.Gauge
	UpstreamReadySeconds prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_proxy_http_requests_total",
			Help: "Total inbound HTTP requests by response origin and whether the credential was tunneled.",
		}, []string{"method", "status_code", "path_prefix", "origin", "tunneled"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phoenix_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "origin", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoenix_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		LocalResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_proxy_local_responses_total",
			Help: "Responses produced by the proxy itself instead of the upstream, by reason.",
		}, []string{"reason"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phoenix_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_proxy_upstream_errors_total",
			Help: "Total upstream calls that failed before a response was received.",
		}, []string{"method"}),

		UpstreamUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoenix_proxy_upstream_up",
			Help: "1 while the supervised upstream process is running and ready.",
		}),

		UpstreamReadySeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoenix_proxy_upstream_ready_seconds",
			Help: "Seconds the upstream process took to accept connections.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.LocalResponses,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.UpstreamUp,
		m.UpstreamReadySeconds,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Longer prefixes come first so the most specific one wins.
var knownPrefixes = []string{
	"/v1/traces", "/v1/projects", "/v1", "/graphql", "/auth", "/static",
	"/healthz", "/proxy/status", "/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if path == "/" {
		return "/"
	}
	return "other"
}
