package handler

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"phoenix-auth-proxy/internal/service"
	"phoenix-auth-proxy/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusReporter exposes the supervisor's state to the status endpoint.
type StatusReporter interface {
	Status() supervisor.Status
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	proxy    *service.ProxyService
	reporter StatusReporter
	version  Version
}

// NewHealthHandler creates a HealthHandler. reporter may be nil.
func NewHealthHandler(proxy *service.ProxyService, reporter StatusReporter, v Version) *HealthHandler {
	return &HealthHandler{proxy: proxy, reporter: reporter, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	UpstreamURL string             `json:"upstream_url"`
	AuthHeader  string             `json:"auth_header"`
	ReadySince  string             `json:"ready_since,omitempty"`
	Supervisor  *supervisor.Status `json:"supervisor,omitempty"`
}

// Status returns proxy status information. The secret is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.proxy.BaseURL(),
		AuthHeader:  h.proxy.AuthHeader(),
	}

	if h.reporter != nil {
		st := h.reporter.Status()
		resp.Supervisor = &st
		if !st.ReadyAt.IsZero() {
			resp.ReadySince = humanize.Time(st.ReadyAt)
		}
		if st.Upstream == supervisor.StateStopped.String() {
			resp.Status = "degraded"
		}
	}

	return c.JSON(http.StatusOK, resp)
}
