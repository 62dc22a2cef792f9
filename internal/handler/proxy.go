package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"

	"github.com/labstack/echo/v4"

	"phoenix-auth-proxy/internal/metrics"
	"phoenix-auth-proxy/internal/model"
	"phoenix-auth-proxy/internal/service"
)

// bearerPattern matches bearer credentials that may surface in error text.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"]+`)

// ProxyHandler forwards every request to the upstream service.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace any set by middleware (X-Request-Id).
	out := c.Response().Header()
	for key, vals := range resp.Header {
		out.Del(key)
		for _, v := range vals {
			out.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err, req.Header.Get(h.service.AuthHeader())),
			"path", req.URL.Path,
		)
	}

	return nil
}

// mapError answers a failed forward with 502 and a short reason.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err, c.Request().Header.Get(h.service.AuthHeader())),
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	r := reason(err)
	c.Set(metrics.LocalReasonKey, r)
	return c.String(http.StatusBadGateway, "upstream unreachable: "+r)
}

func reason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "client disconnected"
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "host unreachable"
	default:
		return "connection failed"
	}
}

// sanitizeError redacts bearer credentials and the given secret values
// from error messages.
func sanitizeError(err error, secrets ...string) string {
	msg := bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
	for _, s := range secrets {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, "[REDACTED]")
		}
	}
	return msg
}
