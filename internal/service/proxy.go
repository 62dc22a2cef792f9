// Package service implements the core proxy forwarding logic: credential
// tunneling from the alternate header, target URL composition and response
// header filtering.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"phoenix-auth-proxy/internal/client"
	"phoenix-auth-proxy/internal/config"
	"phoenix-auth-proxy/internal/model"
)

// ErrUpstreamUnreachable is returned when the upstream could not be reached or
// did not answer within the timeout. It is the only error the proxy originates.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// strippedResponseHeaders are upstream response headers that are either
// invalid to relay verbatim or recomputed by the response writer.
var strippedResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client     *client.UpstreamClient
	logger     *slog.Logger
	baseURL    *url.URL
	authHeader string
	host       string
}

// NewProxyService creates a ProxyService. The upstream base URL must point
// at a loopback address.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	if cfg.Upstream.BaseURL == "" {
		return nil, fmt.Errorf("upstream.base_url is required")
	}
	if err := config.ValidateLoopbackURL(cfg.Upstream.BaseURL); err != nil {
		return nil, fmt.Errorf("upstream base_url: %w", err)
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	authHeader := cfg.Server.AuthHeader
	if authHeader == "" {
		authHeader = config.DefaultAuthHeader
	}

	return &ProxyService{
		client:     c,
		logger:     logger.With("component", "proxy_service"),
		baseURL:    u,
		authHeader: authHeader,
		host:       loopbackAuthority(u.Hostname()),
	}, nil
}

// BaseURL returns the upstream base URL requests are forwarded to.
func (s *ProxyService) BaseURL() string {
	return s.baseURL.String()
}

// AuthHeader returns the alternate credential header name.
func (s *ProxyService) AuthHeader() string {
	return s.authHeader
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// When the alternate header carries a value V, the upstream receives
// "Authorization: Bearer V" regardless of any Authorization header on the
// inbound request. Without it, Authorization passes through unchanged.
// Transport failures are wrapped in ErrUpstreamUnreachable.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := s.buildUpstreamURL(pr.Path, pr.RawPath, pr.RawQuery)
	header, tunneled := s.buildRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"tunneled", tunneled,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, s.host, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the inbound path onto the upstream base URL.
// An empty path maps to the upstream root. The raw query is kept verbatim
// so parameter order and repeated keys survive.
func (s *ProxyService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	basePath := strings.TrimSuffix(s.baseURL.Path, "/")
	baseRaw := strings.TrimSuffix(s.baseURL.EscapedPath(), "/")

	if rel := strings.TrimPrefix(path, "/"); rel != "" {
		u.Path = basePath + "/" + rel
		if rawPath != "" {
			u.RawPath = baseRaw + "/" + strings.TrimPrefix(rawPath, "/")
		} else {
			u.RawPath = ""
		}
	}
	u.RawQuery = rawQuery
	u.Fragment = ""

	return u.String()
}

// buildRequestHeaders copies the inbound headers and synthesizes the bearer
// credential. It reports whether the alternate header was used.
//
// Accept-Encoding is dropped so the transport negotiates compression itself
// and hands back a decoded body; Content-Encoding is then safe to strip.
func (s *ProxyService) buildRequestHeaders(src http.Header) (http.Header, bool) {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Host")
	dst.Del("Accept-Encoding")

	if v := src.Get(s.authHeader); v != "" {
		dst.Set("Authorization", "Bearer "+v)
		return dst, true
	}
	return dst, false
}

// filterResponseHeaders copies every upstream header except the ones the
// proxy must not relay.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if strippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}

// loopbackAuthority formats host for use as a Host header value.
func loopbackAuthority(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
