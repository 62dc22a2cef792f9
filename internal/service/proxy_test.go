package service

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"phoenix-auth-proxy/internal/client"
	"phoenix-auth-proxy/internal/config"
	"phoenix-auth-proxy/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, baseURL string, timeoutSeconds int) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{AuthHeader: config.DefaultAuthHeader},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
	logger := discardLogger()
	svc, err := NewProxyService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func TestBuildRequestHeaders(t *testing.T) {
	s := &ProxyService{authHeader: "x-phoenix-api-key"}

	tests := []struct {
		name         string
		src          http.Header
		wantAuth     string
		wantTunneled bool
	}{
		{
			name:         "alternate header synthesizes bearer",
			src:          http.Header{"X-Phoenix-Api-Key": {"secret123"}},
			wantAuth:     "Bearer secret123",
			wantTunneled: true,
		},
		{
			name: "alternate header wins over authorization",
			src: http.Header{
				"X-Phoenix-Api-Key": {"tunneled"},
				"Authorization":     {"Bearer direct"},
			},
			wantAuth:     "Bearer tunneled",
			wantTunneled: true,
		},
		{
			name:         "authorization passes through without alternate header",
			src:          http.Header{"Authorization": {"Bearer direct"}},
			wantAuth:     "Bearer direct",
			wantTunneled: false,
		},
		{
			name: "empty alternate header is ignored",
			src: http.Header{
				"X-Phoenix-Api-Key": {""},
				"Authorization":     {"Bearer direct"},
			},
			wantAuth:     "Bearer direct",
			wantTunneled: false,
		},
		{
			name:         "no credentials at all",
			src:          http.Header{"Accept": {"application/json"}},
			wantAuth:     "",
			wantTunneled: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst, tunneled := s.buildRequestHeaders(tt.src)
			if got := dst.Get("Authorization"); got != tt.wantAuth {
				t.Errorf("Authorization = %q, want %q", got, tt.wantAuth)
			}
			if tunneled != tt.wantTunneled {
				t.Errorf("tunneled = %v, want %v", tunneled, tt.wantTunneled)
			}
		})
	}
}

func TestBuildRequestHeaders_CopiesAndSanitizes(t *testing.T) {
	s := &ProxyService{authHeader: "x-phoenix-api-key"}
	src := http.Header{
		"Content-Type":      {"application/x-protobuf"},
		"X-Custom":          {"a", "b"},
		"Host":              {"public.example.com"},
		"Accept-Encoding":   {"br"},
		"X-Phoenix-Api-Key": {"k"},
	}

	dst, _ := s.buildRequestHeaders(src)

	if got := dst.Get("Content-Type"); got != "application/x-protobuf" {
		t.Errorf("Content-Type = %q, want %q", got, "application/x-protobuf")
	}
	if got := dst.Values("X-Custom"); len(got) != 2 {
		t.Errorf("X-Custom values = %v, want 2 values", got)
	}
	if got := dst.Get("X-Phoenix-Api-Key"); got != "k" {
		t.Errorf("X-Phoenix-Api-Key = %q, want it forwarded as received", got)
	}
	if got := dst.Get("Host"); got != "" {
		t.Errorf("Host header = %q, want removed", got)
	}
	if got := dst.Get("Accept-Encoding"); got != "" {
		t.Errorf("Accept-Encoding = %q, want removed", got)
	}
	if src.Get("Authorization") != "" {
		t.Error("source header was mutated")
	}
}

func TestBuildRequestHeaders_CustomHeaderName(t *testing.T) {
	s := &ProxyService{authHeader: "x-tunnel-token"}

	dst, tunneled := s.buildRequestHeaders(http.Header{
		"X-Tunnel-Token":    {"abc"},
		"X-Phoenix-Api-Key": {"ignored"},
	})
	if !tunneled {
		t.Fatal("tunneled = false, want true")
	}
	if got := dst.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer abc")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Content-Length":    {"42"},
		"Content-Encoding":  {"gzip"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"close"},
		"Set-Cookie":        {"a=1", "b=2"},
		"Cache-Control":     {"no-store"},
		"X-Upstream":        {"phoenix"},
	}

	dst := filterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type forwarded", "Content-Type", 1},
		{"Set-Cookie forwarded with all values", "Set-Cookie", 2},
		{"Cache-Control forwarded", "Cache-Control", 1},
		{"custom header forwarded", "X-Upstream", 1},
		{"Content-Length stripped", "Content-Length", 0},
		{"Content-Encoding stripped", "Content-Encoding", 0},
		{"Transfer-Encoding stripped", "Transfer-Encoding", 0},
		{"Connection stripped", "Connection", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		path     string
		rawPath  string
		rawQuery string
		want     string
	}{
		{
			name: "root path maps to upstream root",
			base: "http://127.0.0.1:6006",
			path: "/",
			want: "http://127.0.0.1:6006",
		},
		{
			name: "empty path maps to upstream root",
			base: "http://127.0.0.1:6006",
			path: "",
			want: "http://127.0.0.1:6006",
		},
		{
			name: "simple path",
			base: "http://127.0.0.1:6006",
			path: "/v1/traces",
			want: "http://127.0.0.1:6006/v1/traces",
		},
		{
			name:     "query kept verbatim with order and duplicates",
			base:     "http://127.0.0.1:6006",
			path:     "/v1/spans",
			rawQuery: "z=1&a=2&z=3",
			want:     "http://127.0.0.1:6006/v1/spans?z=1&a=2&z=3",
		},
		{
			name:    "escaped path kept",
			base:    "http://127.0.0.1:6006",
			path:    "/projects/a/b",
			rawPath: "/projects/a%2Fb",
			want:    "http://127.0.0.1:6006/projects/a%2Fb",
		},
		{
			name: "trailing slash kept",
			base: "http://127.0.0.1:6006",
			path: "/graphql/",
			want: "http://127.0.0.1:6006/graphql/",
		},
		{
			name: "base with path prefix",
			base: "http://127.0.0.1:6006/phoenix/",
			path: "/v1/traces",
			want: "http://127.0.0.1:6006/phoenix/v1/traces",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := url.Parse(tt.base)
			if err != nil {
				t.Fatal(err)
			}
			s := &ProxyService{baseURL: base}
			if got := s.buildUpstreamURL(tt.path, tt.rawPath, tt.rawQuery); got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer secret123")
		}
		if r.Host != "127.0.0.1" {
			t.Errorf("Host = %q, want %q", r.Host, "127.0.0.1")
		}
		if r.URL.RawQuery != "b=2&a=1&b=3" {
			t.Errorf("RawQuery = %q, want %q", r.URL.RawQuery, "b=2&a=1&b=3")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Trace", "t-1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 10)

	pr := &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/v1/traces",
		RawQuery: "b=2&a=1&b=3",
		Header:   http.Header{"X-Phoenix-Api-Key": {"secret123"}},
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if resp.Header.Get("X-Trace") != "t-1" {
		t.Errorf("X-Trace = %q, want %q", resp.Header.Get("X-Trace"), "t-1")
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Errorf("Content-Length = %q, want stripped", resp.Header.Get("Content-Length"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"result":"ok"}`)
	}
}

func TestForward_ForwardsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 10)

	payload := "\x00\x01binary\xff"
	pr := &model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPut,
		Path:          "/v1/datasets/upload",
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(payload)),
		ContentLength: int64(len(payload)),
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != payload {
		t.Errorf("body = %q, want %q", body, payload)
	}
}

func TestForward_DecodesCompressedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("plain"))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("plain"))
		_ = gz.Close()
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, 10)

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/",
		Header: http.Header{"Accept-Encoding": {"br"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "plain" {
		t.Errorf("body = %q, want decoded %q", body, "plain")
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Errorf("Content-Encoding = %q, want stripped", resp.Header.Get("Content-Encoding"))
	}
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	// Grab a free port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	svc := newTestService(t, "http://"+addr, 2)

	start := time.Now()
	_, err = svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/v1/traces",
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Forward() expected error, got nil")
	}
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Errorf("Forward() error = %v, want ErrUpstreamUnreachable", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Forward() took %v, want bounded by the 2s timeout", elapsed)
	}
}

func TestNewProxyService_RejectsNonLoopback(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{"empty", ""},
		{"public host", "https://phoenix.example.com"},
		{"wildcard", "http://0.0.0.0:6006"},
		{"private address", "http://10.1.2.3:6006"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: tt.baseURL}}
			if _, err := NewProxyService(nil, cfg, discardLogger()); err == nil {
				t.Fatalf("NewProxyService(%q) expected error, got nil", tt.baseURL)
			}
		})
	}
}

func TestNewProxyService_AcceptsLoopback(t *testing.T) {
	for _, base := range []string{"http://127.0.0.1:6006", "http://localhost:6006", "https://[::1]:6006"} {
		cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: base}}
		svc, err := NewProxyService(nil, cfg, discardLogger())
		if err != nil {
			t.Fatalf("NewProxyService(%q) error = %v", base, err)
		}
		if svc.AuthHeader() != config.DefaultAuthHeader {
			t.Errorf("AuthHeader() = %q, want default %q", svc.AuthHeader(), config.DefaultAuthHeader)
		}
	}
}

func TestLoopbackAuthority(t *testing.T) {
	if got := loopbackAuthority("127.0.0.1"); got != "127.0.0.1" {
		t.Errorf("loopbackAuthority(127.0.0.1) = %q", got)
	}
	if got := loopbackAuthority("::1"); got != "[::1]" {
		t.Errorf("loopbackAuthority(::1) = %q, want %q", got, "[::1]")
	}
}
