// Package config handles CLI, environment and TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"
)

// ErrInvalidConfig marks configuration errors. The process must exit before
// starting any child process when one is returned.
var ErrInvalidConfig = errors.New("invalid configuration")

// PlaceholderSecret is the documented stand-in for the upstream
// authentication secret. It is insecure and only accepted with
// --allow-insecure-secret.
const PlaceholderSecret = "CHANGE_ME_INSECURE_PHOENIX_SECRET"

// DefaultAuthHeader is the alternate credential header that survives the ingress.
const DefaultAuthHeader = "x-phoenix-api-key"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/phoenix-auth-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config              string `kong:"short='c',help='Path to TOML config file.',env='PROXY_CONFIG'"`
	Host                string `kong:"help='Public listen host (overrides config).',env='PROXY_HOST'"`
	Port                int    `kong:"short='p',help='Public listen port (overrides config).',env='PORT'"`
	AuthHeader          string `kong:"help='Alternate credential header (overrides config).',env='PROXY_AUTH_HEADER'"`
	UpstreamURL         string `kong:"help='Upstream base URL for proxy-only mode (overrides config).',env='PHOENIX_UPSTREAM_URL'"`
	Secret              string `kong:"help='Authentication secret exported to the upstream (overrides config).',env='PHOENIX_SECRET'"`
	RootPath            string `kong:"help='External URL prefix exported to the upstream (overrides config).',env='PHOENIX_HOST_ROOT_PATH'"`
	AdminAddr           string `kong:"help='Admin listen address for health, status and metrics (overrides config).',env='PROXY_ADMIN_ADDR'"`
	LogLevel            string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AllowInsecureSecret bool   `kong:"help='Accept the placeholder authentication secret.'"`
}

// Config is the top-level application configuration. It is built once by
// Load and treated as read-only afterwards.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Admin      AdminConfig      `toml:"admin"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds public HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8888); TOML cannot distinguish 0 from unset
	AuthHeader   string          `toml:"auth_header"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// SupervisorConfig holds settings for launching the upstream service.
type SupervisorConfig struct {
	Command              []string `toml:"command"`
	Host                 string   `toml:"host"`
	InternalPort         int      `toml:"-"` // allocated at startup, never read from file
	EnableAuth           *bool    `toml:"enable_auth"`
	Secret               string   `toml:"secret"`
	AllowInsecureSecret  bool     `toml:"allow_insecure_secret"`
	RootPath             string   `toml:"root_path"`
	Readiness            string   `toml:"readiness"`
	WarmupSeconds        int      `toml:"warmup_seconds"`
	ReadyTimeoutSeconds  int      `toml:"ready_timeout_seconds"`
	ShutdownGraceSeconds int      `toml:"shutdown_grace_seconds"`
}

// AdminConfig holds the optional admin listener settings.
type AdminConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Readiness modes.
const (
	ReadinessProbe = "probe"
	ReadinessDelay = "delay"
)

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or PROXY_CONFIG), it searches
// /etc/phoenix-auth-proxy/config.toml then configs/config.toml; if neither
// exists, defaults plus CLI values are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w: %w", ErrInvalidConfig, err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.AuthHeader != "" {
		c.Server.AuthHeader = cli.AuthHeader
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.Secret != "" {
		c.Supervisor.Secret = cli.Secret
	}
	if cli.RootPath != "" {
		c.Supervisor.RootPath = cli.RootPath
	}
	if cli.AdminAddr != "" {
		c.Admin.Addr = cli.AdminAddr
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.AllowInsecureSecret {
		c.Supervisor.AllowInsecureSecret = true
	}
}

func (c *Config) validate() error {
	// Upstream URL is optional here: run mode computes it, proxy mode checks it.
	if c.Upstream.BaseURL != "" {
		if err := ValidateLoopbackURL(c.Upstream.BaseURL); err != nil {
			return fmt.Errorf("upstream.base_url: %w", err)
		}
	}

	if h := c.Server.AuthHeader; h != "" && !httpguts.ValidHeaderFieldName(h) {
		return fmt.Errorf("server.auth_header is not a valid header name; got %q", h)
	}
	if strings.EqualFold(c.Server.AuthHeader, "authorization") {
		return fmt.Errorf("server.auth_header must differ from Authorization")
	}

	if host := c.Supervisor.Host; host != "" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("supervisor.host must be a loopback IP; got %q", host)
		}
	}
	if p := c.Supervisor.RootPath; p != "" && p[0] != '/' {
		return fmt.Errorf("supervisor.root_path must start with '/'; got %q", p)
	}
	switch strings.ToLower(c.Supervisor.Readiness) {
	case ReadinessProbe, ReadinessDelay, "":
		// valid
	default:
		return fmt.Errorf("supervisor.readiness must be one of: probe, delay; got %q", c.Supervisor.Readiness)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Supervisor.WarmupSeconds < 0 || c.Supervisor.ReadyTimeoutSeconds < 0 || c.Supervisor.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("supervisor durations must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if c.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Addr); err != nil {
			return fmt.Errorf("admin.addr must be host:port; got %q", c.Admin.Addr)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Server.AuthHeader == "" {
		c.Server.AuthHeader = DefaultAuthHeader
	}
	c.Server.AuthHeader = strings.ToLower(c.Server.AuthHeader)
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 * 1024 // 64 MB, trace batches can be large
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if len(c.Supervisor.Command) == 0 {
		c.Supervisor.Command = []string{"phoenix", "serve"}
	}
	if c.Supervisor.Host == "" {
		c.Supervisor.Host = "127.0.0.1"
	}
	if c.Supervisor.EnableAuth == nil {
		enabled := true
		c.Supervisor.EnableAuth = &enabled
	}
	c.Supervisor.Readiness = strings.ToLower(c.Supervisor.Readiness)
	if c.Supervisor.Readiness == "" {
		c.Supervisor.Readiness = ReadinessProbe
	}
	if c.Supervisor.WarmupSeconds == 0 {
		c.Supervisor.WarmupSeconds = 5
	}
	if c.Supervisor.ReadyTimeoutSeconds == 0 {
		c.Supervisor.ReadyTimeoutSeconds = 30
	}
	if c.Supervisor.ShutdownGraceSeconds == 0 {
		c.Supervisor.ShutdownGraceSeconds = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ValidateLoopbackURL checks that raw is an absolute http(s) URL whose host
// is a loopback address. The upstream must never be reached off-host.
func ValidateLoopbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", raw)
	}
	if !IsLoopbackHost(u.Hostname()) {
		return fmt.Errorf("host must be loopback; got %q", u.Hostname())
	}
	return nil
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Timeout returns the upstream call timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuthEnabled reports whether upstream authentication is switched on.
func (c *SupervisorConfig) AuthEnabled() bool {
	return c.EnableAuth == nil || *c.EnableAuth
}

// Warmup returns the fixed warm-up delay used in delay readiness mode.
func (c *SupervisorConfig) Warmup() time.Duration {
	return time.Duration(c.WarmupSeconds) * time.Second
}

// ReadyTimeout returns the maximum wait for the upstream to accept connections.
func (c *SupervisorConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long the upstream gets between SIGTERM and SIGKILL.
func (c *SupervisorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry the upstream secret.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
