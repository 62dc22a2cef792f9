package supervisor

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"phoenix-auth-proxy/internal/config"
)

// Variables exported to the upstream process.
const (
	EnvHost       = "PHOENIX_HOST"
	EnvPort       = "PHOENIX_PORT"
	EnvEnableAuth = "PHOENIX_ENABLE_AUTH"
	EnvSecret     = "PHOENIX_SECRET"
	EnvUpstream   = "PHOENIX_UPSTREAM_URL"
	EnvRootPath   = "PHOENIX_HOST_ROOT_PATH"
)

// Hosting platform variables used to derive the external URL prefix.
const (
	envProjectOwner = "DOMINO_PROJECT_OWNER"
	envProjectName  = "DOMINO_PROJECT_NAME"
	envRunID        = "DOMINO_RUN_ID"
)

// Prepare returns a copy of cfg completed for a supervised run: an internal
// port is allocated, the upstream base URL points at it, and the root path
// is derived from the hosting platform when not set explicitly.
//
// An empty or placeholder secret with authentication enabled is rejected
// unless the insecure secret was explicitly allowed.
func Prepare(cfg *config.Config, getenv func(string) string) (*config.Config, error) {
	out := *cfg
	sup := &out.Supervisor

	if sup.AuthEnabled() {
		switch {
		case sup.Secret == "" && sup.AllowInsecureSecret:
			sup.Secret = config.PlaceholderSecret
		case sup.Secret == "":
			return nil, fmt.Errorf("%w: supervisor.secret is required when authentication is enabled", config.ErrInvalidConfig)
		case sup.Secret == config.PlaceholderSecret && !sup.AllowInsecureSecret:
			return nil, fmt.Errorf("%w: supervisor.secret is the insecure placeholder; set PHOENIX_SECRET or pass --allow-insecure-secret", config.ErrInvalidConfig)
		}
	}

	if sup.RootPath == "" {
		sup.RootPath = PlatformRootPath(getenv)
	}

	port, err := FreePort(sup.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate internal port: %w", config.ErrInvalidConfig, err)
	}
	sup.InternalPort = port
	out.Upstream.BaseURL = (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(sup.Host, strconv.Itoa(port)),
	}).String()

	return &out, nil
}

// PlatformRootPath builds /<owner>/<project>/r/notebookSession/<run> from the
// hosting platform's variables. It returns "" unless all three are set.
func PlatformRootPath(getenv func(string) string) string {
	owner := strings.Trim(getenv(envProjectOwner), "/")
	project := strings.Trim(getenv(envProjectName), "/")
	run := strings.Trim(getenv(envRunID), "/")
	if owner == "" || project == "" || run == "" {
		return ""
	}
	return path.Join("/", owner, project, "r", "notebookSession", run)
}

// Environ returns base extended with the upstream's settings. Later entries
// win over earlier ones with the same key when the process starts.
func Environ(cfg *config.Config, base []string) []string {
	sup := cfg.Supervisor
	env := make([]string, 0, len(base)+6)
	env = append(env, base...)
	env = append(env,
		EnvHost+"="+sup.Host,
		EnvPort+"="+strconv.Itoa(sup.InternalPort),
		EnvEnableAuth+"="+strconv.FormatBool(sup.AuthEnabled()),
		EnvUpstream+"="+cfg.Upstream.BaseURL,
	)
	if sup.Secret != "" {
		env = append(env, EnvSecret+"="+sup.Secret)
	}
	if sup.RootPath != "" {
		env = append(env, EnvRootPath+"="+sup.RootPath)
	}
	return env
}
