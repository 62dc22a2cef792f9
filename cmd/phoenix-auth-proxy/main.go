package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"phoenix-auth-proxy/internal/client"
	"phoenix-auth-proxy/internal/config"
	"phoenix-auth-proxy/internal/handler"
	"phoenix-auth-proxy/internal/metrics"
	"phoenix-auth-proxy/internal/middleware"
	"phoenix-auth-proxy/internal/service"
	"phoenix-auth-proxy/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	Global config.CLI `kong:"embed"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Run   runCmd   `kong:"cmd,default='withargs',help='Launch the upstream service and serve the authenticating proxy in front of it.'"`
	Proxy proxyCmd `kong:"cmd,help='Serve the authenticating proxy in front of an upstream that is already running.'"`
}

type runCmd struct {
	Command []string `kong:"arg,optional,passthrough,help='Upstream command line (default: phoenix serve).'"`
}

type proxyCmd struct{}

// adminServer is the optional admin echo instance; Echo is nil when
// admin.addr is empty.
type adminServer struct {
	*echo.Echo
}

func main() {
	var args cli
	kctx := kong.Parse(&args,
		kong.Name("phoenix-auth-proxy"),
		kong.Description("Authenticating reverse proxy that supervises a Phoenix server on loopback."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&args, kctx.Command())...).Run()
}

// appOptions assembles the fx graph for the selected command.
func appOptions(args *cli, command string) []fx.Option {
	opts := []fx.Option{
		fx.StopTimeout(time.Minute),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &args.Global },
			func() handler.Version { return handler.Version(version) },
			func(s *supervisor.Supervisor) handler.StatusReporter { return s },
			newLogger,
			newEcho,
			newAdmin,
			metrics.New,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerAdminRoutes, warnConfig, startSupervisor),
	}

	if strings.HasPrefix(command, "proxy") {
		opts = append(opts, fx.Provide(config.Load, supervisor.NewServeOnly))
	} else {
		opts = append(opts, fx.Provide(loadRunConfig(args.Run.Command), supervisor.New))
	}

	return opts
}

// loadRunConfig loads the configuration and completes it for a supervised
// upstream. A command given on the command line replaces the configured one.
func loadRunConfig(command []string) func(*config.CLI) (*config.Config, error) {
	return func(c *config.CLI) (*config.Config, error) {
		cfg, err := config.Load(c)
		if err != nil {
			return nil, err
		}
		if argv := upstreamCommand(command); len(argv) > 0 {
			cfg.Supervisor.Command = argv
		}
		return supervisor.Prepare(cfg, os.Getenv)
	}
}

// upstreamCommand drops the "--" separator kong keeps in passthrough args.
func upstreamCommand(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}
	return args
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Streamed responses may legitimately run long; the upstream client
	// timeout bounds them instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Server.AuthHeader))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.StripHopByHop())

	if rl := middleware.RateLimit(cfg.Server.RateLimit); rl != nil {
		e.Use(rl)
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	logger.Info("proxy configured",
		"addr", cfg.Server.Addr(),
		"upstream", cfg.Upstream.BaseURL,
		"auth_header", cfg.Server.AuthHeader,
		"body_limit", humanize.IBytes(uint64(cfg.Server.BodyMaxBytes)),
	)

	return e
}

func newAdmin(cfg *config.Config, logger *slog.Logger) adminServer {
	if cfg.Admin.Addr == "" {
		return adminServer{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("component", "admin")))

	return adminServer{Echo: e}
}

func registerAdminRoutes(admin adminServer, health *handler.HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	if admin.Echo == nil {
		return
	}
	handler.RegisterAdminRoutes(admin.Echo, health, cfg, m)
}

func warnConfig(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	if cfg.Supervisor.Secret == config.PlaceholderSecret {
		logger.Error("upstream is using the insecure placeholder secret; set PHOENIX_SECRET")
	}
}

// startSupervisor runs the supervisor for the lifetime of the app. When it
// stops on its own the app shuts down, with exit code 1 on failure.
func startSupervisor(lc fx.Lifecycle, sd fx.Shutdowner, sup *supervisor.Supervisor, e *echo.Echo, admin adminServer, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			endpoints := []supervisor.Endpoint{
				{Name: "proxy", Addr: cfg.Server.Addr(), Server: e.Server},
			}
			if admin.Echo != nil {
				endpoints = append(endpoints, supervisor.Endpoint{Name: "admin", Addr: cfg.Admin.Addr, Server: admin.Server})
			}

			go func() {
				defer close(done)
				code := 0
				if err := sup.Run(ctx, endpoints...); err != nil {
					logger.Error("supervisor stopped", "err", err)
					code = 1
				}
				_ = sd.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			logger.Info("shutting down")
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
