// Package supervisor launches the upstream service on a private loopback
// port, waits for it to become ready, serves the proxy endpoints and tears
// everything down together.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"phoenix-auth-proxy/internal/config"
	"phoenix-auth-proxy/internal/metrics"
)

var (
	// ErrUpstreamExited is returned when the upstream process terminates
	// while the supervisor is still running.
	ErrUpstreamExited = errors.New("upstream process exited")
	// ErrUpstreamNotReady is returned when the upstream does not accept
	// connections within the ready timeout.
	ErrUpstreamNotReady = errors.New("upstream not ready")
)

const defaultProbeInterval = 100 * time.Millisecond

// State is the lifecycle state of a supervised task.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Endpoint is an HTTP server run by the supervisor for its whole lifetime.
type Endpoint struct {
	Name   string
	Addr   string
	Server *http.Server
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Upstream     string            `json:"upstream"`
	PID          int               `json:"pid,omitempty"`
	InternalPort int               `json:"internal_port,omitempty"`
	ReadyAt      time.Time         `json:"ready_at,omitzero"`
	Endpoints    map[string]string `json:"endpoints,omitempty"`
	Tasks        map[string]string `json:"tasks"`
}

// Supervisor owns the upstream process and the proxy's listeners.
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	launch  bool

	probeInterval time.Duration

	mu        sync.Mutex
	tasks     map[string]State
	endpoints map[string]string
	pid       int
	readyAt   time.Time
}

// New creates a Supervisor that launches cfg.Supervisor.Command. cfg must
// have been completed by Prepare. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		logger:        logger.With("component", "supervisor"),
		metrics:       m,
		launch:        len(cfg.Supervisor.Command) > 0,
		probeInterval: defaultProbeInterval,
		tasks:         map[string]State{},
		endpoints:     map[string]string{},
	}
}

// NewServeOnly creates a Supervisor that only runs endpoints, for an
// upstream managed elsewhere.
func NewServeOnly(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	s := New(cfg, logger, m)
	s.launch = false
	return s
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Upstream:     StateIdle.String(),
		PID:          s.pid,
		InternalPort: s.cfg.Supervisor.InternalPort,
		ReadyAt:      s.readyAt,
		Endpoints:    make(map[string]string, len(s.endpoints)),
		Tasks:        make(map[string]string, len(s.tasks)),
	}
	if !s.launch {
		st.InternalPort = 0
	}
	if up, ok := s.tasks["upstream"]; ok {
		st.Upstream = up.String()
	}
	for name, addr := range s.endpoints {
		st.Endpoints[name] = addr
	}
	for name, state := range s.tasks {
		st.Tasks[name] = state.String()
	}
	return st
}

func (s *Supervisor) setTask(name string, state State) {
	s.mu.Lock()
	s.tasks[name] = state
	s.mu.Unlock()
}

// Run starts the upstream (when configured), waits for it to become ready,
// then serves every endpoint until ctx is canceled or any task fails. On
// return the upstream process group has been signaled and all endpoints
// are shut down.
//
// A nil error means shutdown was requested through ctx.
func (s *Supervisor) Run(ctx context.Context, endpoints ...Endpoint) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if s.launch {
		cmd, err := s.startUpstream(gctx)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.waitUpstream(runCtx, cmd) })

		if err := s.awaitReady(gctx); err != nil {
			cancel()
			waitErr := g.Wait()
			if ctx.Err() != nil || waitErr != nil {
				return waitErr
			}
			return err
		}
	}

	servers := make([]*http.Server, 0, len(endpoints))
	for _, ep := range endpoints {
		ln, err := net.Listen("tcp", ep.Addr)
		if err != nil {
			cancel()
			for _, srv := range servers {
				_ = srv.Close()
			}
			return multierr.Append(fmt.Errorf("listen %s on %s: %w", ep.Name, ep.Addr, err), g.Wait())
		}
		s.mu.Lock()
		s.endpoints[ep.Name] = ln.Addr().String()
		s.mu.Unlock()
		s.logger.Info("serving", "endpoint", ep.Name, "addr", ln.Addr().String())

		servers = append(servers, ep.Server)
		ep := ep
		g.Go(func() error { return s.serve(ep.Name, ep.Server, ln) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), s.cfg.Supervisor.ShutdownGrace()+time.Second)
		defer scancel()

		var err error
		for _, srv := range servers {
			err = multierr.Append(err, srv.Shutdown(sctx))
		}
		return err
	})

	return g.Wait()
}

func (s *Supervisor) serve(name string, srv *http.Server, ln net.Listener) error {
	s.setTask(name, StateRunning)
	defer s.setTask(name, StateStopped)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// startUpstream launches the upstream in its own process group. Canceling
// ctx sends SIGTERM to the group and SIGKILL after the grace period.
func (s *Supervisor) startUpstream(ctx context.Context) (*exec.Cmd, error) {
	argv := s.cfg.Supervisor.Command
	grace := s.cfg.Supervisor.ShutdownGrace()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // command comes from operator config
	cmd.Env = Environ(s.cfg, os.Environ())
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		s.logger.Info("stopping upstream", "pid", cmd.Process.Pid, "grace", grace.String())
		if grace <= 0 {
			return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		}
		if err := signalGroup(cmd.Process.Pid, syscall.SIGTERM); err != nil {
			return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = grace

	s.setTask("upstream", StateStarting)
	if err := cmd.Start(); err != nil {
		s.setTask("upstream", StateStopped)
		return nil, fmt.Errorf("start upstream %q: %w", argv[0], err)
	}

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	s.logger.Info("upstream started",
		"pid", cmd.Process.Pid,
		"command", argv[0],
		"port", s.cfg.Supervisor.InternalPort,
		"root_path", s.cfg.Supervisor.RootPath,
	)
	return cmd, nil
}

// waitUpstream blocks until the upstream exits. Any process left in the group
// is killed. An exit before ctx is canceled fails the run in probe mode. In
// delay mode it is only recorded: the proxy keeps serving and answers 502.
func (s *Supervisor) waitUpstream(ctx context.Context, cmd *exec.Cmd) error {
	err := cmd.Wait()
	_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)

	s.setTask("upstream", StateStopped)
	if s.metrics != nil {
		s.metrics.UpstreamUp.Set(0)
	}

	if ctx.Err() != nil {
		s.logger.Info("upstream stopped", "pid", cmd.Process.Pid)
		return nil
	}

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	s.logger.Error("upstream exited unexpectedly", "pid", cmd.Process.Pid, "exit_code", code, "error", err)
	if s.cfg.Supervisor.Readiness == config.ReadinessDelay {
		return nil
	}
	return fmt.Errorf("%w with code %d", ErrUpstreamExited, code)
}

// awaitReady blocks until the upstream accepts TCP connections, or for the
// fixed warm-up in delay mode.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	sup := s.cfg.Supervisor
	addr := net.JoinHostPort(sup.Host, strconv.Itoa(sup.InternalPort))
	start := time.Now()

	if sup.Readiness == config.ReadinessDelay {
		timer := time.NewTimer(sup.Warmup())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else {
		err := wait.PollUntilContextTimeout(ctx, s.probeInterval, sup.ReadyTimeout(), true,
			func(ctx context.Context) (bool, error) {
				var d net.Dialer
				conn, err := d.DialContext(ctx, "tcp", addr)
				if err != nil {
					return false, nil
				}
				_ = conn.Close()
				return true, nil
			})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w on %s after %s", ErrUpstreamNotReady, addr, sup.ReadyTimeout())
		}
	}

	elapsed := time.Since(start)
	s.mu.Lock()
	exited := s.tasks["upstream"] == StateStopped
	if !exited {
		s.tasks["upstream"] = StateRunning
		s.readyAt = time.Now()
	}
	s.mu.Unlock()
	if exited {
		s.logger.Warn("upstream exited during warm-up; serving anyway", "addr", addr)
		return nil
	}
	if s.metrics != nil {
		s.metrics.UpstreamUp.Set(1)
		s.metrics.UpstreamReadySeconds.Set(elapsed.Seconds())
	}

	s.logger.Info("upstream ready", "addr", addr, "mode", sup.Readiness, "elapsed", elapsed.Round(time.Millisecond).String())
	return nil
}
