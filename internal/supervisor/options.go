package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/mlguard/internal/capability"
	"github.com/loykin/mlguard/internal/fallback"
	"github.com/loykin/mlguard/internal/probe"
	"github.com/loykin/mlguard/internal/process"
)

// Prober checks a worker endpoint's /health.
type Prober interface {
	Health(ctx context.Context, endpoint string, timeout time.Duration) probe.Result
}

// CapabilityChecker decides whether the real worker can be launched at all.
type CapabilityChecker interface {
	Check(ctx context.Context) capability.Result
}

// Launcher spawns the real worker.
type Launcher interface {
	Launch(spec process.Spec) (Process, error)
}

// FallbackStarter binds and starts the fallback responder.
type FallbackStarter interface {
	Start(cfg fallback.Config) (FallbackServer, error)
}

type LaunchFunc func(spec process.Spec) (Process, error)

func (f LaunchFunc) Launch(spec process.Spec) (Process, error) { return f(spec) }

type FallbackFunc func(cfg fallback.Config) (FallbackServer, error)

func (f FallbackFunc) Start(cfg fallback.Config) (FallbackServer, error) { return f(cfg) }

// ProcessLauncher launches workers with the process package, relaying their
// output into log.
func ProcessLauncher(log *slog.Logger) Launcher {
	return LaunchFunc(func(spec process.Spec) (Process, error) {
		h, err := process.Launch(spec, process.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// FallbackResponder starts the in-process fallback package server.
func FallbackResponder() FallbackStarter {
	return FallbackFunc(func(cfg fallback.Config) (FallbackServer, error) {
		s, err := fallback.Start(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

func defaultCapability(cfg Config, log *slog.Logger) CapabilityChecker {
	return &capability.Prober{WorkDir: cfg.Worker.WorkDir, Logger: log}
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func WithProber(p Prober) Option { return func(s *Supervisor) { s.prober = p } }

func WithCapability(c CapabilityChecker) Option { return func(s *Supervisor) { s.capability = c } }

func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

func WithFallback(f FallbackStarter) Option { return func(s *Supervisor) { s.fallback = f } }

// WithObserver registers a callback invoked by the control loop after every
// accepted transition. It must not block.
func WithObserver(fn func(Transition)) Option { return func(s *Supervisor) { s.observer = fn } }
