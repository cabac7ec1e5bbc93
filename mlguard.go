package mlguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/mlguard/internal/capability"
	"github.com/loykin/mlguard/internal/config"
	"github.com/loykin/mlguard/internal/metrics"
	"github.com/loykin/mlguard/internal/probe"
	"github.com/loykin/mlguard/internal/server"
	"github.com/loykin/mlguard/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = config.Config

type Supervisor = supervisor.Supervisor

type SupervisorConfig = supervisor.Config

type SupervisorOption = supervisor.Option

type Snapshot = supervisor.Snapshot

type Transition = supervisor.Transition

type Phase = supervisor.Phase

type ProbeResult = probe.Result

type CapabilityResult = capability.Result

// Version is reported by the host API and the fallback responder.
var Version = "dev"

// ShutdownTimeout bounds the host HTTP server's graceful shutdown.
const ShutdownTimeout = 5 * time.Second

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewSupervisor builds a supervisor from a loaded config.
func NewSupervisor(cfg *Config, log *slog.Logger, opts ...SupervisorOption) (*Supervisor, error) {
	sc, err := cfg.SupervisorConfig(Version, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor config: %w", err)
	}
	base := []SupervisorOption{
		supervisor.WithLogger(log),
		supervisor.WithCapability(cfg.CapabilityProber(log)),
	}
	return supervisor.New(sc, append(base, opts...)...), nil
}

// Host couples a supervisor with the HTTP API that reports on it.
type Host struct {
	cfg    *Config
	log    *slog.Logger
	sup    *Supervisor
	router *server.Router
}

// NewHost builds the supervisor and host router. Metrics are registered with
// the default Prometheus registry when enabled in cfg.
func NewHost(cfg *Config, log *slog.Logger, opts ...SupervisorOption) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}
	sup, err := NewSupervisor(cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	ropts := server.Options{
		BasePath: cfg.Server.BasePath,
		Version:  Version,
		Listen:   cfg.Server.Listen,
		Logger:   log,
	}
	if cfg.Metrics.Enabled {
		if err := RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		ropts.Metrics = metrics.Handler()
		ropts.MetricsPath = cfg.Metrics.Path
	}
	return &Host{
		cfg:    cfg,
		log:    log,
		sup:    sup,
		router: server.NewRouter(sup, ropts),
	}, nil
}

func (h *Host) Supervisor() *Supervisor { return h.sup }

// Handler is the host API, mountable in any server or mux.
func (h *Host) Handler() http.Handler { return h.router.Handler() }

// Run serves the host API on cfg.Server.Listen and drives the supervisor
// until ctx is cancelled or either fails. The supervisor reaches Stopped and
// releases its backings before Run returns.
func (h *Host) Run(ctx context.Context) error {
	srv := server.NewServer(h.cfg.Server.Listen, h.Handler())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.sup.Run(gctx)
	})
	g.Go(func() error {
		h.log.Info("host API listening", "addr", h.cfg.Server.Listen, "base_path", h.cfg.Server.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("host listen %s: %w", h.cfg.Server.Listen, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// RegisterMetrics registers the supervisor collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MountEcho serves h under base on an echo instance.
func MountEcho(e *echo.Echo, base string, h http.Handler) {
	e.Any(base, echo.WrapHandler(h))
	e.Any(base+"/*", echo.WrapHandler(h))
}
