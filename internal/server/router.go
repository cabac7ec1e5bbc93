package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mlguard/internal/metrics"
	"github.com/loykin/mlguard/internal/probe"
	"github.com/loykin/mlguard/internal/supervisor"
)

// Router exposes the host's read-only view of the supervised worker.
// Endpoints (relative to basePath):
//
//	GET /            welcome document
//	GET /health      host health amalgamated with a live probe of the active backing
//	GET /status      host metadata merged with the active backing's /status
//	GET /supervisor  supervisor snapshot and transition history
//	GET /metrics     Prometheus exposition (when enabled)
type Router struct {
	src       SnapshotSource
	prober    Prober
	basePath  string
	opts      Options
	startedAt time.Time
	logger    *slog.Logger
}

// SnapshotSource is satisfied by *supervisor.Supervisor.
type SnapshotSource interface {
	Snapshot() supervisor.Snapshot
}

// Prober is satisfied by *probe.Client.
type Prober interface {
	Health(ctx context.Context, endpoint string, timeout time.Duration) probe.Result
	Status(ctx context.Context, endpoint string, timeout time.Duration) probe.Result
}

type Options struct {
	BasePath     string
	Version      string
	Listen       string
	ProbeTimeout time.Duration
	// Metrics serves MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
	Prober      Prober
	Logger      *slog.Logger
}

func NewRouter(src SnapshotSource, opts Options) *Router {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	r := &Router{
		src:       src,
		prober:    opts.Prober,
		basePath:  sanitizeBase(opts.BasePath),
		opts:      opts,
		startedAt: time.Now(),
		logger:    opts.Logger,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.prober == nil {
		r.prober = probe.NewClient(probe.WithLogger(r.logger))
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/", r.handleIndex)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/supervisor", r.handleSupervisor)
	if r.opts.Metrics != nil {
		group.GET(r.opts.MetricsPath, gin.WrapH(r.opts.Metrics))
	}
	return g
}

func (r *Router) endpoints() []string {
	eps := []string{
		"GET " + r.basePath + "/",
		"GET " + r.basePath + "/health",
		"GET " + r.basePath + "/status",
		"GET " + r.basePath + "/supervisor",
	}
	if r.opts.Metrics != nil {
		eps = append(eps, "GET "+r.basePath+r.opts.MetricsPath)
	}
	return eps
}

// NewServer wraps handler in an http.Server with the host's timeouts. The
// caller owns ListenAndServe and Shutdown.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

func (r *Router) handleIndex(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"message": "mlguard host API",
		"version": r.opts.Version,
		"services": []string{
			"Disease Detection (ML)",
			"Nutrient Analysis (ML)",
		},
		"endpoints": r.endpoints(),
	})
}

func (r *Router) handleHealth(c *gin.Context) {
	snap := r.src.Snapshot()
	services := gin.H{
		"backend":           "running",
		"ml_service":        "not responding",
		"disease_detection": "unknown",
		"nutrient_analysis": "unknown",
		"plant_info_ml":     "unknown",
	}
	if ep := snap.Active.Endpoint; ep != "" {
		res := r.prober.Health(c.Request.Context(), ep, r.opts.ProbeTimeout)
		if res.Healthy() {
			services["ml_service"] = "running"
			for k, v := range res.Services {
				if name, ok := workerServices[k]; ok {
					services[name] = v
				}
			}
		}
	}
	writeJSON(c, http.StatusOK, gin.H{
		"service":   "mlguard",
		"status":    "healthy",
		"listen":    r.opts.Listen,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"backing":   snap.Kind(),
		"phase":     snap.Phase,
		"serving":   snap.Serving(),
		"services":  services,
	})
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.src.Snapshot()
	ml := gin.H{
		"service": "ML worker",
		"backing": snap.Kind(),
		"phase":   snap.Phase,
	}
	if ep := snap.Active.Endpoint; ep != "" {
		ml["endpoint"] = ep
		res := r.prober.Status(c.Request.Context(), ep, r.opts.ProbeTimeout)
		for k, v := range res.Payload {
			ml[k] = v
		}
		if res.Healthy() {
			ml["status"] = "running"
		} else {
			ml["status"] = "not responding"
			ml["error"] = res.Error
		}
	} else {
		ml["status"] = "not responding"
		ml["error"] = "no active backing"
	}
	body := gin.H{
		"backend": gin.H{
			"service":    "mlguard host",
			"status":     "running",
			"version":    r.opts.Version,
			"listen":     r.opts.Listen,
			"started_at": r.startedAt.UTC().Format(time.RFC3339),
			"endpoints":  r.endpoints(),
		},
		"ml_service": ml,
	}
	if snap.Kind() == supervisor.KindReal && snap.Active.PID > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if st, err := metrics.SampleWorker(ctx, snap.Active.PID); err == nil {
			metrics.RecordWorker(st)
			body["worker_resources"] = st
		} else {
			r.logger.Debug("worker resource sample failed", "pid", snap.Active.PID, "error", err)
		}
	} else {
		metrics.ClearWorker()
	}
	writeJSON(c, http.StatusOK, body)
}

func (r *Router) handleSupervisor(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}
