package fallback

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrBind is returned by Start when the listen address cannot be bound.
var ErrBind = errors.New("fallback bind failed")

const ServiceName = "mlguard-fallback"

// Config describes where the fallback responder listens.
type Config struct {
	Host    string       `mapstructure:"host"`
	Port    int          `mapstructure:"port"` // 0 picks an ephemeral port
	Version string       `mapstructure:"-"`
	Logger  *slog.Logger `mapstructure:"-"`
}

func (c Config) addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Server is a running fallback responder. It satisfies the worker's HTTP
// contract with deterministic synthetic output.
type Server struct {
	cfg       Config
	ln        net.Listener
	srv       *http.Server
	logger    *slog.Logger
	startedAt time.Time

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// Start binds the listen address synchronously and serves in the background.
// A port already in use is reported as an error wrapping ErrBind.
func Start(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, cfg.addr(), err)
	}
	s := &Server{
		cfg:       cfg,
		ln:        ln,
		logger:    log.With("component", "fallback"),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("fallback server stopped", "error", err)
		}
	}()
	s.logger.Info("fallback responder listening", "addr", s.Addr())
	for _, ep := range endpoints {
		s.logger.Info("fallback endpoint", "route", ep)
	}
	return s, nil
}

var endpoints = []string{
	"GET /health",
	"GET /status",
	"POST /predict_disease",
	"POST /predict_nutrients",
}

// Handler returns the gin engine serving the worker contract.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/health", s.handleHealth)
	g.GET("/status", s.handleStatus)
	g.POST("/predict_disease", handlePredictDisease)
	g.POST("/predict_nutrients", handlePredictNutrients)
	return g
}

// Addr is the bound address, including a resolved ephemeral port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Endpoint is the base URL probes should target.
func (s *Server) Endpoint() string { return "http://" + s.Addr() }

// Done is closed once the serve loop has returned.
func (s *Server) Done() <-chan struct{} { return s.done }

// Stop closes the listener and active connections. Safe to call repeatedly
// and on a nil server.
func (s *Server) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.stopErr = s.srv.Close()
		<-s.done
		s.logger.Info("fallback responder stopped", "addr", s.Addr())
	})
	return s.stopErr
}

func (s *Server) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "fallback",
		"services": gin.H{
			"disease_detection": "synthetic",
			"nutrient_analysis": "synthetic",
			"plant_info":        "synthetic",
		},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"service":    ServiceName,
		"version":    s.cfg.Version,
		"mode":       "fallback",
		"started_at": s.startedAt.UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"endpoints":  endpoints,
	})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}
