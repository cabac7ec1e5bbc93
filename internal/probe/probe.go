// Package probe issues bounded-time health and status requests against a
// worker endpoint and classifies the outcome as healthy, unhealthy or
// unreachable. Probes never retry; retry policy belongs to the caller.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
)

const (
	PathHealth = "/health"
	PathStatus = "/status"

	// DefaultTimeout applies when a caller passes a non-positive timeout.
	DefaultTimeout = 3 * time.Second

	maxBody = 1 << 20
)

var (
	ErrTimeout     = errors.New("probe timed out")
	ErrUnreachable = errors.New("endpoint unreachable")
)

// Result is the outcome of one probe.
type Result struct {
	Status   Status            `json:"status"`
	Endpoint string            `json:"endpoint"`
	Path     string            `json:"path"`
	Services map[string]string `json:"services,omitempty"`
	Payload  map[string]any    `json:"payload,omitempty"`
	Error    string            `json:"error,omitempty"`
	Code     int               `json:"code,omitempty"`
	Latency  time.Duration     `json:"latency"`
	At       time.Time         `json:"at"`
	err      error
}

func (r Result) Healthy() bool { return r.Status == StatusHealthy }

// Err returns the underlying error for unhealthy/unreachable results.
func (r Result) Err() error { return r.err }

// Client probes worker endpoints over HTTP.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               nil, // loopback only
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Health probes <endpoint>/health.
func (c *Client) Health(ctx context.Context, endpoint string, timeout time.Duration) Result {
	return c.do(ctx, endpoint, PathHealth, timeout)
}

// Status probes <endpoint>/status (diagnostic variant).
func (c *Client) Status(ctx context.Context, endpoint string, timeout time.Duration) Result {
	return c.do(ctx, endpoint, PathStatus, timeout)
}

func (c *Client) do(ctx context.Context, endpoint, path string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	res := Result{Endpoint: endpoint, Path: path, At: start}
	finish := func(st Status, err error) Result {
		res.Status = st
		res.Latency = time.Since(start)
		if err != nil {
			res.err = err
			res.Error = err.Error()
		}
		c.logger.Debug("probe", "endpoint", endpoint, "path", path, "status", st, "latency", res.Latency, "error", res.Error)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return finish(StatusUnreachable, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return finish(StatusUnreachable, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err))
		}
		return finish(StatusUnreachable, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	defer func() { _ = resp.Body.Close() }()
	res.Code = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return finish(StatusUnreachable, fmt.Errorf("%w reading body: %v", ErrTimeout, err))
		}
		return finish(StatusUnhealthy, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return finish(StatusUnhealthy, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return finish(StatusUnhealthy, fmt.Errorf("malformed payload: %v", err))
	}
	res.Payload = payload

	if path == PathStatus {
		return finish(StatusHealthy, nil)
	}
	res.Services = servicesOf(payload)
	st, _ := payload["status"].(string)
	if !healthyWord(st) {
		return finish(StatusUnhealthy, fmt.Errorf("unrecognized health status %q", st))
	}
	return finish(StatusHealthy, nil)
}

func healthyWord(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy", "ok", "up", "running":
		return true
	}
	return false
}

// servicesOf extracts {"services": {name: state}} keeping string states only.
func servicesOf(payload map[string]any) map[string]string {
	raw, ok := payload["services"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch s := v.(type) {
		case string:
			out[k] = s
		case bool:
			out[k] = fmt.Sprintf("%t", s)
		}
	}
	return out
}

type timeoutError interface{ Timeout() bool }

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
