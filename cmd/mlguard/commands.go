package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/mlguard"
	"github.com/loykin/mlguard/internal/config"
	"github.com/loykin/mlguard/internal/fallback"
	"github.com/loykin/mlguard/internal/probe"
	"github.com/loykin/mlguard/pkg/client"
)

type command struct {
	out io.Writer
	// signals overrides the shutdown signal context in tests.
	signals func(context.Context) (context.Context, context.CancelFunc)
}

func (c command) loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := mlguard.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	log := cfg.Log.NewSlogger()
	slog.SetDefault(log)
	return cfg, log, nil
}

func (c command) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.signals != nil {
		return c.signals(parent)
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Serve runs the supervisor and host API until a shutdown signal.
func (c command) Serve(f ServeFlags) error {
	cfg, log, err := c.loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	host, err := mlguard.NewHost(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := c.signalContext(context.Background())
	defer stop()

	log.Info("starting mlguard", "version", mlguard.Version, "listen", cfg.Server.Listen, "worker", cfg.WorkerEndpoint())
	err = host.Run(ctx)
	final := host.Supervisor().Snapshot()
	log.Info("mlguard stopped", "phase", final.Phase, "transitions", len(final.History))
	return err
}

// Check runs the capability probe and fails when the worker cannot run.
func (c command) Check(f CheckFlags) error {
	cfg, log, err := c.loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	res := cfg.CapabilityProber(log).Check(context.Background())
	printJSON(c.out, res)
	return res.Err()
}

// Probe queries an endpoint once, or retries until healthy when Wait is set.
func (c command) Probe(ctx context.Context, f ProbeFlags) error {
	cfg, log, err := c.loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := f.Endpoint
	if endpoint == "" {
		endpoint = cfg.WorkerEndpoint()
	}
	client := probe.NewClient(probe.WithLogger(log))

	var res probe.Result
	switch {
	case f.Status:
		res = client.Status(ctx, endpoint, f.Timeout)
	case f.Wait > 0:
		wctx, cancel := context.WithTimeout(ctx, f.Wait)
		defer cancel()
		res, err = probe.WaitHealthy(wctx, client, endpoint, f.Timeout, 200*time.Millisecond, 2*time.Second)
		printJSON(c.out, res)
		return err
	default:
		res = client.Health(ctx, endpoint, f.Timeout)
	}
	printJSON(c.out, res)
	if !res.Healthy() {
		return fmt.Errorf("%s is %s: %s", endpoint, res.Status, res.Error)
	}
	return nil
}

// Fallback serves only the synthetic responder until a shutdown signal.
func (c command) Fallback(ctx context.Context, f FallbackFlags) error {
	cfg, log, err := c.loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	fc := cfg.FallbackConfig(mlguard.Version, log)
	if f.HostSet {
		fc.Host = f.Host
	}
	if f.PortSet {
		fc.Port = f.Port
	}
	srv, err := fallback.Start(fc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "fallback responder on %s\n", srv.Endpoint())

	sctx, stop := c.signalContext(ctx)
	defer stop()
	select {
	case <-sctx.Done():
	case <-srv.Done():
		return errors.New("fallback responder exited")
	}
	return srv.Stop()
}

// Status prints the supervisor snapshot (or /health) of a running host.
func (c command) Status(ctx context.Context, f StatusFlags) error {
	cfg, log, err := c.loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	url := f.APIUrl
	if url == "" {
		url = hostURL(cfg)
	}
	api := client.New(client.Config{BaseURL: url, Timeout: f.APITimeout, Logger: log})
	if !api.IsReachable(ctx) {
		return fmt.Errorf("host not reachable at %s - start it first with 'mlguard serve'", url)
	}
	if f.Health {
		h, err := api.Health(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, h)
		return nil
	}
	st, err := api.Supervisor(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// hostURL turns server.listen into a dialable URL; an empty host means loopback.
func hostURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "http://" + cfg.Server.Listen + cfg.Server.BasePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + cfg.Server.BasePath
}

func (c command) Version() {
	_, _ = fmt.Fprintf(c.out, "mlguard %s\n", mlguard.Version)
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
