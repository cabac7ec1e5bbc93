package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mlguard/internal/capability"
	"github.com/loykin/mlguard/internal/config"
	"github.com/loykin/mlguard/internal/fallback"
)

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "mlguard.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func startFallback(t *testing.T) *fallback.Server {
	t.Helper()
	s, err := fallback.Start(fallback.Config{Host: "127.0.0.1", Port: 0, Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func stopAfter(d time.Duration) func(context.Context) (context.Context, context.CancelFunc) {
	return func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, d)
	}
}

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	for _, name := range []string{"serve", "check", "probe", "fallback", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, "command %q not registered", name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"), "--config flag missing")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	command{out: &out}.Version()
	assert.True(t, strings.HasPrefix(out.String(), "mlguard "), "unexpected version output: %q", out.String())
}

func TestProbeHealthyEndpoint(t *testing.T) {
	s := startFallback(t)
	var out bytes.Buffer
	err := command{out: &out}.Probe(context.Background(), ProbeFlags{Endpoint: s.Endpoint(), Timeout: time.Second})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"status": "healthy"`)
}

func TestProbeStatusEndpoint(t *testing.T) {
	s := startFallback(t)
	var out bytes.Buffer
	err := command{out: &out}.Probe(context.Background(), ProbeFlags{Endpoint: s.Endpoint(), Status: true, Timeout: time.Second})
	require.NoError(t, err)
	assert.Contains(t, out.String(), fallback.ServiceName)
}

func TestProbeUnreachable(t *testing.T) {
	var out bytes.Buffer
	err := command{out: &out}.Probe(context.Background(), ProbeFlags{Endpoint: "http://" + freeAddr(t), Timeout: 500 * time.Millisecond})
	require.Error(t, err, "expected error for unreachable endpoint")
	assert.Contains(t, out.String(), "unreachable")
}

func TestProbeWait(t *testing.T) {
	s := startFallback(t)
	var out bytes.Buffer
	err := command{out: &out}.Probe(context.Background(), ProbeFlags{Endpoint: s.Endpoint(), Timeout: time.Second, Wait: 3 * time.Second})
	require.NoError(t, err)
}

func TestCheckMissingRuntime(t *testing.T) {
	path := writeTOML(t, `
[capability]
runtimes = ["mlguard-missing-runtime"]
timeout = "1s"
`)
	var out bytes.Buffer
	err := command{out: &out}.Check(CheckFlags{ConfigPath: path})
	require.ErrorIs(t, err, capability.ErrUnavailable)
	assert.Contains(t, out.String(), `"available": false`)
}

func TestCheckBadConfig(t *testing.T) {
	path := writeTOML(t, `
[worker]
port = 70000
`)
	err := command{out: &bytes.Buffer{}}.Check(CheckFlags{ConfigPath: path})
	assert.Error(t, err, "expected config validation error")
}

func TestFallbackCommandStopsOnSignal(t *testing.T) {
	var out bytes.Buffer
	c := command{out: &out, signals: stopAfter(200 * time.Millisecond)}
	err := c.Fallback(context.Background(), FallbackFlags{Host: "127.0.0.1", HostSet: true, Port: 0, PortSet: true})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "fallback responder on http://127.0.0.1:")
}

func TestServeStopsOnSignal(t *testing.T) {
	path := writeTOML(t, `
[server]
listen = "`+freeAddr(t)+`"

[capability]
runtimes = ["mlguard-missing-runtime"]
timeout = "1s"

[fallback]
port = 0

[metrics]
enabled = false
`)
	c := command{out: &bytes.Buffer{}, signals: stopAfter(time.Second)}
	done := make(chan error, 1)
	go func() { done <- c.Serve(ServeFlags{ConfigPath: path}) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestHostURL(t *testing.T) {
	cases := []struct {
		listen, base, want string
	}{
		{":5003", "", "http://127.0.0.1:5003"},
		{"0.0.0.0:8080", "/api", "http://127.0.0.1:8080/api"},
		{"10.0.0.5:5003", "", "http://10.0.0.5:5003"},
	}
	for _, tc := range cases {
		cfg := &config.Config{Server: config.ServerConfig{Listen: tc.listen, BasePath: tc.base}}
		assert.Equal(t, tc.want, hostURL(cfg), "hostURL(%q, %q)", tc.listen, tc.base)
	}
}

func TestStatusUnreachableHost(t *testing.T) {
	var out bytes.Buffer
	err := command{out: &out}.Status(context.Background(), StatusFlags{APIUrl: "http://" + freeAddr(t), APITimeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestStatusAgainstRunningHost(t *testing.T) {
	addr := freeAddr(t)
	path := writeTOML(t, `
[server]
listen = "`+addr+`"

[capability]
runtimes = ["mlguard-missing-runtime"]
timeout = "1s"

[fallback]
port = 0

[metrics]
enabled = false
`)
	serve := command{out: &bytes.Buffer{}, signals: stopAfter(3 * time.Second)}
	done := make(chan error, 1)
	go func() { done <- serve.Serve(ServeFlags{ConfigPath: path}) }()

	var out bytes.Buffer
	deadline := time.Now().Add(2 * time.Second)
	for {
		out.Reset()
		err := command{out: &out}.Status(context.Background(), StatusFlags{ConfigPath: path, APITimeout: time.Second})
		if err == nil && strings.Contains(out.String(), `"phase": "FallbackActive"`) {
			break
		}
		require.False(t, time.Now().After(deadline), "host never reported FallbackActive: err=%v out=%s", err, out.String())
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, <-done)
}
