package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "mlguard.toml")
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))
	return file
}

func TestDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, ":5003", c.Server.Listen)
	assert.Equal(t, "http://127.0.0.1:5004", c.WorkerEndpoint())
	assert.Equal(t, 5005, c.Fallback.Port)
	assert.Equal(t, 10*time.Second, c.Supervisor.StartupDeadline)
	assert.Equal(t, 30*time.Second, c.Supervisor.HealthInterval)
	require.Len(t, c.Capability.Runtimes, 2)
	assert.Equal(t, "python3", c.Capability.Runtimes[0])
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, "/metrics", c.Metrics.Path)
}

func TestLoadFullFile(t *testing.T) {
	t.Setenv("PORT", "")
	file := writeTOML(t, `
env = ["GLOBAL=1"]
use_os_env = false

[server]
listen = "127.0.0.1:7000"

[worker]
name = "ml"
script = "app.py"
args = ["--debug"]
workdir = "/srv/ml"
env = ["MODEL=${GLOBAL}-m"]
port = 6004
port_env = "ML_PORT"

[capability]
runtimes = ["python3.11"]
modules = "numpy"
timeout = "3s"

[fallback]
port = 6005

[supervisor]
startup_deadline = "20s"
poll_interval = "250ms"
retry_interval = "1s"

[log.slog]
level = "debug"
format = "json"
`)
	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", c.Server.Listen)
	assert.Equal(t, 6004, c.Worker.Port)
	assert.Equal(t, 6005, c.Fallback.Port)
	assert.Equal(t, 20*time.Second, c.Supervisor.StartupDeadline)
	assert.Equal(t, 250*time.Millisecond, c.Supervisor.PollInterval)
	// unset keys keep defaults
	assert.Equal(t, 5*time.Second, c.Supervisor.StopTimeout)
	assert.Equal(t, 3*time.Second, c.Capability.Timeout)
	assert.Equal(t, "numpy", c.Capability.Modules)
	assert.Equal(t, "debug", c.Log.Slog.Level)
	assert.Equal(t, "json", c.Log.Slog.Format)

	spec, err := c.WorkerSpec()
	require.NoError(t, err)
	assert.Empty(t, spec.Command)
	assert.Equal(t, []string{"app.py", "--debug"}, spec.Args)
	assert.Equal(t, "/srv/ml", spec.WorkDir)
	assert.Equal(t, []string{"GLOBAL=1", "ML_PORT=6004", "MODEL=1-m"}, spec.Env)

	sc, err := c.SupervisorConfig("v1", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:6004", sc.WorkerEndpoint)
	assert.Equal(t, 6005, sc.Fallback.Port)
	assert.Equal(t, "v1", sc.Fallback.Version)

	p := c.CapabilityProber(nil)
	assert.Equal(t, "/srv/ml", p.WorkDir)
	assert.Equal(t, "python3.11", p.Runtimes[0])
}

func TestWorkerCommandIgnoresDefaultScript(t *testing.T) {
	t.Setenv("PORT", "")
	file := writeTOML(t, `
[worker]
command = "sleep 30"
`)
	c, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, "app.py", c.Worker.Script, "script keeps its default")

	spec, err := c.WorkerSpec()
	require.NoError(t, err)
	assert.Equal(t, "sleep 30", spec.Command)
	assert.Empty(t, spec.Args)
	cmd := spec.BuildCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, []string{"sleep", "30"}, cmd.Args)

	file = writeTOML(t, `
[worker]
command = "python3"
args = ["serve.py"]
`)
	c, err = Load(file)
	require.NoError(t, err)
	spec, err = c.WorkerSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"serve.py"}, spec.Args)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MLGUARD_WORKER_PORT", "7004")
	t.Setenv("MLGUARD_SUPERVISOR_HEALTH_INTERVAL", "5s")
	t.Setenv("PORT", "8080")
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 7004, c.Worker.Port)
	assert.Equal(t, 5*time.Second, c.Supervisor.HealthInterval)
	assert.Equal(t, ":8080", c.Server.Listen, "PORT not honored")

	t.Setenv("MLGUARD_SERVER_LISTEN", "127.0.0.1:9000")
	c, err = Default()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.Server.Listen, "prefixed listen should win over PORT")
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "")
	file := writeTOML(t, `
[worker]
script = ""
port = 5004

[fallback]
port = 5004

[supervisor]
poll_interval = "0s"

[log.slog]
level = "loud"
`)
	_, err := Load(file)
	require.Error(t, err)
	for _, want := range []string{
		"worker.command or worker.script",
		"fallback.port must differ",
		"supervisor.poll_interval must be positive",
		"log.slog.level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestGlobalEnvFromFiles(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\n"), 0o644))
	c := &Config{EnvFiles: []string{dotenv}, Env: []string{"B=override"}}
	pairs, err := c.GlobalEnv()
	require.NoError(t, err)
	m := map[string]string{}
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	assert.Equal(t, "1", m["A"])
	assert.Equal(t, "override", m["B"])

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	_, err = c.GlobalEnv()
	assert.Error(t, err)
}
