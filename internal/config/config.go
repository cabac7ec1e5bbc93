package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mlguard/internal/capability"
	"github.com/loykin/mlguard/internal/env"
	"github.com/loykin/mlguard/internal/fallback"
	"github.com/loykin/mlguard/internal/logger"
	"github.com/loykin/mlguard/internal/process"
	"github.com/loykin/mlguard/internal/supervisor"
)

// EnvPrefix prefixes every environment override, e.g. MLGUARD_WORKER_PORT.
const EnvPrefix = "MLGUARD"

// Config is the top-level TOML structure.
type Config struct {
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool             `toml:"use_os_env" mapstructure:"use_os_env"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Worker     WorkerConfig     `toml:"worker" mapstructure:"worker"`
	Capability CapabilityConfig `toml:"capability" mapstructure:"capability"`
	Fallback   FallbackConfig   `toml:"fallback" mapstructure:"fallback"`
	Supervisor TimingConfig     `toml:"supervisor" mapstructure:"supervisor"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// WorkerConfig describes the real worker. When Command is empty the worker
// runs Script with the runtime resolved by the capability check; otherwise
// Script is ignored and Command runs with Args.
type WorkerConfig struct {
	Name    string   `toml:"name" mapstructure:"name"`
	Command string   `toml:"command" mapstructure:"command"`
	Script  string   `toml:"script" mapstructure:"script"`
	Args    []string `toml:"args" mapstructure:"args"`
	WorkDir string   `toml:"workdir" mapstructure:"workdir"`
	Env     []string `toml:"env" mapstructure:"env"`
	PIDFile string   `toml:"pidfile" mapstructure:"pidfile"`
	Host    string   `toml:"host" mapstructure:"host"`
	Port    int      `toml:"port" mapstructure:"port"`
	PortEnv string   `toml:"port_env" mapstructure:"port_env"`
}

type CapabilityConfig struct {
	Runtimes []string      `toml:"runtimes" mapstructure:"runtimes"`
	Modules  string        `toml:"modules" mapstructure:"modules"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type FallbackConfig struct {
	Host string `toml:"host" mapstructure:"host"`
	Port int    `toml:"port" mapstructure:"port"`
}

type TimingConfig struct {
	StartupDeadline     time.Duration `toml:"startup_deadline" mapstructure:"startup_deadline"`
	PollInterval        time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	HealthInterval      time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	RetryInterval       time.Duration `toml:"retry_interval" mapstructure:"retry_interval"`
	ProbeTimeout        time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	StartupProbeTimeout time.Duration `toml:"startup_probe_timeout" mapstructure:"startup_probe_timeout"`
	StopTimeout         time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("server.listen", ":5003")
	v.SetDefault("server.base_path", "")

	v.SetDefault("worker.name", "ml-worker")
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.script", "app.py")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.pidfile", "")
	v.SetDefault("worker.host", "127.0.0.1")
	v.SetDefault("worker.port", 5004)
	v.SetDefault("worker.port_env", "ML_SERVICE_PORT")

	v.SetDefault("capability.runtimes", capability.DefaultRuntimes)
	v.SetDefault("capability.modules", capability.DefaultImportModule)
	v.SetDefault("capability.timeout", capability.DefaultTimeout)

	v.SetDefault("fallback.host", "127.0.0.1")
	v.SetDefault("fallback.port", 5005)

	v.SetDefault("supervisor.startup_deadline", supervisor.DefaultStartupDeadline)
	v.SetDefault("supervisor.poll_interval", supervisor.DefaultPollInterval)
	v.SetDefault("supervisor.health_interval", supervisor.DefaultHealthInterval)
	v.SetDefault("supervisor.retry_interval", supervisor.DefaultRetryInterval)
	v.SetDefault("supervisor.probe_timeout", supervisor.DefaultProbeTimeout)
	v.SetDefault("supervisor.startup_probe_timeout", supervisor.DefaultStartupProbeTimeout)
	v.SetDefault("supervisor.stop_timeout", supervisor.DefaultStopTimeout)

	def := logger.DefaultConfig()
	v.SetDefault("log.slog.level", string(def.Slog.Level))
	v.SetDefault("log.slog.format", string(def.Slog.Format))
	v.SetDefault("log.slog.color", def.Slog.Color)
	v.SetDefault("log.slog.timestamps", def.Slog.TimeStamps)
	v.SetDefault("log.slog.source", def.Slog.Source)
	v.SetDefault("log.file.dir", def.File.Dir)
	v.SetDefault("log.file.stdout", def.File.StdoutPath)
	v.SetDefault("log.file.stderr", def.File.StderrPath)
	v.SetDefault("log.file.host", def.File.HostPath)
	v.SetDefault("log.file.max_size_mb", def.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", def.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", def.File.MaxAgeDays)
	v.SetDefault("log.file.compress", def.File.Compress)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) { return Load("") }

// Load reads the TOML file at path (optional), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// PORT is honored for the host listener unless the prefixed form is set.
	if p := os.Getenv("PORT"); p != "" && os.Getenv(EnvPrefix+"_SERVER_LISTEN") == "" {
		c.Server.Listen = ":" + p
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Command == "" && c.Worker.Script == "" {
		errs = append(errs, errors.New("worker.command or worker.script is required"))
	}
	if c.Worker.Port < 1 || c.Worker.Port > 65535 {
		errs = append(errs, fmt.Errorf("worker.port %d out of range", c.Worker.Port))
	}
	if c.Fallback.Port < 0 || c.Fallback.Port > 65535 {
		errs = append(errs, fmt.Errorf("fallback.port %d out of range", c.Fallback.Port))
	}
	if c.Fallback.Port != 0 && c.Fallback.Port == c.Worker.Port {
		errs = append(errs, fmt.Errorf("fallback.port must differ from worker.port (%d)", c.Worker.Port))
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen %q: %w", c.Server.Listen, err))
	}
	for name, d := range map[string]time.Duration{
		"supervisor.startup_deadline":      c.Supervisor.StartupDeadline,
		"supervisor.poll_interval":         c.Supervisor.PollInterval,
		"supervisor.health_interval":       c.Supervisor.HealthInterval,
		"supervisor.retry_interval":        c.Supervisor.RetryInterval,
		"supervisor.probe_timeout":         c.Supervisor.ProbeTimeout,
		"supervisor.startup_probe_timeout": c.Supervisor.StartupProbeTimeout,
		"supervisor.stop_timeout":          c.Supervisor.StopTimeout,
		"capability.timeout":               c.Capability.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	switch c.Log.Slog.Level {
	case logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, logger.LevelError:
	default:
		errs = append(errs, fmt.Errorf("log.slog.level %q invalid", c.Log.Slog.Level))
	}
	switch c.Log.Slog.Format {
	case logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.slog.format %q invalid", c.Log.Slog.Format))
	}
	return errors.Join(errs...)
}

// WorkerEndpoint is the base URL of the real worker.
func (c *Config) WorkerEndpoint() string {
	return "http://" + net.JoinHostPort(c.Worker.Host, strconv.Itoa(c.Worker.Port))
}

// GlobalEnv merges env_files (in order) and then the top-level env list.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(env.Vars)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range env.Parse(c.Env) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// WorkerSpec builds the launch spec. The worker always receives its port
// through PortEnv.
func (c *Config) WorkerSpec() (process.Spec, error) {
	global, err := c.GlobalEnv()
	if err != nil {
		return process.Spec{}, err
	}
	comp := env.New(c.UseOSEnv).SetGlobal(global)
	if c.Worker.PortEnv != "" {
		comp.Pin(c.Worker.PortEnv, strconv.Itoa(c.Worker.Port))
	}
	args := append([]string(nil), c.Worker.Args...)
	if c.Worker.Command == "" && c.Worker.Script != "" {
		args = append([]string{c.Worker.Script}, args...)
	}
	logCfg := c.Log.File
	logCfg.HostPath = ""
	return process.Spec{
		Name:    c.Worker.Name,
		Command: c.Worker.Command,
		Args:    args,
		WorkDir: c.Worker.WorkDir,
		Env:     comp.Compose(c.Worker.Env),
		PIDFile: c.Worker.PIDFile,
		Log:     logCfg,
	}, nil
}

// CapabilityProber runs its checks in the worker's working directory.
func (c *Config) CapabilityProber(log *slog.Logger) *capability.Prober {
	return &capability.Prober{
		Runtimes: c.Capability.Runtimes,
		Modules:  c.Capability.Modules,
		WorkDir:  c.Worker.WorkDir,
		Timeout:  c.Capability.Timeout,
		Logger:   log,
	}
}

func (c *Config) FallbackConfig(version string, log *slog.Logger) fallback.Config {
	return fallback.Config{Host: c.Fallback.Host, Port: c.Fallback.Port, Version: version, Logger: log}
}

// SupervisorConfig assembles the state machine configuration.
func (c *Config) SupervisorConfig(version string, log *slog.Logger) (supervisor.Config, error) {
	spec, err := c.WorkerSpec()
	if err != nil {
		return supervisor.Config{}, err
	}
	t := c.Supervisor
	return supervisor.Config{
		Worker:              spec,
		WorkerEndpoint:      c.WorkerEndpoint(),
		Fallback:            c.FallbackConfig(version, log),
		StartupDeadline:     t.StartupDeadline,
		PollInterval:        t.PollInterval,
		HealthInterval:      t.HealthInterval,
		RetryInterval:       t.RetryInterval,
		ProbeTimeout:        t.ProbeTimeout,
		StartupProbeTimeout: t.StartupProbeTimeout,
		StopTimeout:         t.StopTimeout,
	}, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
