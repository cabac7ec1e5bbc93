package supervisor

import (
	"time"

	"github.com/loykin/mlguard/internal/fallback"
	"github.com/loykin/mlguard/internal/process"
)

const (
	DefaultStartupDeadline     = 10 * time.Second
	DefaultPollInterval        = 500 * time.Millisecond
	DefaultHealthInterval      = 30 * time.Second
	DefaultRetryInterval       = 5 * time.Second
	DefaultProbeTimeout        = 2 * time.Second
	DefaultStartupProbeTimeout = time.Second
	DefaultStopTimeout         = 5 * time.Second
	DefaultWorkerEndpoint      = "http://127.0.0.1:5004"

	maxHistory = 64
)

// Config holds what to run and the timing of the state machine.
type Config struct {
	Worker         process.Spec
	WorkerEndpoint string
	Fallback       fallback.Config

	// StartupDeadline bounds AwaitingRealHealth; PollInterval spaces the
	// startup probes within it.
	StartupDeadline time.Duration
	PollInterval    time.Duration
	// HealthInterval is the steady-state cadence in RealHealthy and
	// FallbackActive; RetryInterval applies in RealUnhealthy.
	HealthInterval      time.Duration
	RetryInterval       time.Duration
	ProbeTimeout        time.Duration
	StartupProbeTimeout time.Duration
	// StopTimeout is the grace before SIGKILL on shutdown.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.StartupDeadline, DefaultStartupDeadline)
	def(&c.PollInterval, DefaultPollInterval)
	def(&c.HealthInterval, DefaultHealthInterval)
	def(&c.RetryInterval, DefaultRetryInterval)
	def(&c.ProbeTimeout, DefaultProbeTimeout)
	def(&c.StartupProbeTimeout, DefaultStartupProbeTimeout)
	def(&c.StopTimeout, DefaultStopTimeout)
	if c.WorkerEndpoint == "" {
		c.WorkerEndpoint = DefaultWorkerEndpoint
	}
	if c.Worker.Name == "" {
		c.Worker.Name = "ml-worker"
	}
	return c
}
