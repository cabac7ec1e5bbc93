package supervisor

import (
	"github.com/loykin/mlguard/internal/capability"
	"github.com/loykin/mlguard/internal/probe"
	"github.com/loykin/mlguard/internal/process"
)

// Events are produced by worker goroutines and timers and consumed only by
// the control loop. epoch is the loop epoch at which the work was issued.
type event interface{ name() string }

type capabilityEvent struct {
	epoch uint64
	res   capability.Result
}

type launchedEvent struct {
	epoch uint64
	proc  Process
	err   error
}

type fallbackEvent struct {
	epoch uint64
	srv   FallbackServer
	err   error
}

type probeEvent struct {
	epoch    uint64
	handleID uint64
	target   string
	res      probe.Result
}

// exitEvent is matched by handle id, never by epoch.
type exitEvent struct {
	handleID uint64
	exit     process.Exit
}

type tickEvent struct{ epoch uint64 }

type deadlineEvent struct{ epoch uint64 }

func (capabilityEvent) name() string { return "capability" }
func (launchedEvent) name() string   { return "launched" }
func (fallbackEvent) name() string   { return "fallback" }
func (probeEvent) name() string      { return "probe" }
func (exitEvent) name() string       { return "exit" }
func (tickEvent) name() string       { return "tick" }
func (deadlineEvent) name() string   { return "deadline" }
