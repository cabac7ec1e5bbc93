package supervisor

import (
	"time"

	"github.com/loykin/mlguard/internal/process"
)

// Kind identifies what backs the worker endpoint.
type Kind string

const (
	KindNone     Kind = "none"
	KindReal     Kind = "real"
	KindFallback Kind = "fallback"
)

// Process is the lifecycle surface of a launched worker. *process.Handle
// implements it.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Exit() (process.Exit, bool)
	Terminate()
	Stop(grace time.Duration) process.Exit
}

// FallbackServer is a started fallback responder.
type FallbackServer interface {
	Endpoint() string
	Stop() error
}

// Handle is the supervisor's record of one backing implementation. It is
// owned by the control loop and never shared; readers get HandleInfo copies.
type Handle struct {
	Kind      Kind
	ID        uint64
	CreatedAt time.Time
	Endpoint  string

	proc Process
	fb   FallbackServer
}

func (h *Handle) info() HandleInfo {
	if h == nil {
		return HandleInfo{Kind: KindNone}
	}
	hi := HandleInfo{Kind: h.Kind, ID: h.ID, CreatedAt: h.CreatedAt, Endpoint: h.Endpoint}
	if h.proc != nil {
		hi.PID = h.proc.PID()
	}
	return hi
}

// terminate releases the backing without waiting. Nil handles and repeated
// calls are no-ops.
func (h *Handle) terminate() {
	if h == nil {
		return
	}
	if h.proc != nil {
		h.proc.Terminate()
	}
	if h.fb != nil {
		_ = h.fb.Stop()
	}
}

// shutdown releases the backing and, for a real worker, waits up to grace
// before killing it.
func (h *Handle) shutdown(grace time.Duration) {
	if h == nil {
		return
	}
	if h.proc != nil {
		h.proc.Stop(grace)
	}
	if h.fb != nil {
		_ = h.fb.Stop()
	}
}

// HandleInfo is the read-only view of a Handle.
type HandleInfo struct {
	Kind      Kind      `json:"kind"`
	ID        uint64    `json:"id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	PID       int       `json:"pid,omitempty"`
}
