package supervisor

import (
	"time"

	"github.com/loykin/mlguard/internal/probe"
)

// Transition records one accepted phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	Epoch  uint64    `json:"epoch"`
}

// Snapshot is an immutable copy of the supervisor state for readers outside
// the control loop.
type Snapshot struct {
	Phase       Phase         `json:"phase"`
	Epoch       uint64        `json:"epoch"`
	Since       time.Time     `json:"since"`
	Active      HandleInfo    `json:"active"`
	Standby     *HandleInfo   `json:"standby,omitempty"`
	LastProbe   *probe.Result `json:"last_probe,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	StaleEvents uint64        `json:"stale_events"`
	History     []Transition  `json:"history"`
}

// Kind is the kind of the active backing.
func (s Snapshot) Kind() Kind { return s.Active.Kind }

// Serving reports whether an active backing is expected to answer requests.
func (s Snapshot) Serving() bool {
	switch s.Phase {
	case PhaseRealHealthy, PhaseRealUnhealthy, PhaseFallbackActive:
		return true
	default:
		return false
	}
}

// Phases returns the To phases of the recorded history, oldest first.
func (s Snapshot) Phases() []Phase {
	out := make([]Phase, 0, len(s.History)+1)
	if len(s.History) > 0 {
		out = append(out, s.History[0].From)
	}
	for _, t := range s.History {
		out = append(out, t.To)
	}
	return out
}
