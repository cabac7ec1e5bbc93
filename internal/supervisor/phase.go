package supervisor

import "encoding/json"

// Phase is the supervisor's state machine position.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseProbingCapability
	PhaseLaunchingReal
	PhaseAwaitingRealHealth
	PhaseRealHealthy
	PhaseRealUnhealthy
	PhaseStartingFallback
	PhaseFallbackActive
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseIdle:               "Idle",
	PhaseProbingCapability:  "ProbingCapability",
	PhaseLaunchingReal:      "LaunchingReal",
	PhaseAwaitingRealHealth: "AwaitingRealHealth",
	PhaseRealHealthy:        "RealHealthy",
	PhaseRealUnhealthy:      "RealUnhealthy",
	PhaseStartingFallback:   "StartingFallback",
	PhaseFallbackActive:     "FallbackActive",
	PhaseStopped:            "Stopped",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}

func (p Phase) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

// Stable reports whether the phase waits on periodic probes rather than on
// in-flight work.
func (p Phase) Stable() bool {
	switch p {
	case PhaseRealHealthy, PhaseFallbackActive, PhaseStopped:
		return true
	default:
		return false
	}
}

// PhaseNames lists every phase name, in state machine order.
func PhaseNames() []string {
	out := make([]string, len(phaseNames))
	copy(out, phaseNames[:])
	return out
}
