package client

import "time"

// HostHealth is the host's GET /health document.
type HostHealth struct {
	Service   string            `json:"service"`
	Status    string            `json:"status"`
	Listen    string            `json:"listen,omitempty"`
	Timestamp string            `json:"timestamp"`
	Backing   string            `json:"backing"`
	Phase     string            `json:"phase"`
	Serving   bool              `json:"serving"`
	Services  map[string]string `json:"services"`
}

// MLServiceRunning reports whether the active backing answered its probe.
func (h HostHealth) MLServiceRunning() bool { return h.Services["ml_service"] == "running" }

// HandleInfo describes one backing (real worker or fallback).
type HandleInfo struct {
	Kind      string    `json:"kind"`
	ID        uint64    `json:"id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	Epoch  uint64    `json:"epoch"`
}

// SupervisorState is the host's GET /supervisor document.
type SupervisorState struct {
	Phase       string       `json:"phase"`
	Epoch       uint64       `json:"epoch"`
	Since       time.Time    `json:"since"`
	Active      HandleInfo   `json:"active"`
	Standby     *HandleInfo  `json:"standby,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	StaleEvents uint64       `json:"stale_events"`
	History     []Transition `json:"history"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
