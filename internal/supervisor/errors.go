package supervisor

import "errors"

// Failure taxonomy. All but ErrFallbackBindFailed are recovered inside the
// control loop and only show up in logs, snapshots and transition reasons.
var (
	ErrCapabilityUnavailable = errors.New("worker capability unavailable")
	ErrLaunchFailed          = errors.New("worker launch failed")
	ErrProbeTimeout          = errors.New("probe timed out")
	ErrProbeUnreachable      = errors.New("probe target unreachable")
	ErrProcessExited         = errors.New("worker process exited")
	ErrFallbackBindFailed    = errors.New("fallback bind failed")

	ErrAlreadyStarted = errors.New("supervisor already started")
)
