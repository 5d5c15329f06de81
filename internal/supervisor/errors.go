package supervisor

import "errors"

var (
	ErrAlreadyRunning = errors.New("agent already running")
	ErrNotRunning     = errors.New("agent not running")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrDisabled       = errors.New("agent is disabled")
	ErrProcessCrashed = errors.New("agent process crashed")
	// ErrStopTimeout means the process survived SIGTERM and SIGKILL; its
	// record is kept.
	ErrStopTimeout = errors.New("agent did not exit after kill")
)
