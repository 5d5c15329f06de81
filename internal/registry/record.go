// Package registry persists one liveness record per push agent name.
//
// Records are the supervisor's view of which OS process (pid plus process
// start time) currently embodies an agent. They are never trusted blindly:
// callers reconcile them against the process table before acting.
package registry

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Live reports whether the status claims a process exists.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusRunning
}

func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopped, StatusCrashed:
		return true
	}
	return false
}

var (
	ErrNotFound = errors.New("liveness record not found")
	// ErrIdentityMismatch is returned when a conditional update names a pid
	// that no longer owns the record.
	ErrIdentityMismatch = errors.New("liveness record owned by another process")
)

type Record struct {
	Name string `json:"name"`
	PID  int    `json:"pid,omitempty"`
	// ProcessStart is the OS process creation time in unix milliseconds. It
	// disambiguates a reused pid.
	ProcessStart  int64     `json:"process_start,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	Status        Status    `json:"status"`
	Degraded      bool      `json:"degraded"`
	Restarts      int       `json:"restarts"`
	NextRestartAt time.Time `json:"next_restart_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Health is what a running agent reports about itself.
type Health struct {
	PID       int
	Status    Status
	Degraded  bool
	LastError string
}

// Store is the durable home of liveness records. Implementations must be
// safe for concurrent use; ordering of writes to one name is the caller's
// job (see Locks).
type Store interface {
	Get(ctx context.Context, name string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, name string) error
	// ReportHealth updates status fields only if the record is still owned
	// by h.PID.
	ReportHealth(ctx context.Context, name string, h Health) error
	Close() error
}

func applyHealth(rec *Record, h Health, now time.Time) error {
	if rec.PID != h.PID || !rec.Status.Live() {
		return ErrIdentityMismatch
	}
	if h.Status != "" {
		rec.Status = h.Status
	}
	rec.Degraded = h.Degraded
	rec.LastError = h.LastError
	rec.UpdatedAt = now
	return nil
}
