// Package proc answers "is this exact process still alive" and delivers
// termination signals.
package proc

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Identity names one OS process. StartTime (unix ms) guards against pid
// reuse; zero means unknown and only the pid is checked.
type Identity struct {
	PID       int   `json:"pid"`
	StartTime int64 `json:"start_time,omitempty"`
}

type Table interface {
	Alive(id Identity) bool
	Identify(pid int) (Identity, error)
}

type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
}

// OSTable reads the host process table.
type OSTable struct{}

func (OSTable) Alive(id Identity) bool {
	if id.PID <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(id.PID))
	if err != nil {
		return false
	}
	if id.StartTime != 0 {
		ct, err := p.CreateTime()
		if err != nil || ct != id.StartTime {
			return false
		}
	}
	st, err := p.Status()
	if err == nil {
		for _, s := range st {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

func (OSTable) Identify(pid int) (Identity, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Identity{}, fmt.Errorf("identify pid %d: %w", pid, err)
	}
	ct, err := p.CreateTime()
	if err != nil {
		return Identity{PID: pid}, fmt.Errorf("identify pid %d: create time: %w", pid, err)
	}
	return Identity{PID: pid, StartTime: ct}, nil
}

// OSSignaler signals real processes. A process that is already gone is not
// an error.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error {
	return signal(pid, unix.SIGTERM)
}

func (OSSignaler) Kill(pid int) error {
	return signal(pid, unix.SIGKILL)
}

func signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := unix.Kill(pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal %s to pid %d: %w", unix.SignalName(sig), pid, err)
}
