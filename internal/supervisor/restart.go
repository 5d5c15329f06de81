package supervisor

import (
	"fmt"
	"time"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/registry"
)

// restartDelay is the wait before the n-th consecutive restart. The first
// restart is immediate.
func restartDelay(p config.RestartConfig, n int) time.Duration {
	if n <= 1 {
		return 0
	}
	d := p.BackoffInitial
	for i := 2; i < n; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

func markCrashed(rec *registry.Record, p config.RestartConfig, now time.Time, reason string) {
	markExit(rec, registry.StatusCrashed, p, now, reason)
}

// markExited records an unrequested clean exit. It counts toward the same
// restart budget as a crash so an agent that keeps exiting is not
// relaunched in a loop.
func markExited(rec *registry.Record, p config.RestartConfig, now time.Time) {
	markExit(rec, registry.StatusStopped, p, now, "agent exited without a stop request")
}

func markExit(rec *registry.Record, status registry.Status, p config.RestartConfig, now time.Time, reason string) {
	rec.Status = status
	rec.Degraded = false
	rec.Restarts++
	rec.LastError = reason
	rec.UpdatedAt = now
	if rec.Restarts > p.Max {
		rec.NextRestartAt = time.Time{}
		rec.LastError = fmt.Sprintf("%s (restart limit %d reached)", reason, p.Max)
		return
	}
	rec.NextRestartAt = now.Add(restartDelay(p, rec.Restarts))
}

// gaveUp reports whether automatic restarts are exhausted.
func gaveUp(rec registry.Record, p config.RestartConfig) bool {
	return !rec.Status.Live() && rec.Restarts > p.Max
}
