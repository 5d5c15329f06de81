package push

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/SuicidePanda1738/kismet-webui/internal/registry"
)

// RegistryReporter writes agent health into the agent's own liveness
// record. Updates are conditional on PID, so an agent whose record was
// taken over by a newer process cannot overwrite it.
type RegistryReporter struct {
	Store   registry.Store
	Name    string
	PID     int
	Timeout time.Duration
	Log     zerolog.Logger
}

func (r *RegistryReporter) Report(ctx context.Context, degraded bool, lastErr string) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	// Health must still land during shutdown, after ctx is done.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := r.Store.ReportHealth(rctx, r.Name, registry.Health{
		PID:       r.PID,
		Status:    registry.StatusRunning,
		Degraded:  degraded,
		LastError: lastErr,
	})
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrIdentityMismatch), errors.Is(err, registry.ErrNotFound):
		r.Log.Warn().Err(err).Int("pid", r.PID).Msg("liveness record not ours, health not reported")
	default:
		r.Log.Error().Err(err).Msg("health report failed")
	}
}
