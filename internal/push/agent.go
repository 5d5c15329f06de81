package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tevino/abool"

	"github.com/SuicidePanda1738/kismet-webui/internal/gps"
)

type Config struct {
	Name   string
	Sensor string

	Capacity      int
	BatchSize     int
	FlushInterval time.Duration

	RetryInitial time.Duration
	RetryCeiling time.Duration
	// DegradeAfter consecutive failures at the ceiling mark the agent
	// degraded.
	DegradeAfter int
	FlushTimeout time.Duration

	// PositionMaxAge is the oldest fix still attached to a batch.
	PositionMaxAge time.Duration
}

// HealthReporter receives the agent's degraded flag whenever it changes.
type HealthReporter interface {
	Report(ctx context.Context, degraded bool, lastErr string)
}

type Deps struct {
	Source Source
	Sink   Sink
	// Fixes may be nil for agents without GPS.
	Fixes  gps.FixSource
	Health HealthReporter
	Log    zerolog.Logger
	Now    func() time.Time
}

// Agent is one capture-to-remote pipeline.
type Agent struct {
	cfg   Config
	deps  Deps
	queue *Queue

	degraded *abool.AtomicBool

	mu          sync.Mutex
	failures    int
	atCeiling   int
	nextAttempt time.Time
	lastErr     string
	sent        uint64
	batches     uint64
	lastSent    time.Time
}

type Snapshot struct {
	Name        string    `json:"name"`
	Buffered    int       `json:"buffered"`
	Capacity    int       `json:"capacity"`
	Dropped     uint64    `json:"dropped"`
	Sent        uint64    `json:"sent"`
	Batches     uint64    `json:"batches"`
	Failures    int       `json:"consecutive_failures"`
	Degraded    bool      `json:"degraded"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
	LastSent    time.Time `json:"last_sent,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func NewAgent(cfg Config, deps Deps) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("push agent name is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("push agent %s: source is nil", cfg.Name)
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("push agent %s: sink is nil", cfg.Name)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryCeiling < cfg.RetryInitial {
		cfg.RetryCeiling = cfg.RetryInitial
	}
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = 3
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.PositionMaxAge <= 0 {
		cfg.PositionMaxAge = 2 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Agent{
		cfg:      cfg,
		deps:     deps,
		queue:    NewQueue(cfg.Capacity),
		degraded: abool.New(),
	}, nil
}

// Run captures and flushes until ctx is cancelled, then makes one final
// flush bounded by FlushTimeout and closes the sink. Send failures never
// end Run.
func (a *Agent) Run(ctx context.Context) error {
	log := a.deps.Log
	log.Info().Int("capacity", a.cfg.Capacity).Int("batch_size", a.cfg.BatchSize).Msg("push agent started")
	a.report(ctx)

	capDone := make(chan error, 1)
	go func() { capDone <- a.deps.Source.Run(ctx, a.Enqueue) }()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			if err := <-capDone; err != nil {
				log.Warn().Err(err).Msg("capture ended with error")
			}
			log.Info().Msg("push agent stopped")
			return nil
		case <-ticker.C:
			now := a.deps.Now()
			if !a.due(now) {
				continue
			}
			_ = a.flush(ctx, now)
		}
	}
}

func (a *Agent) shutdown() {
	flushCtx, cancel := context.WithTimeout(context.Background(), a.cfg.FlushTimeout)
	defer cancel()
	if a.queue.Len() > 0 {
		if err := a.flush(flushCtx, a.deps.Now()); err != nil {
			a.deps.Log.Warn().Err(err).Int("unsent", a.queue.Len()).Msg("final flush failed")
		}
	}
	if err := a.deps.Sink.Close(); err != nil {
		a.deps.Log.Debug().Err(err).Msg("sink close")
	}
}

// Enqueue adds one observation, evicting the oldest if the buffer is full.
func (a *Agent) Enqueue(obs Observation) {
	if a.queue.Push(obs) {
		recordsDropped.WithLabelValues(a.cfg.Name).Inc()
	}
	recordsBuffered.WithLabelValues(a.cfg.Name).Set(float64(a.queue.Len()))
}

func (a *Agent) due(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextAttempt.IsZero() || !now.Before(a.nextAttempt)
}

// flush sends every buffered record in batches of BatchSize, oldest first.
// The fix is read once per cycle so every batch of the cycle carries the
// same position tag. It stops at the first failure.
func (a *Agent) flush(ctx context.Context, now time.Time) error {
	var pos *Position
	if a.deps.Fixes != nil {
		fix, ok := a.deps.Fixes.Latest()
		pos = TagPosition(fix, ok, now, a.cfg.PositionMaxAge)
	}

	for {
		recs := a.queue.Peek(a.cfg.BatchSize)
		if len(recs) == 0 {
			return nil
		}
		batch := Batch{
			ID:        uuid.NewString(),
			Agent:     a.cfg.Name,
			Sensor:    a.cfg.Sensor,
			CreatedAt: now.UTC(),
			Position:  pos,
			Records:   recs,
		}
		if err := a.deps.Sink.Send(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return err
			}
			a.onFailure(ctx, err, now)
			return err
		}
		a.queue.Commit(recs[len(recs)-1].Seq)
		a.onSuccess(ctx, len(recs), now)
	}
}

func (a *Agent) onFailure(ctx context.Context, err error, now time.Time) {
	sendFailures.WithLabelValues(a.cfg.Name).Inc()

	a.mu.Lock()
	a.failures++
	delay := retryDelay(a.cfg.RetryInitial, a.cfg.RetryCeiling, a.failures)
	if delay >= a.cfg.RetryCeiling {
		a.atCeiling++
	}
	a.nextAttempt = now.Add(delay)
	a.lastErr = err.Error()
	failures := a.failures
	degrade := a.atCeiling >= a.cfg.DegradeAfter
	a.mu.Unlock()

	a.deps.Log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Int("buffered", a.queue.Len()).Msg("batch send failed")
	if degrade && a.degraded.SetToIf(false, true) {
		degradedGauge.WithLabelValues(a.cfg.Name).Set(1)
		a.deps.Log.Error().Err(err).Msg("remote unreachable for too long, agent degraded")
		a.report(ctx)
	}
}

func (a *Agent) onSuccess(ctx context.Context, n int, now time.Time) {
	batchesSent.WithLabelValues(a.cfg.Name).Inc()
	recordsBuffered.WithLabelValues(a.cfg.Name).Set(float64(a.queue.Len()))

	a.mu.Lock()
	a.failures = 0
	a.atCeiling = 0
	a.nextAttempt = time.Time{}
	a.lastErr = ""
	a.sent += uint64(n)
	a.batches++
	a.lastSent = now
	a.mu.Unlock()

	if a.degraded.SetToIf(true, false) {
		degradedGauge.WithLabelValues(a.cfg.Name).Set(0)
		a.deps.Log.Info().Msg("remote reachable again, agent recovered")
		a.report(ctx)
	}
}

func (a *Agent) report(ctx context.Context) {
	if a.deps.Health == nil {
		return
	}
	a.mu.Lock()
	lastErr := a.lastErr
	a.mu.Unlock()
	a.deps.Health.Report(ctx, a.degraded.IsSet(), lastErr)
}

func (a *Agent) Degraded() bool { return a.degraded.IsSet() }

func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Name:        a.cfg.Name,
		Buffered:    a.queue.Len(),
		Capacity:    a.queue.Cap(),
		Dropped:     a.queue.Dropped(),
		Sent:        a.sent,
		Batches:     a.batches,
		Failures:    a.failures,
		Degraded:    a.degraded.IsSet(),
		NextAttempt: a.nextAttempt,
		LastSent:    a.lastSent,
		LastError:   a.lastErr,
	}
}

// retryDelay is initial*2^(n-1) capped at ceiling, for n >= 1 failures.
func retryDelay(initial, ceiling time.Duration, n int) time.Duration {
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
