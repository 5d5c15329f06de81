package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SuicidePanda1738/kismet-webui/internal/gps"
)

type fakeSink struct {
	mu      sync.Mutex
	down    bool
	batches []Batch
	closed  bool
}

func (s *fakeSink) Send(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrRemoteUnreachable
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *fakeSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, b := range s.batches {
		out = append(out, b.Records...)
	}
	return out
}

type fakeHealth struct {
	mu    sync.Mutex
	calls []bool
}

func (h *fakeHealth) Report(ctx context.Context, degraded bool, lastErr string) {
	h.mu.Lock()
	h.calls = append(h.calls, degraded)
	h.mu.Unlock()
}

func (h *fakeHealth) last() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) == 0 {
		return false, 0
	}
	return h.calls[len(h.calls)-1], len(h.calls)
}

type fixSource struct {
	fix gps.Fix
	ok  bool
}

func (f fixSource) Latest() (gps.Fix, bool) { return f.fix, f.ok }

// chanSource emits whatever the test sends it.
type chanSource struct {
	in chan Observation
}

func (s *chanSource) Run(ctx context.Context, emit func(Observation)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-s.in:
			emit(o)
		}
	}
}

func newTestAgent(t *testing.T, cfg Config, sink Sink, fixes gps.FixSource, health HealthReporter) *Agent {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "kismet-wifi-push-test"
	}
	a, err := NewAgent(cfg, Deps{
		Source: &chanSource{in: make(chan Observation)},
		Sink:   sink,
		Fixes:  fixes,
		Health: health,
		Log:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return a
}

func TestAgent_BackpressureAndRecovery(t *testing.T) {
	sink := &fakeSink{down: true}
	a := newTestAgent(t, Config{Capacity: 100, BatchSize: 10, RetryInitial: time.Second, RetryCeiling: 4 * time.Second}, sink, nil, nil)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 150; i++ {
		a.Enqueue(obs(i))
		assert.LessOrEqual(t, a.queue.Len(), 100)
		if i%25 == 0 {
			_ = a.flush(ctx, now)
			now = now.Add(5 * time.Second)
		}
	}
	snap := a.Snapshot()
	assert.Equal(t, 100, snap.Buffered)
	assert.Equal(t, uint64(50), snap.Dropped)

	sink.setDown(false)
	require.NoError(t, a.flush(ctx, now))

	recs := sink.records()
	require.Len(t, recs, 100)
	for i, r := range recs {
		assert.Equal(t, uint64(51+i), r.Seq, "records arrive oldest first")
	}
	assert.Equal(t, 0, a.queue.Len())
	assert.Equal(t, 0, a.Snapshot().Failures)
}

func TestAgent_BatchSizeAndPositionPerCycle(t *testing.T) {
	sink := &fakeSink{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fixes := fixSource{ok: true, fix: gps.Fix{Lat: 45, Lon: -122, Mode: 2, Link: gps.LinkConnected, ReceivedAt: now}}
	a := newTestAgent(t, Config{BatchSize: 4, Sensor: "wlan1"}, sink, fixes, nil)

	for i := 1; i <= 10; i++ {
		a.Enqueue(obs(i))
	}
	require.NoError(t, a.flush(context.Background(), now))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 3)
	assert.Len(t, sink.batches[0].Records, 4)
	assert.Len(t, sink.batches[2].Records, 2)
	for _, b := range sink.batches {
		require.NotNil(t, b.Position)
		assert.Equal(t, 45.0, b.Position.Lat)
		assert.Equal(t, "wlan1", b.Sensor)
		assert.NotEmpty(t, b.ID)
	}
	assert.NotEqual(t, sink.batches[0].ID, sink.batches[1].ID)
}

func TestAgent_StaleFixSendsPositionless(t *testing.T) {
	sink := &fakeSink{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fixes := fixSource{ok: true, fix: gps.Fix{Lat: 45, Lon: -122, Mode: 3, Link: gps.LinkReconnecting, Stale: true, ReceivedAt: now.Add(-time.Minute)}}
	a := newTestAgent(t, Config{}, sink, fixes, nil)

	a.Enqueue(obs(1))
	require.NoError(t, a.flush(context.Background(), now))
	require.Len(t, sink.batches, 1)
	assert.Nil(t, sink.batches[0].Position)
}

func TestAgent_DegradesAtCeilingAndRecovers(t *testing.T) {
	sink := &fakeSink{down: true}
	health := &fakeHealth{}
	a := newTestAgent(t, Config{RetryInitial: time.Second, RetryCeiling: 4 * time.Second, DegradeAfter: 2}, sink, nil, health)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.Enqueue(obs(1))

	// Delays 1s, 2s, 4s, 4s: the second attempt at the ceiling degrades.
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		require.True(t, a.due(now), "attempt %d", i+1)
		err := a.flush(ctx, now)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRemoteUnreachable))
		assert.Equal(t, now.Add(want), a.Snapshot().NextAttempt)
		assert.False(t, a.due(now.Add(want-time.Millisecond)), "no attempt before the backoff expires")
		now = now.Add(want)
	}
	assert.True(t, a.Degraded())
	degraded, n := health.last()
	assert.True(t, degraded)
	assert.Equal(t, 1, n)

	// Still buffering while degraded.
	a.Enqueue(obs(2))
	assert.Equal(t, 2, a.queue.Len())

	sink.setDown(false)
	require.NoError(t, a.flush(ctx, now))
	assert.False(t, a.Degraded())
	degraded, _ = health.last()
	assert.False(t, degraded)
	assert.Len(t, sink.records(), 2)
	assert.True(t, a.Snapshot().NextAttempt.IsZero())
}

func TestAgent_RunFinalFlushOnCancel(t *testing.T) {
	sink := &fakeSink{}
	src := &chanSource{in: make(chan Observation)}
	a, err := NewAgent(Config{Name: "a1", FlushInterval: time.Hour}, Deps{Source: src, Sink: sink, Log: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	for i := 1; i <= 5; i++ {
		src.in <- obs(i)
	}
	require.Eventually(t, func() bool { return a.queue.Len() == 5 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.Len(t, sink.records(), 5)
	sink.mu.Lock()
	assert.True(t, sink.closed)
	sink.mu.Unlock()
}

func TestAgent_RunSurvivesDeadRemote(t *testing.T) {
	sink := &fakeSink{down: true}
	src := &chanSource{in: make(chan Observation)}
	a, err := NewAgent(Config{
		Name:          "a1",
		FlushInterval: 5 * time.Millisecond,
		RetryInitial:  5 * time.Millisecond,
		RetryCeiling:  10 * time.Millisecond,
		DegradeAfter:  1,
		FlushTimeout:  50 * time.Millisecond,
	}, Deps{Source: src, Sink: sink, Log: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	src.in <- obs(1)

	require.Eventually(t, a.Degraded, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done, "send failures never end the agent")
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(time.Second, time.Minute, 1))
	assert.Equal(t, 8*time.Second, retryDelay(time.Second, time.Minute, 4))
	assert.Equal(t, time.Minute, retryDelay(time.Second, time.Minute, 7))
	assert.Equal(t, time.Minute, retryDelay(time.Second, time.Minute, 1000))
}

func TestNewAgent_Validation(t *testing.T) {
	_, err := NewAgent(Config{}, Deps{})
	assert.Error(t, err)
	_, err = NewAgent(Config{Name: "x"}, Deps{Sink: &fakeSink{}})
	assert.Error(t, err)
}
