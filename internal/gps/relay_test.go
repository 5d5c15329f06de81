package gps

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeUpstream hands out one io.Pipe per Open; tests write gpsd lines into
// the current pipe and close it to simulate a dropped link.
type pipeUpstream struct {
	mu     sync.Mutex
	fail   bool
	opens  int
	writer *io.PipeWriter
	opened chan struct{}
}

func newPipeUpstream() *pipeUpstream {
	return &pipeUpstream{opened: make(chan struct{}, 16)}
}

func (u *pipeUpstream) Name() string { return "pipe" }

func (u *pipeUpstream) Open(ctx context.Context) (io.ReadCloser, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opens++
	if u.fail {
		return nil, errors.New("connection refused")
	}
	pr, pw := io.Pipe()
	u.writer = pw
	u.opened <- struct{}{}
	return pr, nil
}

func (u *pipeUpstream) newDecoder(minMode int) decoder { return newGPSDDecoder(minMode) }

func (u *pipeUpstream) setFail(v bool) {
	u.mu.Lock()
	u.fail = v
	u.mu.Unlock()
}

func (u *pipeUpstream) write(t *testing.T, line string) {
	t.Helper()
	u.mu.Lock()
	w := u.writer
	u.mu.Unlock()
	_, err := w.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (u *pipeUpstream) drop() {
	u.mu.Lock()
	w := u.writer
	u.mu.Unlock()
	_ = w.CloseWithError(errors.New("unplugged"))
}

const tpv3D = `{"class":"TPV","mode":3,"lat":45.5,"lon":-122.9,"alt":100,"speed":2}`

func startRelay(t *testing.T, cfg RelayConfig, up Upstream) (*Relay, *Broadcaster) {
	t.Helper()
	b := NewBroadcaster()
	r, err := NewRelay(cfg, up, b, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, b
}

func recvFix(t *testing.T, ch <-chan Fix) Fix {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fix")
		return Fix{}
	}
}

func TestRelay_PublishesFreshFixes(t *testing.T) {
	up := newPipeUpstream()
	r, b := startRelay(t, RelayConfig{StaleAfter: time.Minute, ReadTimeout: time.Minute}, up)
	_, ch := b.Subscribe(4)

	<-up.opened
	up.write(t, tpv3D)

	fix := recvFix(t, ch)
	assert.Equal(t, LinkConnected, fix.Link)
	assert.False(t, fix.Stale)
	assert.Equal(t, 3, fix.Mode)
	assert.Equal(t, StateConnected, r.State())

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.InDelta(t, 45.5, latest.Lat, 1e-9)
}

func TestRelay_StaleWatchdogRepublishes(t *testing.T) {
	up := newPipeUpstream()
	_, b := startRelay(t, RelayConfig{StaleAfter: 50 * time.Millisecond, ReadTimeout: time.Minute}, up)
	_, ch := b.Subscribe(4)

	<-up.opened
	up.write(t, tpv3D)
	fresh := recvFix(t, ch)
	require.False(t, fresh.Stale)

	stale := recvFix(t, ch)
	assert.True(t, stale.Stale)
	assert.InDelta(t, fresh.Lat, stale.Lat, 1e-9)
	assert.Equal(t, fresh.ReceivedAt, stale.ReceivedAt)
}

func TestRelay_ReconnectsAndKeepsLastFix(t *testing.T) {
	up := newPipeUpstream()
	r, b := startRelay(t, RelayConfig{
		StaleAfter:     time.Minute,
		ReadTimeout:    time.Minute,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, up)
	_, ch := b.Subscribe(4)

	<-up.opened
	up.write(t, tpv3D)
	recvFix(t, ch)

	up.drop()
	select {
	case <-up.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not reconnect")
	}
	require.Eventually(t, func() bool { return r.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), r.Snapshot().Reconnects)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.InDelta(t, 45.5, latest.Lat, 1e-9)
}

func TestRelay_GapGoesStaleThenResumesOnSameSubscription(t *testing.T) {
	up := newPipeUpstream()
	r, b := startRelay(t, RelayConfig{
		StaleAfter:     40 * time.Millisecond,
		LostAfter:      time.Minute,
		ReadTimeout:    time.Minute,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}, up)
	_, ch := b.Subscribe(16)

	<-up.opened
	up.write(t, tpv3D)
	fresh := recvFix(t, ch)
	require.False(t, fresh.Stale)

	up.setFail(true)
	up.drop()

	stale := recvFix(t, ch)
	assert.True(t, stale.Stale)
	assert.Equal(t, fresh.ReceivedAt, stale.ReceivedAt)

	// Nothing fresh reaches the subscriber while the receiver is gone.
	gap := time.After(150 * time.Millisecond)
	for quiet := false; !quiet; {
		select {
		case f := <-ch:
			assert.True(t, f.Stale, "fresh fix published during the gap")
		case <-gap:
			quiet = true
		}
	}

	up.setFail(false)
	select {
	case <-up.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not reconnect")
	}
	require.Eventually(t, func() bool { return r.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	up.write(t, tpv3D)

	resumed := recvFix(t, ch)
	assert.False(t, resumed.Stale)
	assert.Equal(t, LinkConnected, resumed.Link)
	assert.True(t, resumed.ReceivedAt.After(fresh.ReceivedAt))
	assert.Equal(t, uint64(1), r.Snapshot().Reconnects)
}

func TestRelay_LinkLostAfterLostAfter(t *testing.T) {
	up := newPipeUpstream()
	r, b := startRelay(t, RelayConfig{
		StaleAfter:     20 * time.Millisecond,
		LostAfter:      60 * time.Millisecond,
		ReadTimeout:    time.Minute,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}, up)
	_, ch := b.Subscribe(8)

	<-up.opened
	up.write(t, tpv3D)
	recvFix(t, ch)

	up.setFail(true)
	up.drop()

	require.Eventually(t, func() bool { return r.State() == StateReconnecting || r.State() == StateDisconnected }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		s := r.State()
		return s == StateDisconnected || s == StateConnecting
	}, 2*time.Second, 5*time.Millisecond)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, LinkLost, latest.Link)
	assert.True(t, latest.Stale)
	assert.NotEmpty(t, r.Snapshot().LastError)
}

func TestRelay_IdleUpstreamIsDropped(t *testing.T) {
	up := newPipeUpstream()
	r, _ := startRelay(t, RelayConfig{
		StaleAfter:     time.Minute,
		ReadTimeout:    30 * time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
	}, up)

	<-up.opened
	select {
	case <-up.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("idle upstream was not dropped")
	}
	assert.GreaterOrEqual(t, r.Snapshot().Reconnects, uint64(1))
}

func TestRelay_RunTwiceFails(t *testing.T) {
	up := newPipeUpstream()
	r, _ := startRelay(t, RelayConfig{}, up)
	<-up.opened
	assert.Error(t, r.Run(context.Background()))
}

func TestState_Link(t *testing.T) {
	assert.Equal(t, LinkConnected, StateConnected.Link())
	assert.Equal(t, LinkReconnecting, StateReconnecting.Link())
	assert.Equal(t, LinkLost, StateDisconnected.Link())
	assert.Equal(t, LinkLost, StateConnecting.Link())
}

func TestFix_Usable(t *testing.T) {
	now := time.Now()
	fix := Fix{Mode: 2, Link: LinkConnected, ReceivedAt: now.Add(-time.Second)}
	assert.True(t, fix.Usable(now, 2*time.Second))
	assert.False(t, fix.Usable(now, 500*time.Millisecond))

	stale := fix
	stale.Stale = true
	assert.False(t, stale.Usable(now, 0))

	recon := fix
	recon.Link = LinkReconnecting
	assert.False(t, recon.Usable(now, 0))

	noFix := fix
	noFix.Mode = 1
	assert.False(t, noFix.Usable(now, 0))
}
