package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tevino/abool"
)

// State is the relay's upstream connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Link maps the connection state to what fix consumers see.
func (s State) Link() LinkStatus {
	switch s {
	case StateConnected:
		return LinkConnected
	case StateReconnecting:
		return LinkReconnecting
	default:
		return LinkLost
	}
}

type RelayConfig struct {
	MinMode int

	// StaleAfter without a fresh fix republishes the last one marked stale.
	StaleAfter time.Duration
	// LostAfter in Reconnecting gives up on the link and reports it lost.
	LostAfter time.Duration
	// ReadTimeout without any upstream line drops the connection.
	ReadTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxLineBytes   int
}

// Relay owns one upstream receiver and publishes fixes to a Broadcaster.
type Relay struct {
	cfg      RelayConfig
	upstream Upstream
	out      *Broadcaster
	log      zerolog.Logger
	now      func() time.Time

	running *abool.AtomicBool

	mu         sync.Mutex
	state      State
	lostSince  time.Time
	lastErr    string
	reconnects uint64
	last       Fix
	haveFix    bool
	staleTimer *time.Timer
}

type RelaySnapshot struct {
	Upstream    string     `json:"upstream"`
	State       string     `json:"state"`
	Link        LinkStatus `json:"link"`
	LastError   string     `json:"last_error,omitempty"`
	Reconnects  uint64     `json:"reconnects"`
	Fix         *Fix       `json:"fix,omitempty"`
	Subscribers int        `json:"subscribers"`
}

func NewRelay(cfg RelayConfig, upstream Upstream, out *Broadcaster, log zerolog.Logger) (*Relay, error) {
	if upstream == nil {
		return nil, fmt.Errorf("gps relay upstream is nil")
	}
	if out == nil {
		return nil, fmt.Errorf("gps relay broadcaster is nil")
	}
	if cfg.MinMode < 2 {
		cfg.MinMode = 2
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Second
	}
	if cfg.LostAfter <= 0 {
		cfg.LostAfter = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	return &Relay{
		cfg:      cfg,
		upstream: upstream,
		out:      out,
		log:      log,
		now:      time.Now,
		running:  abool.New(),
		state:    StateDisconnected,
	}, nil
}

// Run drives the connection state machine until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.SetToIf(false, true) {
		return fmt.Errorf("gps relay already running")
	}
	defer r.running.UnSet()
	defer r.stopStaleTimer()

	r.setState(StateConnecting)
	backoff := r.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return nil
		}

		rc, err := r.upstream.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.setState(StateDisconnected)
				return nil
			}
			r.setError(err)
			r.checkLost()
			if !sleepCtx(ctx, backoff) {
				r.setState(StateDisconnected)
				return nil
			}
			backoff = nextBackoff(backoff, r.cfg.BackoffMax)
			if r.State() == StateDisconnected {
				r.setState(StateConnecting)
			}
			continue
		}

		r.log.Info().Str("upstream", r.upstream.Name()).Msg("gps upstream connected")
		r.setState(StateConnected)
		backoff = r.cfg.BackoffInitial

		err = r.consume(ctx, rc, r.upstream.newDecoder(r.cfg.MinMode))
		_ = rc.Close()
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return nil
		}

		r.setError(err)
		r.log.Warn().Err(err).Str("upstream", r.upstream.Name()).Msg("gps upstream dropped, reconnecting")
		r.mu.Lock()
		r.lostSince = r.now()
		r.reconnects++
		r.mu.Unlock()
		gpsReconnects.Inc()
		r.setState(StateReconnecting)
	}
}

// checkLost moves Reconnecting to Disconnected once LostAfter has passed.
func (r *Relay) checkLost() {
	r.mu.Lock()
	lost := r.state == StateReconnecting && r.now().Sub(r.lostSince) >= r.cfg.LostAfter
	r.mu.Unlock()
	if lost {
		r.log.Error().Str("upstream", r.upstream.Name()).Dur("after", r.cfg.LostAfter).Msg("gps link lost")
		r.setState(StateDisconnected)
	}
}

func (r *Relay) consume(ctx context.Context, rc io.Reader, dec decoder) error {
	lines := make(chan string, 16)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 4096), r.cfg.MaxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		errc <- err
	}()

	idle := time.NewTimer(r.cfg.ReadTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case <-idle.C:
			return fmt.Errorf("%w: no data for %s", ErrLinkLost, r.cfg.ReadTimeout)
		case line := <-lines:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.ReadTimeout)

			fix, ok, err := dec.apply(r.now().UTC(), line)
			if err != nil {
				r.log.Debug().Err(err).Msg("gps line rejected")
				continue
			}
			if ok {
				r.publishFresh(fix)
			}
		}
	}
}

func (r *Relay) publishFresh(fix Fix) {
	fix.Link = LinkConnected
	fix.Stale = false

	r.mu.Lock()
	r.last = fix
	r.haveFix = true
	if r.staleTimer == nil {
		r.staleTimer = time.AfterFunc(r.cfg.StaleAfter, r.markStale)
	} else {
		r.staleTimer.Reset(r.cfg.StaleAfter)
	}
	r.mu.Unlock()

	gpsFixes.Inc()
	r.out.Publish(fix)
}

// markStale republishes the last fix flagged stale when no fresh one has
// arrived in StaleAfter.
func (r *Relay) markStale() {
	r.mu.Lock()
	if !r.haveFix || r.last.Stale {
		r.mu.Unlock()
		return
	}
	r.last.Stale = true
	r.last.Link = r.state.Link()
	fix := r.last
	r.mu.Unlock()

	gpsStale.Inc()
	r.out.Publish(fix)
}

func (r *Relay) stopStaleTimer() {
	r.mu.Lock()
	if r.staleTimer != nil {
		r.staleTimer.Stop()
		r.staleTimer = nil
	}
	r.mu.Unlock()
}

// Latest returns the last fix with its link status and staleness as of now.
func (r *Relay) Latest() (Fix, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.haveFix {
		return Fix{}, false
	}
	fix := r.last
	fix.Link = r.state.Link()
	if fix.Age(r.now()) > r.cfg.StaleAfter {
		fix.Stale = true
	}
	return fix, true
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) Snapshot() RelaySnapshot {
	r.mu.Lock()
	snap := RelaySnapshot{
		Upstream:   r.upstream.Name(),
		State:      r.state.String(),
		Link:       r.state.Link(),
		LastError:  r.lastErr,
		Reconnects: r.reconnects,
	}
	r.mu.Unlock()
	if fix, ok := r.Latest(); ok {
		snap.Fix = &fix
	}
	snap.Subscribers = r.out.Subscribers()
	return snap
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	if s == StateConnected {
		r.lastErr = ""
	}
	r.mu.Unlock()
	gpsLinkState.Set(float64(s))
	if prev != s {
		r.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("gps relay state")
	}
}

func (r *Relay) setError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
