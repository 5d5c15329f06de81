// Package supervisor keeps the set of running push agents equal to the set
// of enabled agent descriptors.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/proc"
	"github.com/SuicidePanda1738/kismet-webui/internal/registry"
)

// Descriptors yields the desired agent set. It is consulted on every
// reconcile.
type Descriptors interface {
	Descriptors(ctx context.Context) ([]config.Agent, error)
}

type DescriptorList []config.Agent

func (d DescriptorList) Descriptors(context.Context) ([]config.Agent, error) {
	return []config.Agent(d), nil
}

type Config struct {
	StopGrace         time.Duration
	KillWait          time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	// StartSpacing pauses between launches within one reconcile.
	StartSpacing time.Duration
	Restart      config.RestartConfig
}

type Deps struct {
	Store       registry.Store
	Table       proc.Table
	Signaler    proc.Signaler
	Launcher    Launcher
	Artifacts   Artifacts
	Descriptors Descriptors
	Log         zerolog.Logger
	Now         func() time.Time
}

type Supervisor struct {
	cfg   Config
	store registry.Store
	table proc.Table
	sig   proc.Signaler
	launc Launcher
	arts  Artifacts
	descs Descriptors
	log   zerolog.Logger
	now   func() time.Time

	locks *registry.Locks
	// stopping maps agent name to the pid a stop was requested for. An exit
	// of that pid is an orderly stop, not a crash.
	stopping cmap.ConcurrentMap[string, int]
	kick     chan struct{}
}

// Report summarizes one reconcile pass.
type Report struct {
	Started []string          `json:"started,omitempty"`
	Stopped []string          `json:"stopped,omitempty"`
	Crashed []string          `json:"crashed,omitempty"`
	Skipped map[string]string `json:"skipped,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func (r *Report) skip(name, reason string) {
	if r.Skipped == nil {
		r.Skipped = map[string]string{}
	}
	r.Skipped[name] = reason
}

func (r *Report) fail(name string, err error) {
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[name] = err.Error()
}

type CleanupReport struct {
	Pruned           []string `json:"pruned,omitempty"`
	RemovedArtifacts []string `json:"removed_artifacts,omitempty"`
}

type AgentStatus struct {
	Name        string          `json:"name"`
	Configured  bool            `json:"configured"`
	Enabled     bool            `json:"enabled"`
	State       registry.Status `json:"state"`
	PID         int             `json:"pid,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	Degraded    bool            `json:"degraded"`
	Restarts    int             `json:"restarts"`
	LastError   string          `json:"last_error,omitempty"`
	ConfigError string          `json:"config_error,omitempty"`
}

func New(cfg Config, d Deps) (*Supervisor, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("supervisor store is required")
	}
	if d.Launcher == nil {
		return nil, fmt.Errorf("supervisor launcher is required")
	}
	if d.Descriptors == nil {
		return nil, fmt.Errorf("supervisor descriptors are required")
	}
	if d.Table == nil {
		d.Table = proc.OSTable{}
	}
	if d.Signaler == nil {
		d.Signaler = proc.OSSignaler{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.Restart.BackoffInitial <= 0 {
		cfg.Restart.BackoffInitial = time.Second
	}
	if cfg.Restart.BackoffMax < cfg.Restart.BackoffInitial {
		cfg.Restart.BackoffMax = cfg.Restart.BackoffInitial
	}
	return &Supervisor{
		cfg:      cfg,
		store:    d.Store,
		table:    d.Table,
		sig:      d.Signaler,
		launc:    d.Launcher,
		arts:     d.Artifacts,
		descs:    d.Descriptors,
		log:      d.Log,
		now:      d.Now,
		locks:    registry.NewLocks(),
		stopping: cmap.New[int](),
		kick:     make(chan struct{}, 1),
	}, nil
}

// Run reconciles immediately, then on every interval and whenever an agent
// exit asks for it, until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.ReconcileInterval)
	defer t.Stop()
	for {
		rep, err := s.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("reconcile failed")
		} else if len(rep.Started)+len(rep.Stopped)+len(rep.Crashed)+len(rep.Errors) > 0 {
			s.log.Info().
				Strs("started", rep.Started).
				Strs("stopped", rep.Stopped).
				Strs("crashed", rep.Crashed).
				Interface("errors", rep.Errors).
				Msg("reconcile")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.kick:
		}
	}
}

// Kick asks Run for a reconcile as soon as possible.
func (s *Supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) alive(rec registry.Record) bool {
	if rec.PID <= 0 {
		return false
	}
	return s.table.Alive(proc.Identity{PID: rec.PID, StartTime: rec.ProcessStart})
}

// Reconcile makes the live agent set match the enabled descriptors. It is
// idempotent: a second pass with nothing changed does nothing.
func (s *Supervisor) Reconcile(ctx context.Context) (Report, error) {
	var rep Report

	descs, err := s.descs.Descriptors(ctx)
	if err != nil {
		return rep, fmt.Errorf("load agent descriptors: %w", err)
	}

	wanted := map[string]config.Agent{}
	invalid := map[string]bool{}
	var order []string
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			s.log.Warn().Err(err).Str("agent", d.Name).Msg("invalid agent descriptor")
			rep.skip(d.Name, err.Error())
			if d.Name != "" {
				invalid[d.Name] = true
			}
			continue
		}
		if _, dup := wanted[d.Name]; dup {
			rep.skip(d.Name, "duplicate agent name")
			continue
		}
		wanted[d.Name] = d
		order = append(order, d.Name)
	}

	recs, err := s.store.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list liveness records: %w", err)
	}
	seen := map[string]bool{}
	names := make([]string, 0, len(recs)+len(order))
	for _, r := range recs {
		seen[r.Name] = true
		names = append(names, r.Name)
	}
	for _, n := range order {
		if !seen[n] {
			names = append(names, n)
		}
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		desc, ok := wanted[name]
		launched := s.reconcileOne(ctx, name, desc, ok, invalid[name], &rep)
		if launched && s.cfg.StartSpacing > 0 {
			if err := sleepCtx(ctx, s.cfg.StartSpacing); err != nil {
				return rep, err
			}
		}
	}

	s.updateRunningGauge(ctx)
	return rep, nil
}

func (s *Supervisor) reconcileOne(ctx context.Context, name string, desc config.Agent, configured, invalid bool, rep *Report) bool {
	unlock := s.locks.Lock(name)
	defer unlock()

	now := s.now().UTC()
	want := configured && desc.IsEnabled()

	rec, err := s.store.Get(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		if !want {
			return false
		}
		return s.launchLocked(ctx, desc, 0, rep)
	}
	if err != nil {
		rep.fail(name, err)
		return false
	}

	alive := s.alive(rec)
	if rec.Status.Live() && !alive {
		if pid, ok := s.stopping.Get(name); ok && pid == rec.PID {
			s.finishStopLocked(ctx, name)
			return false
		}
		s.log.Warn().Str("agent", name).Int("pid", rec.PID).Msg("agent process is gone")
		markCrashed(&rec, s.cfg.Restart, now, ErrProcessCrashed.Error()+": process is no longer alive")
		if err := s.store.Put(ctx, rec); err != nil {
			rep.fail(name, err)
			return false
		}
		agentCrashes.WithLabelValues(name).Inc()
		rep.Crashed = append(rep.Crashed, name)
	}

	if alive {
		if invalid {
			return false
		}
		if !want {
			if err := s.stopLocked(ctx, rec); err != nil {
				rep.fail(name, err)
				return false
			}
			rep.Stopped = append(rep.Stopped, name)
			return false
		}
		if rec.Restarts > 0 && !rec.StartedAt.IsZero() && now.Sub(rec.StartedAt) >= s.cfg.Restart.StableAfter {
			rec.Restarts = 0
			rec.NextRestartAt = time.Time{}
			rec.UpdatedAt = now
			if err := s.store.Put(ctx, rec); err != nil {
				rep.fail(name, err)
			}
		}
		return false
	}

	if !want {
		return false
	}
	if rec.Status == registry.StatusCrashed || rec.Status == registry.StatusStopped {
		if gaveUp(rec, s.cfg.Restart) {
			rep.skip(name, "restart limit reached; start it manually")
			return false
		}
		if now.Before(rec.NextRestartAt) {
			rep.skip(name, "restart backoff until "+rec.NextRestartAt.Format(time.RFC3339))
			return false
		}
	}
	return s.launchLocked(ctx, desc, rec.Restarts, rep)
}

func (s *Supervisor) launchLocked(ctx context.Context, desc config.Agent, restarts int, rep *Report) bool {
	name := desc.Name
	now := s.now().UTC()

	id, err := s.launc.Launch(ctx, desc, s.handleExit)
	if err != nil {
		rec := registry.Record{Name: name, Status: registry.StatusCrashed, Restarts: restarts}
		markCrashed(&rec, s.cfg.Restart, now, "launch: "+err.Error())
		if perr := s.store.Put(ctx, rec); perr != nil {
			s.log.Error().Err(perr).Str("agent", name).Msg("record failed launch")
		}
		rep.fail(name, err)
		return true
	}

	rec := registry.Record{
		Name:         name,
		PID:          id.PID,
		ProcessStart: id.StartTime,
		StartedAt:    now,
		Status:       registry.StatusStarting,
		Restarts:     restarts,
		UpdatedAt:    now,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		// An unrecorded process would break the one-process-per-name rule.
		_ = s.sig.Kill(id.PID)
		rep.fail(name, fmt.Errorf("record launch: %w", err))
		return true
	}
	agentStarts.WithLabelValues(name).Inc()
	s.log.Info().Str("agent", name).Int("pid", id.PID).Int("restarts", restarts).Msg("agent started")
	rep.Started = append(rep.Started, name)
	return true
}

// Start launches one agent on operator request. It resets the restart
// budget.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	descs, err := s.descs.Descriptors(ctx)
	if err != nil {
		return fmt.Errorf("load agent descriptors: %w", err)
	}
	desc, ok := config.Find(descs, name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if !desc.IsEnabled() {
		return fmt.Errorf("%w: %s", ErrDisabled, name)
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	rec, err := s.store.Get(ctx, name)
	switch {
	case err == nil:
		if s.alive(rec) {
			return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, name, rec.PID)
		}
	case !errors.Is(err, registry.ErrNotFound):
		return err
	}

	var rep Report
	s.launchLocked(ctx, desc, 0, &rep)
	if msg, failed := rep.Errors[name]; failed {
		return fmt.Errorf("start %s: %s", name, msg)
	}
	return nil
}

// Stop terminates an agent and removes its record once the process is
// confirmed gone.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	rec, err := s.store.Get(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	if err != nil {
		return err
	}
	if !s.alive(rec) {
		s.finishStopLocked(ctx, name)
		return nil
	}
	return s.stopLocked(ctx, rec)
}

func (s *Supervisor) stopLocked(ctx context.Context, rec registry.Record) error {
	name := rec.Name
	id := proc.Identity{PID: rec.PID, StartTime: rec.ProcessStart}
	s.stopping.Set(name, rec.PID)

	if err := s.sig.Terminate(id.PID); err != nil {
		return err
	}
	// Once SIGTERM is out the sequence runs to completion: the agent is
	// owed its grace period even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if !s.waitGone(ctx, id, s.cfg.StopGrace) {
		s.log.Warn().Str("agent", name).Int("pid", id.PID).Dur("grace", s.cfg.StopGrace).Msg("agent ignored SIGTERM, killing")
		if err := s.sig.Kill(id.PID); err != nil {
			return err
		}
		if !s.waitGone(ctx, id, s.cfg.KillWait) {
			return fmt.Errorf("%w: %s (pid %d)", ErrStopTimeout, name, id.PID)
		}
	}
	s.finishStopLocked(ctx, name)
	agentStops.WithLabelValues(name).Inc()
	s.log.Info().Str("agent", name).Int("pid", id.PID).Msg("agent stopped")
	return nil
}

func (s *Supervisor) finishStopLocked(ctx context.Context, name string) {
	s.stopping.Remove(name)
	if err := s.store.Delete(ctx, name); err != nil {
		s.log.Error().Err(err).Str("agent", name).Msg("delete liveness record")
	}
	if s.arts != nil {
		if err := s.arts.ClearPID(name); err != nil {
			s.log.Warn().Err(err).Str("agent", name).Msg("remove pid file")
		}
	}
}

func (s *Supervisor) waitGone(ctx context.Context, id proc.Identity, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		if !s.table.Alive(id) {
			return true
		}
		select {
		case <-ctx.Done():
			return !s.table.Alive(id)
		case <-deadline.C:
			return !s.table.Alive(id)
		case <-tick.C:
		}
	}
}

// handleExit records the exit of a process this supervisor launched.
func (s *Supervisor) handleExit(name string, id proc.Identity, code int) {
	unlock := s.locks.Lock(name)
	defer unlock()

	ctx := context.Background()
	rec, err := s.store.Get(ctx, name)
	if err != nil || rec.PID != id.PID || !rec.Status.Live() {
		return
	}
	if pid, ok := s.stopping.Get(name); ok && pid == id.PID {
		s.finishStopLocked(ctx, name)
		return
	}

	now := s.now().UTC()
	if code == 0 {
		markExited(&rec, s.cfg.Restart, now)
		s.log.Info().Str("agent", name).Int("pid", id.PID).Int("restarts", rec.Restarts).Msg("agent exited")
	} else {
		markCrashed(&rec, s.cfg.Restart, now, fmt.Sprintf("%s: exit code %d", ErrProcessCrashed, code))
		agentCrashes.WithLabelValues(name).Inc()
		s.log.Warn().Str("agent", name).Int("pid", id.PID).Int("code", code).Int("restarts", rec.Restarts).Msg("agent crashed")
	}
	if err := s.store.Put(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("agent", name).Msg("record agent exit")
	}
	s.Kick()
}

// Cleanup prunes records whose process is not alive and deletes leftover
// artifacts that no record accounts for. Alive processes are never touched.
func (s *Supervisor) Cleanup(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport

	recs, err := s.store.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list liveness records: %w", err)
	}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		pruned, err := s.pruneOne(ctx, r.Name)
		if err != nil {
			return rep, err
		}
		if pruned {
			rep.Pruned = append(rep.Pruned, r.Name)
		}
	}

	if s.arts == nil {
		return rep, nil
	}
	names, err := s.arts.Names()
	if err != nil {
		return rep, fmt.Errorf("list artifacts: %w", err)
	}
	for _, name := range names {
		removed, err := s.removeArtifacts(ctx, name)
		if err != nil {
			return rep, err
		}
		rep.RemovedArtifacts = append(rep.RemovedArtifacts, removed...)
	}
	if len(rep.Pruned)+len(rep.RemovedArtifacts) > 0 {
		s.log.Info().Strs("pruned", rep.Pruned).Strs("removed", rep.RemovedArtifacts).Msg("cleanup")
	}
	return rep, nil
}

func (s *Supervisor) pruneOne(ctx context.Context, name string) (bool, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	rec, err := s.store.Get(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.alive(rec) {
		return false, nil
	}
	if err := s.store.Delete(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Supervisor) removeArtifacts(ctx context.Context, name string) ([]string, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	_, err := s.store.Get(ctx, name)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	return s.arts.Remove(name)
}

// Status reports every known agent. A record that claims a live process
// which no longer exists is reported as stopped.
func (s *Supervisor) Status(ctx context.Context) ([]AgentStatus, error) {
	descs, derr := s.descs.Descriptors(ctx)
	if derr != nil {
		s.log.Warn().Err(derr).Msg("status without descriptors")
	}
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list liveness records: %w", err)
	}

	byName := map[string]*AgentStatus{}
	get := func(name string) *AgentStatus {
		st, ok := byName[name]
		if !ok {
			st = &AgentStatus{Name: name, State: registry.StatusStopped}
			byName[name] = st
		}
		return st
	}
	for _, d := range descs {
		st := get(d.Name)
		st.Configured = true
		st.Enabled = d.IsEnabled()
		if err := d.Validate(); err != nil {
			st.ConfigError = err.Error()
		}
	}
	for _, r := range recs {
		st := get(r.Name)
		st.State = r.Status
		st.Restarts = r.Restarts
		st.LastError = r.LastError
		if r.Status.Live() {
			if !s.alive(r) {
				st.State = registry.StatusStopped
				continue
			}
			st.PID = r.PID
			st.StartedAt = r.StartedAt
			st.Degraded = r.Degraded
		}
	}

	out := make([]AgentStatus, 0, len(byName))
	for _, st := range byName {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Supervisor) updateRunningGauge(ctx context.Context) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return
	}
	n := 0
	for _, r := range recs {
		if r.Status.Live() && s.alive(r) {
			n++
		}
	}
	agentsRunning.Set(float64(n))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
