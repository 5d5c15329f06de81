package push

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/SuicidePanda1738/kismet-webui/internal/tail"
)

// Source produces observations until ctx is cancelled. emit must not block
// for long.
type Source interface {
	Run(ctx context.Context, emit func(Observation)) error
}

type CaptureConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	// Sources filters observations: "wifi", "bluetooth" or "both".
	Sources string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MinRestartSpacing caps how often the command may be started at all.
	MinRestartSpacing time.Duration

	StderrTailLines int
	MaxLineBytes    int
}

// CommandCapture runs the capture command, reads NDJSON observations from
// its stdout and restarts it with backoff whenever it exits.
type CommandCapture struct {
	cfg    CaptureConfig
	log    zerolog.Logger
	stderr *tail.Buffer
	now    func() time.Time

	mu       sync.RWMutex
	pid      int
	state    string
	lastErr  string
	restarts int
	lines    uint64
	rejected uint64
	filtered uint64
}

type CaptureSnapshot struct {
	Command  string   `json:"command"`
	PID      int      `json:"pid,omitempty"`
	State    string   `json:"state"`
	LastErr  string   `json:"last_error,omitempty"`
	Restarts int      `json:"restarts"`
	Lines    uint64   `json:"lines"`
	Rejected uint64   `json:"rejected"`
	Filtered uint64   `json:"filtered"`
	Stderr   []string `json:"stderr_tail,omitempty"`
}

func NewCommandCapture(cfg CaptureConfig, log zerolog.Logger) (*CommandCapture, error) {
	cfg.Command = strings.TrimSpace(cfg.Command)
	if cfg.Command == "" {
		return nil, fmt.Errorf("capture command is required")
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.MinRestartSpacing <= 0 {
		cfg.MinRestartSpacing = 100 * time.Millisecond
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = 50
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 256 * 1024
	}
	return &CommandCapture{
		cfg:    cfg,
		log:    log,
		stderr: tail.New(cfg.StderrTailLines, 4*1024),
		now:    time.Now,
		state:  "stopped",
	}, nil
}

func (c *CommandCapture) Run(ctx context.Context, emit func(Observation)) error {
	limiter := ratelimit.New(1, ratelimit.Per(c.cfg.MinRestartSpacing))
	backoff := c.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return nil
		}
		limiter.Take()

		started := c.now()
		err := c.runOnce(ctx, emit)
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return nil
		}

		msg := "exited"
		if err != nil {
			msg = err.Error()
		}
		c.setState("exited", msg)
		c.log.Warn().Str("command", c.cfg.Command).Str("exit", msg).Dur("restart_in", backoff).Msg("capture command exited")

		// A run that lasted longer than the ceiling counts as healthy.
		if c.now().Sub(started) > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffInitial
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState("stopped", "")
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
		c.mu.Lock()
		c.restarts++
		c.mu.Unlock()
		c.setState("restarting", "")
	}
}

func (c *CommandCapture) runOnce(ctx context.Context, emit func(Observation)) error {
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), envMapToList(c.cfg.Env)...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	c.mu.Lock()
	c.pid = cmd.Process.Pid
	c.state = "running"
	c.lastErr = ""
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readObservations(stdout, emit)
	}()
	go func() {
		defer wg.Done()
		readLinesToTail(stderr, c.stderr)
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	c.mu.Lock()
	c.pid = 0
	c.mu.Unlock()

	if waitErr == nil || errors.Is(waitErr, context.Canceled) {
		return nil
	}
	return waitErr
}

func (c *CommandCapture) readObservations(r io.Reader, emit func(Observation)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), c.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		obs, err := parseObservation(line, c.now())
		c.mu.Lock()
		c.lines++
		switch {
		case err != nil:
			c.rejected++
		case !sourceAllowed(c.cfg.Sources, obs.Source):
			c.filtered++
		}
		c.mu.Unlock()
		if err != nil {
			c.log.Debug().Err(err).Msg("capture line rejected")
			continue
		}
		if !sourceAllowed(c.cfg.Sources, obs.Source) {
			continue
		}
		emit(obs)
	}
	if err := scanner.Err(); err != nil {
		c.stderr.Add("[stdout error] " + err.Error())
		// Keep draining so the command never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (c *CommandCapture) Snapshot() CaptureSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CaptureSnapshot{
		Command:  c.cfg.Command,
		PID:      c.pid,
		State:    c.state,
		LastErr:  c.lastErr,
		Restarts: c.restarts,
		Lines:    c.lines,
		Rejected: c.rejected,
		Filtered: c.filtered,
		Stderr:   c.stderr.Lines(),
	}
}

func (c *CommandCapture) setState(state, lastErr string) {
	c.mu.Lock()
	c.state = state
	if strings.TrimSpace(lastErr) != "" {
		c.lastErr = lastErr
	}
	c.mu.Unlock()
}

func envMapToList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

func readLinesToTail(r io.Reader, t *tail.Buffer) {
	if err := t.Scan(r); err != nil {
		t.Add("[tail error] " + err.Error())
	}
}
