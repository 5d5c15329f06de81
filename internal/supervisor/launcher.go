package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/proc"
	"github.com/SuicidePanda1738/kismet-webui/internal/tail"
)

// ExitFunc is called once a launched process has been reaped.
type ExitFunc func(name string, id proc.Identity, code int)

type Launcher interface {
	Launch(ctx context.Context, agent config.Agent, onExit ExitFunc) (proc.Identity, error)
}

// Artifacts are the per-agent files left on disk by a launcher.
type Artifacts interface {
	// Names lists agents that have any artifact.
	Names() ([]string, error)
	// Remove deletes the launch script and pid file of name.
	Remove(name string) ([]string, error)
	ClearPID(name string) error
}

// ExecLauncher starts agents as detached OS processes through a generated
// launch script in StateDir. Agents run in their own session so they
// outlive a supervisor restart.
type ExecLauncher struct {
	StateDir    string
	AgentBinary string
	ConfigPath  string
	Table       proc.Table
	Log         zerolog.Logger
}

func (l *ExecLauncher) scriptPath(name string) string { return filepath.Join(l.StateDir, name+".sh") }
func (l *ExecLauncher) pidPath(name string) string    { return filepath.Join(l.StateDir, name+".pid") }
func (l *ExecLauncher) logPath(name string) string    { return filepath.Join(l.StateDir, name+".log") }

func (l *ExecLauncher) Launch(ctx context.Context, agent config.Agent, onExit ExitFunc) (proc.Identity, error) {
	if err := ctx.Err(); err != nil {
		return proc.Identity{}, err
	}
	if err := os.MkdirAll(l.StateDir, 0o755); err != nil {
		return proc.Identity{}, fmt.Errorf("state dir: %w", err)
	}

	script := l.scriptPath(agent.Name)
	if err := os.WriteFile(script, []byte(l.renderScript(agent.Name)), 0o755); err != nil {
		return proc.Identity{}, fmt.Errorf("write launch script: %w", err)
	}

	// Not CommandContext: the agent must not die with the request context.
	cmd := exec.Command("/bin/sh", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return proc.Identity{}, fmt.Errorf("start %s: %w", agent.Name, err)
	}

	pid := cmd.Process.Pid
	id := proc.Identity{PID: pid}
	if l.Table != nil {
		if got, err := l.Table.Identify(pid); err == nil {
			id = got
		} else {
			l.Log.Warn().Err(err).Str("agent", agent.Name).Msg("process start time unavailable")
		}
	}

	if err := os.WriteFile(l.pidPath(agent.Name), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		l.Log.Warn().Err(err).Str("agent", agent.Name).Msg("write pid file")
	}

	go func() {
		code := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		if onExit != nil {
			onExit(agent.Name, id, code)
		}
	}()
	return id, nil
}

func (l *ExecLauncher) renderScript(name string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# push agent %s, generated by pushd; rewritten on every start\n", name)
	fmt.Fprintf(&b, "exec %s --config %s --name %s >>%s 2>&1\n",
		shellQuote(l.AgentBinary), shellQuote(l.ConfigPath), shellQuote(name), shellQuote(l.logPath(name)))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (l *ExecLauncher) Names() ([]string, error) {
	entries, err := os.ReadDir(l.StateDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		for _, ext := range []string{".sh", ".pid"} {
			if strings.HasSuffix(n, ext) {
				seen[strings.TrimSuffix(n, ext)] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (l *ExecLauncher) Remove(name string) ([]string, error) {
	var removed []string
	for _, p := range []string{l.scriptPath(name), l.pidPath(name)} {
		err := os.Remove(p)
		if err == nil {
			removed = append(removed, p)
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
	}
	return removed, nil
}

func (l *ExecLauncher) ClearPID(name string) error {
	err := os.Remove(l.pidPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// TailLog returns up to n trailing lines of the agent's output log.
func (l *ExecLauncher) TailLog(name string, n int) ([]string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	f, err := os.Open(l.logPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if n <= 0 {
		n = 200
	}
	t := tail.New(n, 0)
	if err := t.Scan(f); err != nil {
		return nil, err
	}
	return t.Lines(), nil
}
