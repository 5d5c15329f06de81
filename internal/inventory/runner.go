package inventory

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Output is what a listing tool printed before it exited or was killed.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner executes host tools. Implementations must return whatever output
// was captured even when err is non-nil.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Output, error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// rtl_test can leave its pipes open in a child; do not wait on them.
	cmd.WaitDelay = 500 * time.Millisecond

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
	}
	return out, err
}

// missingTool reports errors that mean the tool is not installed.
func missingTool(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
