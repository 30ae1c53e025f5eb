// Package agent invokes the external coding agent that executes one
// developer story inside its worktree.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExecError reports an agent invocation that ran but did not succeed, or an
// agent binary that could not be started.
type ExecError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent: %v", e.Err)
	}
	msg := fmt.Sprintf("agent exited %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// Result captures one completed invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs one external process and reports its outcome. Non-zero exits
// come back through the exit code, spawn failures through the error.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// Client drives the agent binary.
type Client struct {
	Bin             string
	Timeout         time.Duration
	SkipPermissions bool
	Run             Runner
}

// Execute runs the agent with the story instructions in workdir. It blocks
// up to the configured timeout. Expiry of the caller's ctx, by cancel or by
// its own deadline, is returned as the context error so callers can tell it
// apart from tool failure; the client's timeout or a non-zero exit is an
// ExecError.
func (c *Client) Execute(ctx context.Context, instructions, workdir string) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", instructions}
	if c.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	start := time.Now()
	stdout, stderr, code, err := c.Run.Run(runCtx, workdir, c.Bin, args...)
	res := Result{ExitCode: code, Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}

	// The caller's context bounds the run; whether it was canceled or hit
	// its own deadline, that is not an agent failure.
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &ExecError{ExitCode: code, Stderr: stderr, Err: fmt.Errorf("timed out after %s", timeout)}
	}
	if err != nil {
		return res, &ExecError{ExitCode: -1, Stderr: stderr, Err: err}
	}
	if code != 0 {
		return res, &ExecError{ExitCode: code, Stderr: stderr}
	}
	return res, nil
}

// Probe checks that the agent binary is present and runnable.
func (c *Client) Probe(ctx context.Context) (string, error) {
	stdout, stderr, code, err := c.Run.Run(ctx, ".", c.Bin, "--version")
	if err != nil {
		return "", &ExecError{ExitCode: -1, Stderr: stderr, Err: fmt.Errorf("%s not available: %w", c.Bin, err)}
	}
	if code != 0 {
		return "", &ExecError{ExitCode: code, Stderr: stderr}
	}
	return strings.TrimSpace(stdout), nil
}
