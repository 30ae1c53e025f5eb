package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	block    bool

	gotDir  string
	gotName string
	gotArgs []string
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	f.gotDir, f.gotName, f.gotArgs = dir, name, args
	if f.block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	return f.stdout, f.stderr, f.exitCode, f.err
}

func TestExecuteSuccess(t *testing.T) {
	r := &fakeRunner{stdout: "done"}
	c := &Client{Bin: "claude", SkipPermissions: true, Run: r}

	res, err := c.Execute(context.Background(), "implement the parser", "/work/impl-abc")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "done" {
		t.Errorf("result = %+v", res)
	}
	if res.Duration < 0 {
		t.Error("negative duration")
	}
	if r.gotDir != "/work/impl-abc" || r.gotName != "claude" {
		t.Errorf("invocation = %s in %s", r.gotName, r.gotDir)
	}
	if len(r.gotArgs) != 3 || r.gotArgs[0] != "-p" || r.gotArgs[1] != "implement the parser" || r.gotArgs[2] != "--dangerously-skip-permissions" {
		t.Errorf("args = %v", r.gotArgs)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	r := &fakeRunner{exitCode: 2, stderr: "compile error"}
	c := &Client{Bin: "claude", Run: r}

	res, err := c.Execute(context.Background(), "x", ".")
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if ee.ExitCode != 2 || ee.Stderr != "compile error" {
		t.Errorf("exec error = %+v", ee)
	}
	if res.ExitCode != 2 {
		t.Errorf("result exit = %d", res.ExitCode)
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	r := &fakeRunner{err: fmt.Errorf("executable not found")}
	c := &Client{Bin: "missing-agent", Run: r}

	_, err := c.Execute(context.Background(), "x", ".")
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError, got %v", err)
	}
}

func TestExecuteCancellationDistinct(t *testing.T) {
	r := &fakeRunner{block: true}
	c := &Client{Bin: "claude", Timeout: time.Minute, Run: r}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Execute(ctx, "x", ".")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		t.Error("cancellation must not be reported as ExecError")
	}
}

func TestExecuteParentDeadlineNotToolFailure(t *testing.T) {
	r := &fakeRunner{block: true}
	c := &Client{Bin: "claude", Timeout: time.Minute, Run: r}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, "x", ".")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		t.Error("caller's deadline must not be reported as ExecError")
	}
}

func TestExecuteTimeoutIsToolFailure(t *testing.T) {
	r := &fakeRunner{block: true}
	c := &Client{Bin: "claude", Timeout: 10 * time.Millisecond, Run: r}

	_, err := c.Execute(context.Background(), "x", ".")
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError for timeout, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	r := &fakeRunner{stdout: "1.2.3\n"}
	c := &Client{Bin: "claude", Run: r}
	version, err := c.Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if version != "1.2.3" {
		t.Errorf("version = %q", version)
	}
	if len(r.gotArgs) != 1 || r.gotArgs[0] != "--version" {
		t.Errorf("args = %v", r.gotArgs)
	}

	r2 := &fakeRunner{err: fmt.Errorf("no such file")}
	c2 := &Client{Bin: "claude", Run: r2}
	if _, err := c2.Probe(context.Background()); err == nil {
		t.Error("expected probe failure")
	}
}
