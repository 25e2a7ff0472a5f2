package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Invocation is one fully expanded external command.
type Invocation struct {
	Argv []string
	Dir  string

	// Env is the complete environment. Nothing from the host leaks in unless
	// the caller put it here.
	Env []string

	Stdin []byte

	// Output, when set, also receives stdout and stderr as they are written,
	// interleaved in arrival order.
	Output io.Writer
}

// Result is what a finished process left behind.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Combined []byte
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes an Invocation. A non-zero exit status is reported in the
// Result, not as an error; errors mean the process could not be run at all or
// the context was cancelled.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ErrCancelled is returned when the context is cancelled (not timed out) while
// a process is running.
var ErrCancelled = errors.New("execution cancelled")

// ProcessRunner runs commands as child processes in their own process group,
// so a timeout kills every descendant and not only the direct child.
type ProcessRunner struct{}

func (ProcessRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if len(inv.Argv) == 0 {
		return Result{}, errors.New("empty argv")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	cmd := exec.Command(inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	combined := &lockedWriter{}
	var tee io.Writer = &combined.buf
	if inv.Output != nil {
		tee = io.MultiWriter(&combined.buf, inv.Output)
	}
	combined.w = tee
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	timedOut := false
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		err = <-done
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		timedOut = true
	case err = <-done:
	}

	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Combined: combined.Bytes(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if timedOut {
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("failed to execute command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// lockedWriter serializes writes from the stdout and stderr copiers so the
// combined stream never interleaves within a single write.
type lockedWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *lockedWriter) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.buf.Bytes()...)
}
