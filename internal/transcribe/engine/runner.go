// Package engine runs the external speech-to-text command and reports a
// structured result instead of scraped output.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long Wait blocks on inherited pipes after the
// process group was killed.
const DefaultWaitDelay = 5 * time.Second

// Command is one invocation of an external program.
type Command struct {
	Path string
	Args []string
	Dir  string
	// LogPath receives combined stdout and stderr. Empty discards output.
	LogPath string
	// Timeout bounds the run. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Result is the outcome of a Command.
type Result struct {
	// ExitCode is -1 when the process did not start or was killed by a signal.
	ExitCode int
	Err      error
	// TimedOut is set when Command.Timeout expired.
	TimedOut bool
	// Canceled is set when the caller's context ended first (daemon shutdown).
	Canceled bool
	Duration time.Duration
	LogPath  string
}

// OK reports whether the process ran to completion with exit status 0.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, c Command) Result
}

// ExecRunner runs commands with os/exec in their own process group.
type ExecRunner struct {
	waitDelay time.Duration
}

// ExecOption configures an ExecRunner.
type ExecOption func(*ExecRunner)

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) ExecOption {
	return func(r *ExecRunner) {
		r.waitDelay = d
	}
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(opts ...ExecOption) *ExecRunner {
	r := &ExecRunner{waitDelay: DefaultWaitDelay}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts c and waits for it. When the timeout or ctx expires the whole
// process group is killed.
func (r *ExecRunner) Run(ctx context.Context, c Command) Result {
	res := Result{ExitCode: -1, LogPath: c.LogPath}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var out io.Writer = io.Discard
	if c.LogPath != "" {
		f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			res.Err = fmt.Errorf("open scratch log: %w", err)
			return res
		}
		defer f.Close()
		out = f
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...) // #nosec G204
	cmd.Dir = c.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		res.Canceled = true
		res.Err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.Err = fmt.Errorf("killed after %s: %w", c.Timeout, context.DeadlineExceeded)
	case err != nil:
		res.Err = err
	}
	return res
}

// LookPath resolves command to an executable file.
func LookPath(command string) (string, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("engine command %q: %w", command, err)
	}
	return path, nil
}

// Tail returns at most the last n bytes of the file at path.
func Tail(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	offset := info.Size() - n
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
