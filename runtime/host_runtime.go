package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

const defaultWaitDelay = time.Second

// HostRuntime runs commands as child processes of the current process.
type HostRuntime struct {
	opts *HostOptions
}

// HostOptions configures host process execution.
type HostOptions struct {
	// Environment variables appended to the current env
	Env map[string]string

	// Writers that receive output while it is being captured
	StdoutWriter io.Writer
	StderrWriter io.Writer

	// WaitDelay bounds how long Wait keeps draining pipes held open by
	// orphaned grandchildren after the process is gone.
	WaitDelay time.Duration

	Logger *slog.Logger
}

type HostOption func(*HostOptions)

func DefaultHostOptions() *HostOptions {
	return &HostOptions{
		Env:       make(map[string]string),
		WaitDelay: defaultWaitDelay,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func NewHostRuntime(opts ...HostOption) *HostRuntime {
	options := DefaultHostOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &HostRuntime{opts: options}
}

// Exec implements Runtime.
func (hr *HostRuntime) Exec(ctx context.Context, c Command) (*ExecResult, error) {
	if c.Path == "" {
		return nil, &LaunchError{Path: c.Path, Err: errors.New("empty executable path")}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution cancelled: %w", err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	cmd := exec.Command(c.Path, c.Args...)
	hr.setupCommand(cmd, c)
	stdoutBuf, stderrBuf := hr.setupOutputCapture(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: c.Path, Err: err}
	}
	logger := hr.opts.Logger.With("path", c.Path, "pid", cmd.Process.Pid)
	logger.Debug("process started", "args", c.Args, "timeout", c.Timeout)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	timedOut, cancelled := false, false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		if err := killProcessGroup(cmd); err != nil {
			logger.Debug("kill process group", "error", err)
		}
		waitErr = <-done
		cancelled = ctx.Err() != nil
		timedOut = !cancelled
	}

	result := &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: -1,
		TimedOut: timedOut,
		Duration: time.Since(start),
	}

	if cancelled {
		return result, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	if timedOut {
		logger.Debug("process killed after timeout", "duration", result.Duration)
		return result, nil
	}

	// the process is gone; reap anything it left running in its group
	if err := killProcessGroup(cmd); err != nil {
		logger.Debug("kill leftover process group", "error", err)
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// exited, but a leftover child held the output pipes open
		result.ExitCode = cmd.ProcessState.ExitCode()
		logger.Debug("output pipes held open after exit", "wait_delay", hr.opts.WaitDelay)
	default:
		return result, fmt.Errorf("wait for %s: %w", c.Path, waitErr)
	}

	logger.Debug("process exited", "exit_code", result.ExitCode, "duration", result.Duration)
	return result, nil
}

func (hr *HostRuntime) setupCommand(cmd *exec.Cmd, c Command) {
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}

	if len(hr.opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range hr.opts.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	cmd.WaitDelay = hr.opts.WaitDelay
	setProcessGroup(cmd)
}

func (hr *HostRuntime) setupOutputCapture(cmd *exec.Cmd) (*bytes.Buffer, *bytes.Buffer) {
	var stdoutBuf, stderrBuf bytes.Buffer

	stdoutWriters := []io.Writer{&stdoutBuf}
	if hr.opts.StdoutWriter != nil {
		stdoutWriters = append(stdoutWriters, hr.opts.StdoutWriter)
	}
	cmd.Stdout = io.MultiWriter(stdoutWriters...)

	stderrWriters := []io.Writer{&stderrBuf}
	if hr.opts.StderrWriter != nil {
		stderrWriters = append(stderrWriters, hr.opts.StderrWriter)
	}
	cmd.Stderr = io.MultiWriter(stderrWriters...)

	return &stdoutBuf, &stderrBuf
}

// WithEnvVar adds a single environment variable
func WithEnvVar(key, value string) HostOption {
	return func(o *HostOptions) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithStdoutWriter tees process stdout into w
func WithStdoutWriter(w io.Writer) HostOption {
	return func(o *HostOptions) {
		o.StdoutWriter = w
	}
}

// WithStderrWriter tees process stderr into w
func WithStderrWriter(w io.Writer) HostOption {
	return func(o *HostOptions) {
		o.StderrWriter = w
	}
}

func WithWaitDelay(d time.Duration) HostOption {
	return func(o *HostOptions) {
		o.WaitDelay = d
	}
}

func WithLogger(logger *slog.Logger) HostOption {
	return func(o *HostOptions) {
		if logger != nil {
			o.Logger = logger
		}
	}
}
