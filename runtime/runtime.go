package runtime

import (
	"context"
	"fmt"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	// Path of the executable. Relative paths are resolved against Dir.
	Path string
	Args []string
	// Dir is the working directory, empty means the caller's.
	Dir string
	// Timeout bounds the wall-clock runtime. Zero waits unconditionally.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

type ExecResult struct {
	Stdout string
	Stderr string
	// ExitCode is -1 when the process did not exit on its own.
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// LaunchError reports an executable that could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("cannot launch %q: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

type Runtime interface {
	// Exec runs the command to completion or until its timeout expires.
	// A non-zero exit code is not an error; it is reported in ExecResult.
	// Start failures are returned as *LaunchError.
	Exec(ctx context.Context, cmd Command) (*ExecResult, error)
}
