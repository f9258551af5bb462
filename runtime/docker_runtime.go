package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	uuid "github.com/satori/go.uuid"
)

// Exit codes a shell reports for commands it could not execute.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// Specs describes the toolchain container.
type Specs struct {
	Image string
	// Mounts are host directories bind-mounted at the same path, so paths
	// handed to the toolchain mean the same thing inside and outside.
	Mounts []string
}

// DockerRuntime runs commands inside a long-lived toolchain container.
// The container is created on first use and re-created after a kill.
type DockerRuntime struct {
	cli    *docker.Client
	specs  Specs
	logger *slog.Logger

	mu          sync.Mutex
	containerID string
}

func NewDockerRuntime(specs Specs, logger *slog.Logger) (*DockerRuntime, error) {
	if specs.Image == "" {
		return nil, errors.New("docker runtime: image is required")
	}
	cli, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker runtime: create client: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &DockerRuntime{
		cli:    cli,
		specs:  specs,
		logger: logger.With("image", specs.Image),
	}, nil
}

// Ping reports whether the docker daemon answers.
func (dr *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := dr.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker runtime: ping: %w", err)
	}
	return nil
}

// Prepare returns the id of the toolchain container, creating it if needed.
func (dr *DockerRuntime) Prepare(ctx context.Context) (string, error) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if dr.containerID != "" {
		return dr.containerID, nil
	}
	id, err := dr.createContainer(ctx, "cpipe-toolchain-"+uuid.NewV4().String()[:8])
	if err != nil {
		return "", err
	}
	dr.containerID = id
	return id, nil
}

func (dr *DockerRuntime) createContainer(ctx context.Context, name string) (string, error) {
	binds := make([]string, 0, len(dr.specs.Mounts))
	for _, m := range dr.specs.Mounts {
		binds = append(binds, m+":"+m)
	}

	resp, err := dr.cli.ContainerCreate(ctx, &container.Config{
		Image:           dr.specs.Image,
		Cmd:             []string{"sleep", "infinity"},
		User:            fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Tty:             false,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Binds: binds,
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	if err := dr.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		dr.remove(resp.ID)
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	dr.logger.Info("toolchain container started", "container", name, "id", resp.ID)
	return resp.ID, nil
}

// Exec implements Runtime.
func (dr *DockerRuntime) Exec(ctx context.Context, c Command) (*ExecResult, error) {
	id, err := dr.Prepare(ctx)
	if err != nil {
		return nil, &LaunchError{Path: c.Path, Err: err}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	config := types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          append([]string{c.Path}, c.Args...),
		WorkingDir:   c.Dir,
	}
	start := time.Now()
	respCreate, err := dr.cli.ContainerExecCreate(ctx, id, config)
	if err != nil {
		return nil, &LaunchError{Path: c.Path, Err: fmt.Errorf("create exec: %w", err)}
	}

	respExec, err := dr.cli.ContainerExecAttach(ctx, respCreate.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, &LaunchError{Path: c.Path, Err: fmt.Errorf("attach exec: %w", err)}
	}
	defer respExec.Close()

	var outBuf, errBuf bytes.Buffer
	outputDone := make(chan error, 1)

	go func() {
		// StdCopy demultiplexes the stream into two buffers
		_, err := stdcopy.StdCopy(&outBuf, &errBuf, respExec.Reader)
		outputDone <- err
	}()

	select {
	case err := <-outputDone:
		if err != nil {
			return nil, fmt.Errorf("read exec output: %w", err)
		}

	case <-runCtx.Done():
		respExec.Close()
		<-outputDone
		// an exec cannot be signalled on its own; drop the whole container
		dr.Kill()

		result := &ExecResult{
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			ExitCode: -1,
			TimedOut: ctx.Err() == nil,
			Duration: time.Since(start),
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		return result, nil
	}

	res, err := dr.cli.ContainerExecInspect(ctx, respCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	result := &ExecResult{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: res.ExitCode,
		Duration: time.Since(start),
	}
	if msg := strings.TrimSpace(result.Stderr + result.Stdout); launchFailed(res.ExitCode, msg) {
		return nil, &LaunchError{Path: c.Path, Err: fmt.Errorf("exit code %d: %s", res.ExitCode, msg)}
	}

	return result, nil
}

// Kill stops and removes the toolchain container. The next Exec creates a
// fresh one.
func (dr *DockerRuntime) Kill() {
	dr.mu.Lock()
	id := dr.containerID
	dr.containerID = ""
	dr.mu.Unlock()

	if id == "" {
		return
	}
	ctx := context.Background()
	if err := dr.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		dr.logger.Warn("kill toolchain container", "id", id, "error", err)
	}
	dr.remove(id)
}

func (dr *DockerRuntime) remove(id string) {
	err := dr.cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true})
	if err != nil {
		dr.logger.Warn("remove toolchain container", "id", id, "error", err)
	}
}

// Close releases the container and the client.
func (dr *DockerRuntime) Close() error {
	dr.Kill()
	return dr.cli.Close()
}

// launchFailMarkers are what the container runtime prints when an exec's
// binary cannot be started.
var launchFailMarkers = []string{
	"executable file not found",
	"no such file or directory",
	"permission denied",
	"not found",
}

// launchFailed tells a binary that could not be started apart from one
// that ran and chose to exit 126 or 127.
func launchFailed(exitCode int, output string) bool {
	if exitCode != exitNotExecutable && exitCode != exitNotFound {
		return false
	}
	out := strings.ToLower(output)
	for _, m := range launchFailMarkers {
		if strings.Contains(out, m) {
			return true
		}
	}
	return false
}
