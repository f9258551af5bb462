package runtime_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bskracic/cpipe/runtime"
)

func shell(script string) runtime.Command {
	return runtime.Command{Path: "sh", Args: []string{"-c", script}}
}

func TestHostRuntimeCapturesOutput(t *testing.T) {
	hr := runtime.NewHostRuntime()

	res, err := hr.Exec(context.Background(), shell("echo out; echo err >&2"))
	require.NoError(t, err)

	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestHostRuntimeNonZeroExitIsNotAnError(t *testing.T) {
	hr := runtime.NewHostRuntime()

	res, err := hr.Exec(context.Background(), shell("echo failing >&2; exit 3"))
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Stderr)
}

func TestHostRuntimeLaunchError(t *testing.T) {
	hr := runtime.NewHostRuntime()
	missing := filepath.Join(t.TempDir(), "no-such-tool")

	res, err := hr.Exec(context.Background(), runtime.Command{Path: missing, Args: []string{"x"}})
	require.Error(t, err)
	assert.Nil(t, res)

	var launchErr *runtime.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, missing, launchErr.Path)
	assert.Contains(t, err.Error(), "no-such-tool")
}

func TestHostRuntimeEmptyPath(t *testing.T) {
	hr := runtime.NewHostRuntime()

	_, err := hr.Exec(context.Background(), runtime.Command{})

	var launchErr *runtime.LaunchError
	assert.True(t, errors.As(err, &launchErr))
}

func TestHostRuntimeTimeoutKeepsPartialOutput(t *testing.T) {
	hr := runtime.NewHostRuntime()
	cmd := shell("echo partial; sleep 30")
	cmd.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := hr.Exec(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHostRuntimeNoTimeoutWaitsForExit(t *testing.T) {
	hr := runtime.NewHostRuntime()

	res, err := hr.Exec(context.Background(), shell("sleep 0.2; echo done"))
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, "done\n", res.Stdout)
	assert.GreaterOrEqual(t, res.Duration, 200*time.Millisecond)
}

func TestHostRuntimeCancellation(t *testing.T) {
	hr := runtime.NewHostRuntime()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := hr.Exec(ctx, shell("sleep 30"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, res)
	assert.False(t, res.TimedOut)
}

func TestHostRuntimeWorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	hr := runtime.NewHostRuntime(runtime.WithEnvVar("CPIPE_TEST_VAR", "test_value"))

	cmd := shell("pwd; echo $CPIPE_TEST_VAR")
	cmd.Dir = dir
	res, err := hr.Exec(context.Background(), cmd)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, filepath.Base(dir), filepath.Base(lines[0]))
	assert.Equal(t, "test_value", lines[1])
}

func TestHostRuntimeTeeWriters(t *testing.T) {
	var stdout, stderr bytes.Buffer
	hr := runtime.NewHostRuntime(
		runtime.WithStdoutWriter(&stdout),
		runtime.WithStderrWriter(&stderr),
	)

	res, err := hr.Exec(context.Background(), shell("echo seen; echo warned >&2"))
	require.NoError(t, err)

	assert.Equal(t, res.Stdout, stdout.String())
	assert.Equal(t, res.Stderr, stderr.String())
}

func TestHostRuntimeBackgroundChildDoesNotFailTheRun(t *testing.T) {
	dir := t.TempDir()
	hr := runtime.NewHostRuntime(runtime.WithWaitDelay(100 * time.Millisecond))

	cmd := shell("echo hi; (sleep 0.5; touch left-behind) &")
	cmd.Dir = dir
	start := time.Now()
	res, err := hr.Exec(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)

	// the leftover child was killed with its process group
	time.Sleep(time.Second)
	_, err = os.Stat(filepath.Join(dir, "left-behind"))
	assert.True(t, os.IsNotExist(err), "background child outlived the run")
}
