//go:build unix

package repair

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(script string) Invocation {
	return Invocation{Name: "/bin/sh", Args: []string{"-c", script}}
}

func TestExecRunnerSuccess(t *testing.T) {
	r := NewExecRunner(0, 0, nil)
	inv := shell(`echo out; echo err >&2; pwd`)
	inv.Dir = t.TempDir()

	res, err := r.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stdout, inv.Dir)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	r := NewExecRunner(0, 0, nil)
	res, err := r.Run(context.Background(), shell(`echo "bad header" >&2; exit 3`))
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "bad header\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestExecRunnerTruncatesStderr(t *testing.T) {
	r := NewExecRunner(0, 8, nil)
	res, err := r.Run(context.Background(), shell(`printf '0123456789abcdef' >&2`))
	require.NoError(t, err)
	assert.Equal(t, "01234567", res.Stderr)
}

func TestExecRunnerEnvironment(t *testing.T) {
	r := NewExecRunner(0, 0, nil)
	inv := shell(`printf '%s' "$RECOVER_TEST_VALUE"`)
	inv.Env = ProcessConfig{Env: map[string]string{"RECOVER_TEST_VALUE": "hello"}}.Environ()

	res, err := r.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
}

func TestExecRunnerTimeoutKillsGroup(t *testing.T) {
	r := NewExecRunner(200*time.Millisecond, 0, nil)
	inv := shell(`trap '' TERM; sleep 30 & wait`)
	inv.Timeout = 100 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), inv)
	require.Error(t, err)
	assert.True(t, res.TimedOut)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecRunnerParentCancel(t *testing.T) {
	r := NewExecRunner(100*time.Millisecond, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, shell(`sleep 30`))
	require.Error(t, err)
	assert.False(t, res.TimedOut)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(0, 0, nil)
	_, err := r.Run(context.Background(), Invocation{Name: "/nonexistent/recover-tool"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "run repair tool"))

	_, err = r.Run(context.Background(), Invocation{})
	assert.Error(t, err)
}
