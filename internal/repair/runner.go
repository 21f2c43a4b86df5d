// Package repair runs the external recording repair tool against staged
// workspace files.
package repair

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxStderrBytes caps the captured stderr of one invocation.
	DefaultMaxStderrBytes = 64 * 1024
	// DefaultKillGrace is the delay between SIGTERM and SIGKILL.
	DefaultKillGrace = 5 * time.Second

	maxStdoutBytes = 1 << 20
)

var commandContext = exec.CommandContext

// Invocation describes one run of the repair tool.
type Invocation struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is what the process left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Runner executes a single Invocation synchronously. A nil error means the
// process exited with status zero.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs invocations as child processes in their own process group.
type ExecRunner struct {
	killGrace      time.Duration
	maxStderrBytes int
	logger         *zap.Logger
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner builds a runner. Zero values select the defaults.
func NewExecRunner(killGrace time.Duration, maxStderrBytes int, logger *zap.Logger) *ExecRunner {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	if maxStderrBytes <= 0 {
		maxStderrBytes = DefaultMaxStderrBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{killGrace: killGrace, maxStderrBytes: maxStderrBytes, logger: logger}
}

// Run starts the process and waits for it. On timeout or cancellation the
// whole process group receives SIGTERM, then SIGKILL once the grace period
// has elapsed.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Name == "" {
		return Result{}, errors.New("repair binary is empty")
	}
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := commandContext(runCtx, inv.Name, inv.Args...) // #nosec G204 -- binary and args come from service configuration.
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	stdout := &cappedBuffer{limit: maxStdoutBytes}
	stderr := &cappedBuffer{limit: r.maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	var interrupted atomic.Bool
	cmd.Cancel = func() error {
		interrupted.Store(true)
		r.logger.Warn("repair tool interrupted, sending SIGTERM", zap.String("binary", inv.Name))
		return terminateGroup(cmd)
	}
	cmd.WaitDelay = r.killGrace

	start := time.Now()
	err := cmd.Run()
	// A group whose leader exited on its own is left alone: once empty, its
	// id may already belong to someone else.
	if interrupted.Load() {
		killGroup(cmd)
	}

	res := Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			return res, fmt.Errorf("repair tool interrupted: %w", parentErr)
		}
		res.TimedOut = true
		return res, fmt.Errorf("repair tool exceeded %s: %w", inv.Timeout, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("repair tool exited with code %d: %w", res.ExitCode, err)
		}
		return res, fmt.Errorf("run repair tool: %w", err)
	}
	return res, nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
