package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

// fakeRunner writes outputs or fails based on the input file name.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Invocation
	run   func(ctx context.Context, inv Invocation) (Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	return f.run(ctx, inv)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newWorkspace(t *testing.T, names ...string) (recovery.Workspace, []recovery.StagedFile) {
	t.Helper()
	root := t.TempDir()
	ws := recovery.Workspace{
		ID:        "job",
		Root:      root,
		InputDir:  filepath.Join(root, "input"),
		OutputDir: filepath.Join(root, "output"),
	}
	require.NoError(t, os.MkdirAll(ws.InputDir, 0o750))
	require.NoError(t, os.MkdirAll(ws.OutputDir, 0o750))
	staged := make([]recovery.StagedFile, 0, len(names))
	for _, n := range names {
		p := filepath.Join(ws.InputDir, n)
		require.NoError(t, os.WriteFile(p, []byte("corrupt "+n), 0o600))
		info, err := os.Stat(p)
		require.NoError(t, err)
		staged = append(staged, recovery.StagedFile{Name: n, Path: p, Size: info.Size(), ModTime: info.ModTime()})
	}
	return ws, staged
}

// mcapRecover mimics `mcap recover <in> -o <out>`; inputs named bad* fail and
// inputs named empty* produce a zero-byte output.
func mcapRecover(_ context.Context, inv Invocation) (Result, error) {
	in, out := inv.Args[1], inv.Args[3]
	base := filepath.Base(in)
	switch {
	case strings.HasPrefix(base, "bad"):
		return Result{ExitCode: 1, Stderr: "invalid magic in " + base}, errors.New("exit status 1")
	case strings.HasPrefix(base, "empty"):
		return Result{}, os.WriteFile(out, nil, 0o600)
	default:
		return Result{Duration: time.Millisecond}, os.WriteFile(out, []byte("recovered "+base), 0o600)
	}
}

func perFileOptions() PerFileOptions {
	return PerFileOptions{
		Process: ProcessConfig{
			Binary: "mcap",
			Args:   []string{"recover", PlaceholderInput, "-o", PlaceholderOutput},
		},
		Extension: ".mcap",
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a.mcap", "a-rec.mcap"},
		{"drive.2024.mcap", "drive.2024-rec.mcap"},
		{"noext", "noext-rec.mcap"},
		{".hidden", ".hidden-rec.mcap"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, OutputName(tt.in, "-rec", ".mcap"))
		})
	}
}

func TestEnvironOverrides(t *testing.T) {
	t.Setenv("RECOVER_EXISTING", "old")
	env := ProcessConfig{Env: map[string]string{"RECOVER_EXISTING": "new", "RECOVER_ADDED": "1"}}.Environ()
	assert.Contains(t, env, "RECOVER_EXISTING=new")
	assert.Contains(t, env, "RECOVER_ADDED=1")
	assert.NotContains(t, env, "RECOVER_EXISTING=old")
}

func TestPerFileRecoversInOrder(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap", "b.mcap")
	runner := &fakeRunner{run: mcapRecover}
	rec, err := NewPerFile(perFileOptions(), runner, nil)
	require.NoError(t, err)

	got, err := rec.Recover(context.Background(), ws, staged)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-rec.mcap", got[0].Name)
	assert.Equal(t, "a.mcap", got[0].Source)
	assert.Equal(t, filepath.Join(ws.OutputDir, "a-rec.mcap"), got[0].Path)
	assert.Equal(t, "b-rec.mcap", got[1].Name)

	require.Len(t, runner.calls, 2)
	first := runner.calls[0]
	assert.Equal(t, "mcap", first.Name)
	assert.Equal(t, []string{"recover", staged[0].Path, "-o", filepath.Join(ws.OutputDir, "a-rec.mcap")}, first.Args)
	assert.Equal(t, ws.Root, first.Dir)
}

func TestPerFileAbortsOnFailure(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap", "bad.mcap", "c.mcap")
	runner := &fakeRunner{run: mcapRecover}
	rec, err := NewPerFile(perFileOptions(), runner, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, staged)
	require.Error(t, err)
	assert.ErrorIs(t, err, recovery.ErrRecovery)

	var te *recovery.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "bad.mcap", te.File)
	assert.Equal(t, 1, te.ExitCode)
	assert.Contains(t, err.Error(), "invalid magic in bad.mcap")
	assert.Equal(t, 2, runner.callCount(), "c.mcap must not run after the failure")
}

func TestPerFileParallelReportsLowestIndexFailure(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap", "bad1.mcap", "bad2.mcap", "d.mcap")
	runner := &fakeRunner{run: func(ctx context.Context, inv Invocation) (Result, error) {
		// bad2 fails first; bad1 fails after it, unless it sees the cancellation.
		if strings.HasSuffix(inv.Args[1], "bad1.mcap") {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
		return mcapRecover(ctx, inv)
	}}
	opts := perFileOptions()
	opts.Parallelism = 4
	rec, err := NewPerFile(opts, runner, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, staged)
	var te *recovery.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "bad2.mcap", te.File, "a cancelled sibling is not a real failure")
}

func TestPerFileSkipPolicy(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap", "bad.mcap", "empty.mcap", "d.mcap")
	opts := perFileOptions()
	opts.FailurePolicy = PolicySkip
	rec, err := NewPerFile(opts, &fakeRunner{run: mcapRecover}, nil)
	require.NoError(t, err)

	got, err := rec.Recover(context.Background(), ws, staged)
	require.NoError(t, err)
	names := make([]string, 0, len(got))
	for _, f := range got {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"a-rec.mcap", "d-rec.mcap"}, names)
}

func TestPerFileNoOutput(t *testing.T) {
	ws, staged := newWorkspace(t, "empty1.mcap", "empty2.mcap")
	rec, err := NewPerFile(perFileOptions(), &fakeRunner{run: mcapRecover}, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, staged)
	assert.ErrorIs(t, err, recovery.ErrNoOutput)
}

func TestPerFileSkipAllFailedIsNoOutput(t *testing.T) {
	ws, staged := newWorkspace(t, "bad1.mcap", "bad2.mcap")
	opts := perFileOptions()
	opts.FailurePolicy = PolicySkip
	rec, err := NewPerFile(opts, &fakeRunner{run: mcapRecover}, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, staged)
	assert.ErrorIs(t, err, recovery.ErrNoOutput)
}

func TestPerFileTimeoutSurfaces(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap")
	runner := &fakeRunner{run: func(context.Context, Invocation) (Result, error) {
		return Result{TimedOut: true, ExitCode: -1}, context.DeadlineExceeded
	}}
	rec, err := NewPerFile(perFileOptions(), runner, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, staged)
	var te *recovery.ToolError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.TimedOut)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNewPerFileValidation(t *testing.T) {
	_, err := NewPerFile(PerFileOptions{}, &fakeRunner{}, nil)
	assert.Error(t, err)

	opts := perFileOptions()
	opts.FailurePolicy = "retry"
	_, err = NewPerFile(opts, &fakeRunner{}, nil)
	assert.Error(t, err)

	_, err = NewPerFile(perFileOptions(), nil, nil)
	assert.Error(t, err)
}

func batchOptions(area string) BatchOptions {
	return BatchOptions{
		Process: ProcessConfig{
			Binary: "/opt/recover/mcap_recover.sh",
			Args:   []string{PlaceholderInputDir},
		},
		Extension:  ".mcap",
		OutputArea: area,
	}
}

func TestBatchRecoversInPlace(t *testing.T) {
	ws, staged := newWorkspace(t, "b.mcap", "a.mcap")
	runner := &fakeRunner{run: func(_ context.Context, inv Invocation) (Result, error) {
		dir := inv.Args[0]
		// The wrapper replaces inputs with repaired copies and drops an empty one.
		for _, n := range []string{"a.mcap", "b.mcap"} {
			if err := os.WriteFile(filepath.Join(dir, n), []byte("recovered "+n), 0o600); err != nil {
				return Result{}, err
			}
		}
		if err := os.WriteFile(filepath.Join(dir, "zero.mcap"), nil, 0o600); err != nil {
			return Result{}, err
		}
		return Result{}, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("log"), 0o600)
	}}
	rec, err := NewBatch(batchOptions(""), runner, nil)
	require.NoError(t, err)
	assert.False(t, rec.NeedsOutputDir())

	got, err := rec.Recover(context.Background(), ws, staged)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.mcap", got[0].Name)
	assert.Equal(t, "b.mcap", got[1].Name)
	assert.Equal(t, []string{ws.InputDir}, runner.calls[0].Args)
}

func TestBatchSkipsUntouchedInputs(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap", "b.mcap")
	rewrite := ""
	runner := &fakeRunner{run: func(_ context.Context, inv Invocation) (Result, error) {
		if rewrite == "" {
			return Result{}, nil
		}
		return Result{}, os.WriteFile(filepath.Join(inv.Args[0], rewrite), []byte("recovered "+rewrite), 0o600)
	}}
	rec, err := NewBatch(batchOptions(AreaInput), runner, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, staged)
	require.ErrorIs(t, err, recovery.ErrNoOutput, "a tool that changes nothing recovers nothing")

	rewrite = "b.mcap"
	got, err := rec.Recover(context.Background(), ws, staged)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b.mcap", got[0].Name)
	assert.Equal(t, "b.mcap", got[0].Source)
}

func TestBatchOutputArea(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap")
	runner := &fakeRunner{run: func(_ context.Context, inv Invocation) (Result, error) {
		return Result{}, os.WriteFile(filepath.Join(inv.Args[1], "a-fixed.mcap"), []byte("ok"), 0o600)
	}}
	opts := batchOptions(AreaOutput)
	opts.Process.Args = []string{PlaceholderInputDir, PlaceholderOutputDir}
	rec, err := NewBatch(opts, runner, nil)
	require.NoError(t, err)
	assert.True(t, rec.NeedsOutputDir())

	got, err := rec.Recover(context.Background(), ws, staged)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(ws.OutputDir, "a-fixed.mcap"), got[0].Path)
}

func TestBatchToolFailure(t *testing.T) {
	ws, staged := newWorkspace(t, "a.mcap")
	runner := &fakeRunner{run: func(context.Context, Invocation) (Result, error) {
		return Result{ExitCode: 2, Stderr: "mcap: command not found\n"}, errors.New("exit status 2")
	}}
	rec, err := NewBatch(batchOptions(AreaInput), runner, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, staged)
	require.ErrorIs(t, err, recovery.ErrRecovery)
	assert.Equal(t, "recovery tool failed (exit code 2): mcap: command not found", err.Error())
}

func TestBatchNoOutput(t *testing.T) {
	ws, _ := newWorkspace(t)
	rec, err := NewBatch(batchOptions(AreaInput), &fakeRunner{run: func(context.Context, Invocation) (Result, error) {
		return Result{}, nil
	}}, nil)
	require.NoError(t, err)

	_, err = rec.Recover(context.Background(), ws, nil)
	assert.ErrorIs(t, err, recovery.ErrNoOutput)
}
