package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

func newManager(t *testing.T, withOutput bool) (*FSManager, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "work")
	mgr, err := NewFSManager(Options{Root: root, WithOutput: withOutput})
	require.NoError(t, err)
	return mgr, root
}

func TestCreateBuildsLayout(t *testing.T) {
	mgr, root := newManager(t, true)

	ws, err := mgr.Create(context.Background(), "job-a")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Destroy(ws) })

	assert.Equal(t, filepath.Join(root, "recoverjob-job-a"), ws.Root)
	assert.Equal(t, "job-a", ws.ID)
	assert.DirExists(t, ws.InputDir)
	assert.DirExists(t, ws.OutputDir)
	assert.FileExists(t, filepath.Join(ws.Root, lockFile))
}

func TestCreateWithoutOutputArea(t *testing.T) {
	mgr, _ := newManager(t, false)

	ws, err := mgr.Create(context.Background(), "job-b")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Destroy(ws) })

	assert.Empty(t, ws.OutputDir)
	assert.NoDirExists(t, filepath.Join(ws.Root, "output"))
}

func TestCreateRejectsBadIDs(t *testing.T) {
	mgr, _ := newManager(t, false)
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`} {
		_, err := mgr.Create(context.Background(), id)
		assert.ErrorIs(t, err, recovery.ErrWorkspace, "id %q", id)
	}
}

func TestCreateTwiceFails(t *testing.T) {
	mgr, _ := newManager(t, false)
	ws, err := mgr.Create(context.Background(), "dup")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Destroy(ws) })

	_, err = mgr.Create(context.Background(), "dup")
	assert.ErrorIs(t, err, recovery.ErrWorkspace)
}

func TestCreateHonoursCancelledContext(t *testing.T) {
	mgr, root := newManager(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Create(ctx, "job")
	require.ErrorIs(t, err, recovery.ErrWorkspace)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NoDirExists(t, filepath.Join(root, "recoverjob-job"))
}

func TestDestroyIsIdempotent(t *testing.T) {
	mgr, _ := newManager(t, true)
	ws, err := mgr.Create(context.Background(), "job-c")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.InputDir, "a.mcap"), []byte("x"), 0o600))

	mgr.Destroy(ws)
	assert.NoDirExists(t, ws.Root)
	mgr.Destroy(ws)
	mgr.Destroy(recovery.Workspace{})
}

func TestDestroyPartialTree(t *testing.T) {
	mgr, _ := newManager(t, true)
	ws, err := mgr.Create(context.Background(), "job-d")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(ws.InputDir))

	mgr.Destroy(ws)
	assert.NoDirExists(t, ws.Root)
}

func TestSweepRemovesStaleUnlockedTrees(t *testing.T) {
	mgr, root := newManager(t, false)
	old := time.Now().Add(-2 * time.Hour)

	live, err := mgr.Create(context.Background(), "live")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Destroy(live) })
	require.NoError(t, os.Chtimes(live.Root, old, old))

	orphan := filepath.Join(root, "recoverjob-orphan")
	require.NoError(t, os.MkdirAll(filepath.Join(orphan, "input"), 0o750))
	require.NoError(t, os.Chtimes(orphan, old, old))

	fresh := filepath.Join(root, "recoverjob-fresh")
	require.NoError(t, os.MkdirAll(fresh, 0o750))

	unrelated := filepath.Join(root, "other")
	require.NoError(t, os.MkdirAll(unrelated, 0o750))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	report, err := mgr.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, []string{orphan}, report.Removed)
	assert.Equal(t, 1, report.Skipped)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, live.Root)
	assert.DirExists(t, fresh)
	assert.DirExists(t, unrelated)
}

func TestSweepMissingRoot(t *testing.T) {
	mgr, _ := newManager(t, false)
	report, err := mgr.Sweep(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
}

func TestSweepRejectsNonPositiveAge(t *testing.T) {
	mgr, _ := newManager(t, false)
	_, err := mgr.Sweep(context.Background(), 0)
	assert.Error(t, err)
}

func TestNewFSManagerDefaults(t *testing.T) {
	mgr, err := NewFSManager(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, mgr.prefix)
	assert.True(t, filepath.IsAbs(mgr.Root()))

	_, err = NewFSManager(Options{Prefix: "a/b"})
	assert.Error(t, err)
}
