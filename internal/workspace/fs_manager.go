// Package workspace manages the per-job directory trees recordings are
// staged and repaired in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
	"github.com/JakeFAU/mcap-recovery/internal/telemetry"
)

const (
	// DefaultPrefix names workspace directories under the root.
	DefaultPrefix = "recoverjob-"

	lockFile = ".lock"
	dirMode  = 0o750
)

// FSManager creates workspaces on local disk. Every live workspace holds an
// advisory lock so a sweeper in another process leaves it alone.
type FSManager struct {
	root       string
	prefix     string
	withOutput bool
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*flock.Flock
}

var _ recovery.WorkspaceManager = (*FSManager)(nil)

// Options configures an FSManager.
type Options struct {
	// Root is the parent directory; empty means os.TempDir().
	Root string
	// Prefix defaults to DefaultPrefix.
	Prefix string
	// WithOutput creates an output/ directory next to input/.
	WithOutput bool
	Logger     *zap.Logger
}

// NewFSManager validates opts and returns a manager.
func NewFSManager(opts Options) (*FSManager, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		root = os.TempDir()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("workspace prefix %q must not contain path separators", prefix)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSManager{
		root:       abs,
		prefix:     prefix,
		withOutput: opts.WithOutput,
		logger:     logger,
		now:        time.Now,
		locks:      make(map[string]*flock.Flock),
	}, nil
}

// Root returns the absolute directory workspaces are created under.
func (m *FSManager) Root() string {
	return m.root
}

// Create builds {root}/{prefix}{jobID} with its input (and optional output)
// area and takes the liveness lock.
func (m *FSManager) Create(ctx context.Context, jobID string) (recovery.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return recovery.Workspace{}, fmt.Errorf("%w: %w", recovery.ErrWorkspace, err)
	}
	if err := validateJobID(jobID); err != nil {
		return recovery.Workspace{}, fmt.Errorf("%w: %w", recovery.ErrWorkspace, err)
	}

	if err := os.MkdirAll(m.root, dirMode); err != nil {
		return recovery.Workspace{}, fmt.Errorf("%w: create workspace root: %w", recovery.ErrWorkspace, err)
	}

	ws := recovery.Workspace{
		ID:       jobID,
		Root:     filepath.Join(m.root, m.prefix+jobID),
		InputDir: filepath.Join(m.root, m.prefix+jobID, "input"),
	}
	if err := os.Mkdir(ws.Root, dirMode); err != nil {
		return recovery.Workspace{}, fmt.Errorf("%w: create workspace for job %q: %w", recovery.ErrWorkspace, jobID, err)
	}

	lock := flock.New(filepath.Join(ws.Root, lockFile))
	if err := lock.Lock(); err != nil {
		m.remove(ws.Root)
		return recovery.Workspace{}, fmt.Errorf("%w: lock workspace: %w", recovery.ErrWorkspace, err)
	}
	m.mu.Lock()
	m.locks[ws.Root] = lock
	m.mu.Unlock()

	if err := os.Mkdir(ws.InputDir, dirMode); err != nil {
		m.Destroy(ws)
		return recovery.Workspace{}, fmt.Errorf("%w: create input area: %w", recovery.ErrWorkspace, err)
	}
	if m.withOutput {
		ws.OutputDir = filepath.Join(ws.Root, "output")
		if err := os.Mkdir(ws.OutputDir, dirMode); err != nil {
			m.Destroy(ws)
			return recovery.Workspace{}, fmt.Errorf("%w: create output area: %w", recovery.ErrWorkspace, err)
		}
	}

	m.logger.Debug("workspace created", zap.String("job_id", jobID), zap.String("path", ws.Root))
	return ws, nil
}

// Destroy releases the lock and removes the tree. It is safe to call more
// than once and on a partially built workspace.
func (m *FSManager) Destroy(ws recovery.Workspace) {
	if ws.Root == "" {
		return
	}
	m.mu.Lock()
	lock, ok := m.locks[ws.Root]
	delete(m.locks, ws.Root)
	m.mu.Unlock()
	if ok {
		if err := lock.Unlock(); err != nil {
			m.logger.Warn("workspace unlock failed", zap.String("path", ws.Root), zap.Error(err))
		}
	}
	m.remove(ws.Root)
}

func (m *FSManager) remove(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("workspace cleanup failed", zap.String("path", dir), zap.Error(err))
		return
	}
	m.logger.Debug("workspace removed", zap.String("path", dir))
}

// SweepReport summarises a Sweep run.
type SweepReport struct {
	Removed []string
	Skipped int
}

// Sweep removes workspace trees older than olderThan whose lock is not held.
// Trees left behind by a crashed process are the usual target.
func (m *FSManager) Sweep(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	if err := ctx.Err(); err != nil {
		return SweepReport{}, err
	}
	if olderThan <= 0 {
		return SweepReport{}, errors.New("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return SweepReport{}, nil
	}
	if err != nil {
		return SweepReport{}, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	var report SweepReport
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), m.prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		dir := filepath.Join(m.root, entry.Name())
		lock := flock.New(filepath.Join(dir, lockFile))
		locked, err := lock.TryLock()
		if err != nil || !locked {
			report.Skipped++
			continue
		}
		removeErr := os.RemoveAll(dir)
		_ = lock.Unlock()
		if removeErr != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), removeErr)
		}
		report.Removed = append(report.Removed, dir)
	}

	telemetry.ObserveSweep(len(report.Removed))
	if len(report.Removed) > 0 || report.Skipped > 0 {
		m.logger.Info("stale workspaces swept",
			zap.Int("removed", len(report.Removed)),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return errors.New("jobID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	return nil
}
