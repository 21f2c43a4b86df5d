package recovery

import (
	"context"
	"io"
	"time"
)

// WorkspaceManager creates and destroys per-job workspaces.
type WorkspaceManager interface {
	// Create builds a workspace namespaced by jobID.
	Create(ctx context.Context, jobID string) (Workspace, error)
	// Destroy must be idempotent and never fail the caller.
	Destroy(ws Workspace)
}

// Recoverer runs the external repair tool over staged files.
type Recoverer interface {
	Recover(ctx context.Context, ws Workspace, staged []StagedFile) ([]RecoveredFile, error)
	// NeedsOutputDir reports whether the workspace needs a separate output area.
	NeedsOutputDir() bool
}

// Archiver packages recovered files into a single archive on disk.
type Archiver interface {
	Archive(ctx context.Context, dir string, files []RecoveredFile) (ArchiveResult, error)
}

// BlobStore writes archive copies to long-term storage and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces finished jobs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// AuditStore records finished jobs.
type AuditStore interface {
	RecordJob(ctx context.Context, record JobRecord) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes archive digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
