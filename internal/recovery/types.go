// Package recovery defines the job model and orchestration core for recording recovery.
package recovery

import (
	"time"
)

// JobState represents the lifecycle state of a recovery job.
type JobState string

// Job states in the order a successful job passes through them.
const (
	StateValidating JobState = "validating"
	StateStaging    JobState = "staging"
	StateRecovering JobState = "recovering"
	StateArchiving  JobState = "archiving"
	StateDone       JobState = "done"
	StateFailed     JobState = "failed"
)

// JobRequest is the caller's ordered selection of recording files.
type JobRequest struct {
	Files []string `json:"files" validate:"required,min=1,dive,required"`
}

// Job is a single execution instance. It lives for the duration of one request.
type Job struct {
	ID        string
	State     JobState
	Files     []string
	StartedAt time.Time
}

// Workspace is the isolated directory tree owned by one job.
type Workspace struct {
	ID        string
	Root      string
	InputDir  string
	OutputDir string
}

// StagedFile is a copy of a source recording inside the workspace input area.
type StagedFile struct {
	Name    string
	Source  string
	Path    string
	Size    int64
	// ModTime is the staged copy's modification time as the filesystem stored it.
	ModTime time.Time
}

// RecoveredFile is an output produced by the repair tool.
type RecoveredFile struct {
	Name string
	Path string
	Size int64
	// Source is the staged file name this output came from, when known.
	Source string
}

// ArchiveResult is the zip handed back to the caller.
type ArchiveResult struct {
	Name     string
	Path     string
	Data     []byte
	Size     int64
	Checksum string
	Members  []string
}

// FileInfo describes one recording in the base directory listing.
type FileInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Listing is the response shape for the recordings listing.
type Listing struct {
	Dir   string     `json:"dir"`
	Files []FileInfo `json:"files"`
}

// JobRecord summarises a finished job for the audit log and event stream.
type JobRecord struct {
	JobID        string    `json:"job_id"`
	Files        []string  `json:"files"`
	State        JobState  `json:"state"`
	ErrorText    string    `json:"error_text,omitempty"`
	Recovered    []string  `json:"recovered,omitempty"`
	ArchiveName  string    `json:"archive_name,omitempty"`
	ArchiveBytes int64     `json:"archive_bytes,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	ArchiveURI   string    `json:"archive_uri,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Duration reports how long the job ran.
func (r JobRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
