package recovery

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/mcap-recovery/internal/clock/system"
	"github.com/JakeFAU/mcap-recovery/internal/telemetry"
)

const hookTimeout = 2 * time.Minute

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config controls orchestrator limits and post-job hooks.
type Config struct {
	MaxFiles     int
	Topic        string
	ExportPrefix string
}

// Outcome is what a finished job hands back to its caller.
type Outcome struct {
	Job       Job
	Recovered []RecoveredFile
	Archive   ArchiveResult
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithBlobStore exports every successful archive to store.
func WithBlobStore(store BlobStore) Option {
	return func(o *Orchestrator) { o.blobs = store }
}

// WithPublisher announces every finished job.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithAuditStore records every finished job.
func WithAuditStore(store AuditStore) Option {
	return func(o *Orchestrator) { o.audit = store }
}

// WithClock overrides the job clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// Orchestrator sequences validation, staging, recovery and archiving for one
// job at a time per call. It is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	ids        IDGenerator
	workspaces WorkspaceManager
	stager     *Stager
	recoverer  Recoverer
	archiver   Archiver
	clock      Clock
	blobs      BlobStore
	publisher  Publisher
	audit      AuditStore
	logger     *zap.Logger

	// mu orders run registration against Wait.
	mu    sync.Mutex
	runs  sync.WaitGroup
	hooks sync.WaitGroup
}

// NewOrchestrator wires the job pipeline.
func NewOrchestrator(
	cfg Config,
	ids IDGenerator,
	workspaces WorkspaceManager,
	stager *Stager,
	recoverer Recoverer,
	archiver Archiver,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:        cfg,
		ids:        ids,
		workspaces: workspaces,
		stager:     stager,
		recoverer:  recoverer,
		archiver:   archiver,
		clock:      system.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate rejects malformed requests before any resource is allocated.
func (o *Orchestrator) Validate(req JobRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: Expected { files: string[] }", ErrBadRequest)
	}
	if o.cfg.MaxFiles > 0 && len(req.Files) > o.cfg.MaxFiles {
		return fmt.Errorf("%w: Too many files selected (max %d)", ErrBadRequest, o.cfg.MaxFiles)
	}
	return nil
}

// Run executes one job to completion. The workspace is destroyed before Run
// returns on every path, including panics. Cancelling ctx terminates the
// repair tool and fails the job.
func (o *Orchestrator) Run(ctx context.Context, req JobRequest) (out Outcome, err error) {
	o.mu.Lock()
	o.runs.Add(1)
	o.mu.Unlock()
	defer o.runs.Done()

	out.Job = Job{State: StateValidating, Files: req.Files, StartedAt: o.clock.Now()}
	id, err := o.ids.NewID()
	if err != nil {
		out.Job.State = StateFailed
		return out, fmt.Errorf("%w: generate job id: %w", ErrWorkspace, err)
	}
	out.Job.ID = id
	logger := o.logger.With(zap.String("job_id", id))

	telemetry.IncActiveJobs()
	defer telemetry.DecActiveJobs()
	defer func() { o.finish(&out, err, logger, recover()) }()

	logger.Info("job received", zap.Int("files", len(req.Files)))
	if err = o.Validate(req); err != nil {
		return out, err
	}

	o.transition(&out.Job, StateStaging, logger)
	ws, err := o.workspaces.Create(ctx, id)
	if err != nil {
		return out, err
	}
	defer o.workspaces.Destroy(ws)

	staged, err := o.stager.Stage(ctx, ws, req.Files)
	if err != nil {
		return out, err
	}

	o.transition(&out.Job, StateRecovering, logger)
	out.Recovered, err = o.recoverer.Recover(ctx, ws, staged)
	if err != nil {
		return out, err
	}

	o.transition(&out.Job, StateArchiving, logger)
	out.Archive, err = o.archiver.Archive(ctx, ws.Root, out.Recovered)
	if err != nil {
		return out, err
	}
	return out, nil
}

// Wait blocks until in-flight jobs and their post-job hooks have finished.
// Runs started while Wait is blocked are held until it returns.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs.Wait()
	o.hooks.Wait()
}

func (o *Orchestrator) transition(job *Job, next JobState, logger *zap.Logger) {
	logger.Debug("job state change", zap.String("from", string(job.State)), zap.String("to", string(next)))
	job.State = next
}

func (o *Orchestrator) finish(out *Outcome, err error, logger *zap.Logger, rec any) {
	if rec != nil {
		logger.Error("job panicked", zap.Any("panic", rec), zap.String("failed_in", string(out.Job.State)))
		out.Job.State = StateFailed
		telemetry.ObserveJob(string(StateFailed), o.clock.Now().Sub(out.Job.StartedAt))
		panic(rec)
	}

	failedIn := out.Job.State
	if err != nil {
		out.Job.State = StateFailed
	} else {
		out.Job.State = StateDone
	}
	finished := o.clock.Now()
	telemetry.ObserveJob(string(out.Job.State), finished.Sub(out.Job.StartedAt))

	record := JobRecord{
		JobID:      out.Job.ID,
		Files:      out.Job.Files,
		State:      out.Job.State,
		StartedAt:  out.Job.StartedAt,
		FinishedAt: finished,
	}
	if err != nil {
		record.ErrorText = err.Error()
		fields := []zap.Field{zap.String("failed_in", string(failedIn)), zap.Error(err)}
		if IsClientError(err) {
			logger.Warn("job rejected", fields...)
		} else {
			logger.Error("job failed", fields...)
		}
	} else {
		for _, f := range out.Recovered {
			record.Recovered = append(record.Recovered, f.Name)
		}
		record.ArchiveName = out.Archive.Name
		record.ArchiveBytes = out.Archive.Size
		record.Checksum = out.Archive.Checksum
		telemetry.ObserveArchive(out.Archive.Size)
		logger.Info("job finished",
			zap.Int("recovered", len(out.Recovered)),
			zap.String("archive", out.Archive.Name),
			zap.Int64("archive_bytes", out.Archive.Size),
			zap.Duration("duration", record.Duration()),
		)
	}

	if out.Job.ID == "" || (o.blobs == nil && o.publisher == nil && o.audit == nil) {
		return
	}
	var data []byte
	if err == nil {
		data = out.Archive.Data
	}
	o.hooks.Add(1)
	go func() {
		defer o.hooks.Done()
		o.runHooks(record, data, logger)
	}()
}

// runHooks performs best-effort post-job side effects. Failures are logged only.
func (o *Orchestrator) runHooks(record JobRecord, data []byte, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	if o.blobs != nil && data != nil {
		key := path.Join(o.cfg.ExportPrefix, record.JobID, record.ArchiveName)
		uri, err := o.blobs.PutObject(ctx, key, "application/zip", bytes.NewReader(data))
		if err != nil {
			logger.Warn("archive export failed", zap.String("key", key), zap.Error(err))
		} else {
			record.ArchiveURI = uri
			logger.Info("archive exported", zap.String("uri", uri))
		}
	}
	if o.publisher != nil {
		if _, err := o.publisher.Publish(ctx, o.cfg.Topic, record); err != nil {
			logger.Warn("job event publish failed", zap.Error(err))
		}
	}
	if o.audit != nil {
		if err := o.audit.RecordJob(ctx, record); err != nil {
			logger.Warn("audit record failed", zap.Error(err))
		}
	}
}
