// Package server builds the application's dependencies from configuration and
// runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/mcap-recovery/internal/api"
	"github.com/JakeFAU/mcap-recovery/internal/archive"
	"github.com/JakeFAU/mcap-recovery/internal/clock/system"
	"github.com/JakeFAU/mcap-recovery/internal/config"
	"github.com/JakeFAU/mcap-recovery/internal/hash/blake3"
	"github.com/JakeFAU/mcap-recovery/internal/id/uuid"
	"github.com/JakeFAU/mcap-recovery/internal/policy/ratelimit"
	logpublisher "github.com/JakeFAU/mcap-recovery/internal/publisher/log"
	gcppublisher "github.com/JakeFAU/mcap-recovery/internal/publisher/pubsub"
	"github.com/JakeFAU/mcap-recovery/internal/recovery"
	"github.com/JakeFAU/mcap-recovery/internal/repair"
	gcsstorage "github.com/JakeFAU/mcap-recovery/internal/storage/gcs"
	localstorage "github.com/JakeFAU/mcap-recovery/internal/storage/local"
	pgstore "github.com/JakeFAU/mcap-recovery/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/mcap-recovery/internal/storage/sqlite"
	"github.com/JakeFAU/mcap-recovery/internal/workspace"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	orchestrator *recovery.Orchestrator
	workspaces   *workspace.FSManager
	apiServer    *api.Server
	gcs          *gcsstorage.BlobStore
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	audit        recovery.AuditStore
}

// Build creates the application's dependencies. Close must be called to
// release external clients even when Run is never invoked.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("base_dir", cfg.Recordings.BaseDir),
		zap.String("mode", cfg.Recovery.Mode),
		zap.String("export", cfg.Export.Backend),
		zap.String("audit", cfg.Audit.Backend),
	)

	recoverer, err := newRecoverer(cfg, logger)
	if err != nil {
		return nil, err
	}

	app.workspaces, err = workspace.NewFSManager(workspace.Options{
		Root:       cfg.Workspace.Root,
		Prefix:     cfg.Workspace.Prefix,
		WithOutput: recoverer.NeedsOutputDir(),
		Logger:     logger.Named("workspace"),
	})
	if err != nil {
		return nil, fmt.Errorf("workspace manager init failed: %w", err)
	}

	opts := []recovery.Option{}
	blobs, err := app.setupExport(ctx)
	if err != nil {
		return nil, err
	}
	if blobs != nil {
		opts = append(opts, recovery.WithBlobStore(blobs))
	}

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts, recovery.WithPublisher(publisher))

	if err = app.setupAudit(ctx); err != nil {
		return nil, err
	}
	if app.audit != nil {
		opts = append(opts, recovery.WithAuditStore(app.audit))
	}

	clock := system.New()
	app.orchestrator = recovery.NewOrchestrator(
		recovery.Config{
			MaxFiles:     cfg.Limits.MaxFiles,
			Topic:        cfg.PubSub.TopicName,
			ExportPrefix: cfg.Export.Prefix,
		},
		uuid.New(),
		app.workspaces,
		recovery.NewStager(cfg.Recordings.BaseDir, cfg.Limits.MaxTotalBytes, logger.Named("stager")),
		recoverer,
		archive.New(clock, blake3.New(), logger.Named("archive")),
		logger.Named("orchestrator"),
		append(opts, recovery.WithClock(clock))...,
	)

	app.apiServer = api.NewServer(api.Config{
		BaseDir:   cfg.Recordings.BaseDir,
		Extension: cfg.Recordings.Extension,
		Limiter: ratelimit.New(ratelimit.Config{
			JobsPerSecond: cfg.Limits.JobsPerSecond,
			Burst:         cfg.Limits.JobBurst,
		}),
	}, app.orchestrator, logger.Named("api"))

	built = true
	return app, nil
}

// Orchestrator returns the job pipeline.
func (a *App) Orchestrator() *recovery.Orchestrator { return a.orchestrator }

// Workspaces returns the workspace manager.
func (a *App) Workspaces() *workspace.FSManager { return a.workspaces }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run listens on the configured port and serves until ctx is cancelled or the
// process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln and shuts down gracefully when ctx ends.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Workspace.SweepOnStart {
		if _, err := a.workspaces.Sweep(ctx, a.cfg.Workspace.StaleAfter); err != nil {
			a.logger.Warn("startup workspace sweep failed", zap.Error(err))
		}
	}

	// Requests derive from jobCtx rather than ctx so in-flight jobs get the
	// shutdown grace period before their tools are interrupted.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return jobCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancelJobs()
	a.logger.Info("waiting for in-flight jobs")

	a.Close()
	return runErr
}

// Close waits for in-flight jobs and their post-job hooks, then releases
// external clients.
func (a *App) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Wait()
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Stop()
		a.publisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit store close failed", zap.Error(err))
		}
		a.audit = nil
	}
}

func newRecoverer(cfg *config.Config, logger *zap.Logger) (recovery.Recoverer, error) {
	env, err := cfg.Recovery.EnvOverrides()
	if err != nil {
		return nil, err
	}
	process := repair.ProcessConfig{
		Binary:  cfg.Recovery.ToolBinary(),
		Args:    cfg.Recovery.ToolArgs(),
		Env:     env,
		Timeout: cfg.Recovery.Timeout,
	}
	runner := repair.NewExecRunner(cfg.Recovery.KillGrace, cfg.Recovery.MaxStderrBytes, logger.Named("runner"))

	var rec recovery.Recoverer
	switch cfg.Recovery.Mode {
	case config.ModeBatch:
		rec, err = repair.NewBatch(repair.BatchOptions{
			Process:    process,
			Extension:  cfg.Recordings.Extension,
			OutputArea: cfg.Recovery.OutputArea,
		}, runner, logger.Named("batch"))
	default:
		rec, err = repair.NewPerFile(repair.PerFileOptions{
			Process:       process,
			Suffix:        cfg.Recovery.OutputSuffix,
			Extension:     cfg.Recordings.Extension,
			Parallelism:   cfg.Recovery.Parallelism,
			FailurePolicy: cfg.Recovery.FailurePolicy,
		}, runner, logger.Named("perfile"))
	}
	if err != nil {
		return nil, fmt.Errorf("recoverer init failed: %w", err)
	}
	logger.Info("repair tool configured",
		zap.String("mode", cfg.Recovery.Mode),
		zap.String("binary", process.Binary),
		zap.Strings("args", process.Args),
	)
	return rec, nil
}

func (a *App) setupExport(ctx context.Context) (recovery.BlobStore, error) {
	switch a.cfg.Export.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Export.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs export init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS archive export", zap.String("bucket", a.cfg.Export.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local export init failed: %w", err)
		}
		a.logger.Info("using local archive export", zap.String("path", a.cfg.Export.Local.BaseDir))
		return store, nil
	default:
		a.logger.Debug("archive export disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (recovery.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, logging job events")
		return logpublisher.New(a.logger.Named("events")), nil
	}
	publisher, client, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, err
	}
	a.publisher, a.pubsubClient = publisher, client
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupAudit(ctx context.Context) error {
	var err error
	switch a.cfg.Audit.Backend {
	case config.BackendSQLite:
		a.audit, err = sqlitestore.Open(ctx, a.cfg.Audit.DSN, a.cfg.Audit.Table)
	case config.BackendPostgres:
		a.audit, err = pgstore.NewJobStore(ctx, pgstore.Config{DSN: a.cfg.Audit.DSN, Table: a.cfg.Audit.Table})
	default:
		a.logger.Debug("job audit log disabled")
		return nil
	}
	if err != nil {
		a.audit = nil
		return fmt.Errorf("%s audit store init failed: %w", a.cfg.Audit.Backend, err)
	}
	a.logger.Info("job audit log initialized", zap.String("backend", a.cfg.Audit.Backend), zap.String("table", a.cfg.Audit.Table))
	return nil
}
