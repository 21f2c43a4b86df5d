package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
	"github.com/JakeFAU/mcap-recovery/internal/telemetry"
)

// PerFileOptions configures the one-invocation-per-file recoverer.
type PerFileOptions struct {
	Process ProcessConfig
	// Suffix is inserted between stem and extension, "-rec" by default.
	Suffix string
	// Extension is used when the staged name has none.
	Extension string
	// Parallelism bounds concurrent invocations; values below 1 mean 1.
	Parallelism int
	// FailurePolicy is PolicyAbort (default) or PolicySkip.
	FailurePolicy string
}

// PerFile runs the tool once for every staged file.
type PerFile struct {
	opts   PerFileOptions
	runner Runner
	logger *zap.Logger
}

var _ recovery.Recoverer = (*PerFile)(nil)

// NewPerFile validates opts and returns a PerFile recoverer.
func NewPerFile(opts PerFileOptions, runner Runner, logger *zap.Logger) (*PerFile, error) {
	if err := validateProcess(opts.Process); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Suffix == "" {
		opts.Suffix = "-rec"
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	switch opts.FailurePolicy {
	case "":
		opts.FailurePolicy = PolicyAbort
	case PolicyAbort, PolicySkip:
	default:
		return nil, fmt.Errorf("unknown failure policy %q", opts.FailurePolicy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PerFile{opts: opts, runner: runner, logger: logger}, nil
}

// NeedsOutputDir is always true: outputs must not collide with inputs.
func (p *PerFile) NeedsOutputDir() bool { return true }

type fileResult struct {
	file recovery.RecoveredFile
	ok   bool
	err  error
}

// Recover repairs every staged file. With the abort policy the first failure
// cancels outstanding work and the lowest-index failure is returned.
func (p *PerFile) Recover(ctx context.Context, ws recovery.Workspace, staged []recovery.StagedFile) ([]recovery.RecoveredFile, error) {
	outDir := ws.OutputDir
	if outDir == "" {
		return nil, fmt.Errorf("%w: workspace has no output area", recovery.ErrWorkspace)
	}

	results := make([]fileResult, len(staged))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for i, f := range staged {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = fileResult{err: fmt.Errorf("%w: %s not attempted: %w", recovery.ErrRecovery, f.Name, err)}
				return nil
			}
			rf, ok, err := p.recoverOne(gctx, ws, outDir, f)
			results[i] = fileResult{file: rf, ok: ok, err: err}
			if err != nil && p.opts.FailurePolicy == PolicyAbort {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.opts.FailurePolicy == PolicyAbort {
		if err := firstFailure(results); err != nil {
			return nil, err
		}
	}

	recovered := make([]recovery.RecoveredFile, 0, len(staged))
	for i, r := range results {
		if r.err != nil {
			p.logger.Warn("skipping file that failed recovery", zap.String("file", staged[i].Name), zap.Error(r.err))
			continue
		}
		if r.ok {
			recovered = append(recovered, r.file)
		}
	}
	if len(recovered) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", recovery.ErrRecovery, err)
		}
		return nil, recovery.ErrNoOutput
	}
	return recovered, nil
}

// firstFailure picks the lowest-index failure that was not caused by a
// sibling cancelling the group, falling back to any failure at all.
func firstFailure(results []fileResult) error {
	var fallback error
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if !errors.Is(r.err, context.Canceled) {
			return r.err
		}
		if fallback == nil {
			fallback = r.err
		}
	}
	return fallback
}

func (p *PerFile) recoverOne(ctx context.Context, ws recovery.Workspace, outDir string, f recovery.StagedFile) (recovery.RecoveredFile, bool, error) {
	name := OutputName(f.Name, p.opts.Suffix, p.opts.Extension)
	out := filepath.Join(outDir, name)
	inv := p.opts.Process.invocation(ws, map[string]string{
		PlaceholderInput:     f.Path,
		PlaceholderOutput:    out,
		PlaceholderInputDir:  ws.InputDir,
		PlaceholderOutputDir: outDir,
	})

	logger := p.logger.With(zap.String("file", f.Name))
	logger.Debug("running repair tool", zap.String("binary", inv.Name), zap.Strings("args", inv.Args))
	res, err := p.runner.Run(ctx, inv)
	telemetry.ObserveToolRun(ModePerFile, outcomeLabel(res, err), res.Duration)
	if err != nil {
		telemetry.ObserveFile("failed")
		return recovery.RecoveredFile{}, false, toolError(f.Name, res, err)
	}

	info, err := os.Stat(out)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		telemetry.ObserveFile("empty")
		logger.Warn("repair tool produced no output", zap.String("output", name))
		return recovery.RecoveredFile{}, false, nil
	}
	telemetry.ObserveFile("recovered")
	logger.Info("file recovered",
		zap.String("output", name),
		zap.Int64("bytes", info.Size()),
		zap.Duration("took", res.Duration.Round(time.Millisecond)),
	)
	return recovery.RecoveredFile{Name: name, Path: out, Size: info.Size(), Source: f.Name}, true, nil
}
