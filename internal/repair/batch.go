package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
	"github.com/JakeFAU/mcap-recovery/internal/telemetry"
)

// BatchOptions configures the single-invocation recoverer.
type BatchOptions struct {
	Process ProcessConfig
	// Extension selects which files in the output area count as recovered.
	Extension string
	// OutputArea is AreaInput (default, tools that repair in place) or AreaOutput.
	OutputArea string
}

// Batch runs the tool once over the whole input directory.
type Batch struct {
	opts   BatchOptions
	runner Runner
	logger *zap.Logger
}

var _ recovery.Recoverer = (*Batch)(nil)

// NewBatch validates opts and returns a Batch recoverer.
func NewBatch(opts BatchOptions, runner Runner, logger *zap.Logger) (*Batch, error) {
	if err := validateProcess(opts.Process); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	switch opts.OutputArea {
	case "":
		opts.OutputArea = AreaInput
	case AreaInput, AreaOutput:
	default:
		return nil, fmt.Errorf("unknown output area %q", opts.OutputArea)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{opts: opts, runner: runner, logger: logger}, nil
}

// NeedsOutputDir reports whether outputs land outside input/.
func (b *Batch) NeedsOutputDir() bool { return b.opts.OutputArea == AreaOutput }

// Recover runs the tool and collects every non-empty file with the
// configured extension from the output area, sorted by name. Inputs the tool
// did not rewrite in place do not count as recovered.
func (b *Batch) Recover(ctx context.Context, ws recovery.Workspace, staged []recovery.StagedFile) ([]recovery.RecoveredFile, error) {
	scanDir := ws.InputDir
	if b.opts.OutputArea == AreaOutput {
		scanDir = ws.OutputDir
	}
	if scanDir == "" {
		return nil, fmt.Errorf("%w: workspace has no %s area", recovery.ErrWorkspace, b.opts.OutputArea)
	}

	inv := b.opts.Process.invocation(ws, map[string]string{
		PlaceholderInputDir:  ws.InputDir,
		PlaceholderOutputDir: scanDir,
	})
	b.logger.Debug("running repair tool",
		zap.String("binary", inv.Name),
		zap.Strings("args", inv.Args),
		zap.Int("files", len(staged)),
	)
	res, err := b.runner.Run(ctx, inv)
	telemetry.ObserveToolRun(ModeBatch, outcomeLabel(res, err), res.Duration)
	if err != nil {
		return nil, toolError("", res, err)
	}

	var untouched map[string]recovery.StagedFile
	if b.opts.OutputArea == AreaInput {
		untouched = make(map[string]recovery.StagedFile, len(staged))
		for _, f := range staged {
			untouched[f.Name] = f
		}
	}
	recovered, err := b.collect(scanDir, untouched)
	if err != nil {
		return nil, err
	}
	if len(recovered) == 0 {
		return nil, recovery.ErrNoOutput
	}
	b.logger.Info("batch recovery finished", zap.Int("recovered", len(recovered)), zap.Duration("took", res.Duration))
	return recovered, nil
}

// collect lists recovered files in dir. Entries matching a staged input with
// identical size and modification time were never rewritten by the tool and
// are left out.
func (b *Batch) collect(dir string, staged map[string]recovery.StagedFile) ([]recovery.RecoveredFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %w", recovery.ErrRecovery, dir, err)
	}
	var out []recovery.RecoveredFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), b.opts.Extension) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() == 0 {
			telemetry.ObserveFile("empty")
			continue
		}
		in, wasStaged := staged[entry.Name()]
		if wasStaged && in.Size == info.Size() && in.ModTime.Equal(info.ModTime()) {
			b.logger.Warn("repair tool left input untouched", zap.String("file", entry.Name()))
			telemetry.ObserveFile("unchanged")
			continue
		}
		telemetry.ObserveFile("recovered")
		rf := recovery.RecoveredFile{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
			Size: info.Size(),
		}
		if wasStaged {
			rf.Source = in.Name
		}
		out = append(out, rf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
