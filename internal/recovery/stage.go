package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Stager copies requested recordings from the base directory into a workspace.
type Stager struct {
	baseDir       string
	maxTotalBytes int64
	logger        *zap.Logger
}

// NewStager constructs a Stager rooted at baseDir. A maxTotalBytes of zero
// disables the selection size limit.
func NewStager(baseDir string, maxTotalBytes int64, logger *zap.Logger) *Stager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{
		baseDir:       baseDir,
		maxTotalBytes: maxTotalBytes,
		logger:        logger,
	}
}

type stageSource struct {
	request string
	path    string
	name    string
	info    fs.FileInfo
}

// Stage resolves every filename, then copies them into ws.InputDir in request
// order. It is all-or-nothing: on failure no staged file is left behind.
func (s *Stager) Stage(ctx context.Context, ws Workspace, filenames []string) ([]StagedFile, error) {
	sources, err := s.resolveAll(filenames)
	if err != nil {
		return nil, err
	}

	staged := make([]StagedFile, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			removeStaged(staged)
			return nil, fmt.Errorf("stage files: %w", err)
		}
		dest := filepath.Join(ws.InputDir, src.name)
		if err := copyPreserving(src.path, dest, src.info); err != nil {
			removeStaged(staged)
			return nil, fmt.Errorf("%w: copy %s: %w", ErrInvalidInput, src.request, err)
		}
		copied, err := os.Stat(dest)
		if err != nil {
			_ = os.Remove(dest)
			removeStaged(staged)
			return nil, fmt.Errorf("%w: stat staged %s: %w", ErrWorkspace, src.name, err)
		}
		staged = append(staged, StagedFile{
			Name:    src.name,
			Source:  src.path,
			Path:    dest,
			Size:    copied.Size(),
			ModTime: copied.ModTime(),
		})
		s.logger.Debug("staged file", zap.String("file", src.name), zap.Int64("bytes", src.info.Size()))
	}
	return staged, nil
}

func (s *Stager) resolveAll(filenames []string) ([]stageSource, error) {
	sources := make([]stageSource, 0, len(filenames))
	seen := make(map[string]string, len(filenames))
	var total int64
	for _, name := range filenames {
		path, err := Resolve(s.baseDir, name)
		if err != nil {
			if errors.Is(err, ErrPathTraversal) {
				return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
			return nil, fmt.Errorf("%w: file not found: %s", ErrInvalidInput, name)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: file not found: %s", ErrInvalidInput, name)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: not a file: %s", ErrInvalidInput, name)
		}
		base := filepath.Base(name)
		if prev, dup := seen[base]; dup {
			return nil, fmt.Errorf("%w: %s and %s share the file name %s", ErrInvalidInput, prev, name, base)
		}
		seen[base] = name
		total += info.Size()
		sources = append(sources, stageSource{request: name, path: path, name: base, info: info})
	}
	if s.maxTotalBytes > 0 && total > s.maxTotalBytes {
		return nil, fmt.Errorf(
			"%w: selection too large (%s > %s)",
			ErrInvalidInput,
			humanize.IBytes(uint64(total)),
			humanize.IBytes(uint64(s.maxTotalBytes)),
		)
	}
	return sources, nil
}

// copyPreserving copies src to dest keeping permission bits and modification time.
func copyPreserving(src, dest string, info fs.FileInfo) error {
	in, err := os.Open(src) // #nosec G304 -- src is resolved inside the trusted base directory.
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("copy contents: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("close destination: %w", err)
	}
	if err := os.Chtimes(dest, info.ModTime(), info.ModTime()); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("preserve modification time: %w", err)
	}
	return nil
}

func removeStaged(staged []StagedFile) {
	for _, f := range staged {
		_ = os.Remove(f.Path)
	}
}
