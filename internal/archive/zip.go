// Package archive packages recovered recordings into a downloadable zip.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mcap-recovery/internal/clock/system"
	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

// TimestampLayout is the archive name timestamp, second precision.
const TimestampLayout = "2006-01-02-15-04-05"

// ZipArchiver writes recovered files into recovered_<timestamp>.zip.
type ZipArchiver struct {
	clock  recovery.Clock
	hasher recovery.Hasher
	logger *zap.Logger
}

var _ recovery.Archiver = (*ZipArchiver)(nil)

// New returns a ZipArchiver. A nil clock uses the system clock; a nil hasher
// leaves the checksum empty.
func New(clock recovery.Clock, hasher recovery.Hasher, logger *zap.Logger) *ZipArchiver {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZipArchiver{clock: clock, hasher: hasher, logger: logger}
}

// Name returns the archive file name for t.
func Name(t time.Time) string {
	return "recovered_" + t.UTC().Format(TimestampLayout) + ".zip"
}

// Archive deflates files, in order and under their base names, into dir and
// returns the archive bytes.
func (a *ZipArchiver) Archive(ctx context.Context, dir string, files []recovery.RecoveredFile) (recovery.ArchiveResult, error) {
	if len(files) == 0 {
		return recovery.ArchiveResult{}, fmt.Errorf("%w: nothing to archive", recovery.ErrArchive)
	}
	name := Name(a.clock.Now())
	path := filepath.Join(dir, name)

	members, err := a.write(ctx, path, files)
	if err != nil {
		_ = os.Remove(path)
		return recovery.ArchiveResult{}, fmt.Errorf("%w: %w", recovery.ErrArchive, err)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is inside the job workspace.
	if err != nil {
		return recovery.ArchiveResult{}, fmt.Errorf("%w: read archive: %w", recovery.ErrArchive, err)
	}
	result := recovery.ArchiveResult{
		Name:    name,
		Path:    path,
		Data:    data,
		Size:    int64(len(data)),
		Members: members,
	}
	if a.hasher != nil {
		sum, err := a.hasher.Hash(data)
		if err != nil {
			return recovery.ArchiveResult{}, fmt.Errorf("%w: checksum: %w", recovery.ErrArchive, err)
		}
		result.Checksum = sum
	}
	a.logger.Debug("archive written",
		zap.String("archive", name),
		zap.Int("members", len(members)),
		zap.Int64("bytes", result.Size),
	)
	return result, nil
}

func (a *ZipArchiver) write(ctx context.Context, path string, files []recovery.RecoveredFile) (members []string, err error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}()

	zw := zip.NewWriter(out)
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		member := filepath.Base(f.Name)
		if _, dup := seen[member]; dup {
			return nil, fmt.Errorf("duplicate archive member %s", member)
		}
		seen[member] = struct{}{}
		if err := addFile(zw, member, f.Path); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return members, nil
}

func addFile(zw *zip.Writer, member, src string) error {
	in, err := os.Open(src) // #nosec G304 -- src is a recovered file inside the job workspace.
	if err != nil {
		return fmt.Errorf("open %s: %w", member, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", member, err)
	}
	if !info.Mode().IsRegular() {
		return errors.New(member + " is not a regular file")
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header for %s: %w", member, err)
	}
	header.Name = member
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", member, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %s: %w", member, err)
	}
	return nil
}
