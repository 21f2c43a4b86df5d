package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrBaseDirMissing is returned when the recordings directory does not exist.
var ErrBaseDirMissing = errors.New("recordings directory does not exist")

// ListRecordings returns the regular files in baseDir whose name ends in ext,
// sorted by name.
func ListRecordings(baseDir, ext string) (Listing, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return Listing{}, fmt.Errorf("resolve %s: %w", baseDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return Listing{}, fmt.Errorf("%w: Directory %s does not exist", ErrBaseDirMissing, abs)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return Listing{}, fmt.Errorf("read %s: %w", abs, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		path := filepath.Join(abs, entry.Name())
		fi, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Listing{}, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, FileInfo{
			Name:       entry.Name(),
			Size:       fi.Size(),
			CreatedAt:  createdAt(path, fi),
			ModifiedAt: fi.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return Listing{Dir: abs, Files: files}, nil
}
