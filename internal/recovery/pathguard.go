package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Resolve joins rel onto baseDir and returns the canonical absolute path.
// Symlinks are followed for every component that exists; missing trailing
// components are resolved lexically. ".." segments in rel are cleaned before
// any symlink is followed, so "linkdir/../a.mcap" names baseDir/a.mcap even
// when linkdir points elsewhere. The result must be baseDir itself or lie
// beneath it, otherwise ErrPathTraversal is returned.
func Resolve(baseDir, rel string) (string, error) {
	base, err := canonical(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base directory: %w", err)
	}

	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, rel)
	}
	resolved, err := canonical(target)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rel, err)
	}

	if !within(base, resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return resolved, nil
}

func within(base, target string) bool {
	if target == base {
		return true
	}
	relPath, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return relPath != ".." && !strings.HasPrefix(relPath, ".."+string(filepath.Separator))
}

// canonical makes path absolute and evaluates symlinks on its longest
// existing prefix.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	existing := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("eval symlinks: %w", err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}
