//go:build !linux && !darwin

package recovery

import (
	"io/fs"
	"time"
)

// createdAt falls back to the modification time where neither birth nor
// change time is exposed portably.
func createdAt(_ string, info fs.FileInfo) time.Time {
	return info.ModTime()
}
