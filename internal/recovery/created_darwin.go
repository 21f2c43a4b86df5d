//go:build darwin

package recovery

import (
	"io/fs"
	"syscall"
	"time"
)

// createdAt returns the birth time, or the inode change time when the
// filesystem does not record one.
func createdAt(_ string, info fs.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	if st.Birthtimespec.Sec > 0 {
		return time.Unix(st.Birthtimespec.Unix())
	}
	return time.Unix(st.Ctimespec.Unix())
}
