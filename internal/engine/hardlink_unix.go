//go:build !windows

package engine

import (
	"os"
	"syscall"
)

// inodeOf returns the inode behind info so hard links can be detected.
func inodeOf(info os.FileInfo) (uint64, bool) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino), true
	}
	return 0, false
}
