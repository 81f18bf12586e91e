package vaultsync

import (
	"io/fs"
	"syscall"

	"github.com/develata/notevault/pkg/ids"
)

// inodeOf extracts the dev/inode pair backing info from
// *syscall.Stat_t off os.FileInfo.Sys() (Unix only; the zero InodeID on
// platforms without it just disables rename-by-inode detection, not
// correctness; path-based fallback still applies).
func inodeOf(info fs.FileInfo) (ids.InodeID, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ids.InodeID{}, false
	}
	return ids.InodeIDFromDevIno(uint64(stat.Dev), stat.Ino), true
}
