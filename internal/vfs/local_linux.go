//go:build linux

package vfs

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// nofollowFlag closes the symlink-race window between the path jailer's
// canonicalization and the actual open(2): even though the jailer already
// resolved the path, a concurrent rename on the host (see spec.md §5's
// "benign race" note) could swap a symlink in between resolution and open.
// O_NOFOLLOW makes that race fail closed instead of escaping the root.
const nofollowFlag = unix.O_NOFOLLOW

func fillPlatformTimes(info *FileInfo, fi os.FileInfo) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	info.ChangeTime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	info.AccessTime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
}
