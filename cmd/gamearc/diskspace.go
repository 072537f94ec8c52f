package main

import (
	"log"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// warnIfLowDiskSpace statfs's the directory that will receive path and logs
// a warning when free space looks tight, before the repack starts writing.
func warnIfLowDiskSpace(path string, minFreeBytes uint64) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
		return
	}
	free := st.Bavail * uint64(st.Bsize)
	if free < minFreeBytes {
		log.Printf("warning: only %d bytes free at %s, repack may run out of space", free, filepath.Dir(path))
	}
}
