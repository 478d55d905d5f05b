//go:build linux

package vfs

import (
	"os"

	"golang.org/x/sys/unix"
)

func syncFile(f *os.File, flags SyncFlags) error {
	if flags&SyncDataOnly != 0 {
		return unix.Fdatasync(int(f.Fd()))
	}
	return f.Sync()
}
