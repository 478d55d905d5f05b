//go:build !linux

package vfs

import "os"

func syncFile(f *os.File, flags SyncFlags) error {
	return f.Sync()
}
