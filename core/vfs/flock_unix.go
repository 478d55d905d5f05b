//go:build unix

package vfs

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
)

// fcntlLocker takes POSIX advisory locks so that other processes using the
// same byte layout see this process's lock level.
type fcntlLocker struct {
	fd uintptr
}

func newRangeLocker(f *os.File) rangeLocker {
	return fcntlLocker{fd: f.Fd()}
}

func (l fcntlLocker) set(typ int16, start, length int64) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	err := unix.FcntlFlock(l.fd, unix.F_SETLK, &lk)
	switch err {
	case nil:
		return nil
	case unix.EAGAIN, unix.EACCES:
		return pcerrors.ErrBusy
	}
	return err
}

func (l fcntlLocker) rdlock(start, length int64) error {
	return l.set(unix.F_RDLCK, start, length)
}

func (l fcntlLocker) wrlock(start, length int64) error {
	return l.set(unix.F_WRLCK, start, length)
}

func (l fcntlLocker) unlock(start, length int64) error {
	return l.set(unix.F_UNLCK, start, length)
}

func (l fcntlLocker) writeLocked(start, length int64) (bool, error) {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	if err := unix.FcntlFlock(l.fd, unix.F_GETLK, &lk); err != nil {
		return false, err
	}
	return lk.Type != unix.F_UNLCK, nil
}
