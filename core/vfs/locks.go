package vfs

import (
	"io"
	"sync"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
)

// Byte offsets of the advisory lock bytes. The page holding PendingByte is
// never used for data.
const (
	PendingByte  = 0x40000000
	ReservedByte = PendingByte + 1
	SharedFirst  = PendingByte + 2
	SharedSize   = 510
)

// rangeLocker applies process-level byte-range locks to a real file
// descriptor. The memory file system has none.
type rangeLocker interface {
	rdlock(start, length int64) error
	wrlock(start, length int64) error
	unlock(start, length int64) error
	writeLocked(start, length int64) (bool, error)
}

// inode is the lock state of one file shared by every handle in the process.
type inode struct {
	key  string
	refs int

	shared    int
	reserved  *lockHandle
	pending   *lockHandle
	exclusive *lockHandle

	os       rangeLocker
	deferred []io.Closer
}

type lockTable struct {
	mu     sync.Mutex
	inodes map[string]*inode
}

func newLockTable() *lockTable {
	return &lockTable{inodes: make(map[string]*inode)}
}

// lockHandle is one file handle's view of an inode.
type lockHandle struct {
	tbl   *lockTable
	ino   *inode
	level LockLevel
}

func (t *lockTable) attach(key string, os rangeLocker) *lockHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	ino := t.inodes[key]
	if ino == nil {
		ino = &inode{key: key, os: os}
		t.inodes[key] = ino
	}
	ino.refs++
	return &lockHandle{tbl: t, ino: ino}
}

// detach drops the handle. Closing a descriptor releases every POSIX lock
// the process holds on the file, so fd is kept open until the last handle
// on the inode goes away.
func (h *lockHandle) detach(fd io.Closer) error {
	if err := h.unlock(LockNone); err != nil {
		return err
	}
	t := h.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	ino := h.ino
	if fd != nil {
		ino.deferred = append(ino.deferred, fd)
	}
	ino.refs--
	if ino.refs > 0 {
		return nil
	}
	delete(t.inodes, ino.key)
	var first error
	for _, c := range ino.deferred {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	ino.deferred = nil
	return first
}

func busy() error { return pcerrors.ErrBusy }

func (h *lockHandle) lockError(err error) error {
	if pcerrors.Is(err, pcerrors.ErrBusy) {
		return err
	}
	return pcerrors.NewIO(pcerrors.IOLock, h.ino.key, err)
}

func (h *lockHandle) lock(level LockLevel) error {
	t := h.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	ino := h.ino

	if h.level >= level {
		return nil
	}

	switch level {
	case LockShared:
		if ino.pending != nil || ino.exclusive != nil {
			return busy()
		}
		if ino.shared == 0 && ino.os != nil {
			if err := ino.os.rdlock(PendingByte, 1); err != nil {
				return h.lockError(err)
			}
			err := ino.os.rdlock(SharedFirst, SharedSize)
			if uerr := ino.os.unlock(PendingByte, 1); uerr != nil && err == nil {
				err = uerr
			}
			if err != nil {
				return h.lockError(err)
			}
		}
		ino.shared++
		h.level = LockShared
		return nil

	case LockReserved:
		if h.level != LockShared {
			return pcerrors.ErrMisuse
		}
		if ino.reserved != nil {
			return busy()
		}
		if ino.os != nil {
			if err := ino.os.wrlock(ReservedByte, 1); err != nil {
				return h.lockError(err)
			}
		}
		ino.reserved = h
		h.level = LockReserved
		return nil

	case LockExclusive:
		if h.level < LockShared {
			return pcerrors.ErrMisuse
		}
		if ino.pending != h {
			if ino.pending != nil || (ino.reserved != nil && ino.reserved != h) {
				return busy()
			}
			if ino.os != nil {
				if err := ino.os.wrlock(PendingByte, 1); err != nil {
					return h.lockError(err)
				}
			}
			ino.pending = h
			h.level = LockPending
		}
		if ino.shared > 1 {
			return busy()
		}
		if ino.os != nil {
			if err := ino.os.wrlock(SharedFirst, SharedSize); err != nil {
				return h.lockError(err)
			}
		}
		ino.exclusive = h
		h.level = LockExclusive
		return nil
	}
	return pcerrors.ErrMisuse
}

func (h *lockHandle) unlock(level LockLevel) error {
	if level > LockShared {
		return pcerrors.ErrMisuse
	}
	t := h.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	ino := h.ino

	if h.level <= level {
		return nil
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = pcerrors.NewIO(pcerrors.IOUnlock, ino.key, err)
		}
	}

	if h.level > LockShared {
		if ino.exclusive == h {
			ino.exclusive = nil
			if ino.os != nil {
				keep(ino.os.rdlock(SharedFirst, SharedSize))
			}
		}
		if ino.pending == h {
			ino.pending = nil
			if ino.os != nil {
				keep(ino.os.unlock(PendingByte, 1))
			}
		}
		if ino.reserved == h {
			ino.reserved = nil
			if ino.os != nil {
				keep(ino.os.unlock(ReservedByte, 1))
			}
		}
		h.level = LockShared
	}

	if level == LockNone {
		ino.shared--
		if ino.shared == 0 && ino.os != nil {
			keep(ino.os.unlock(PendingByte, 2+SharedSize))
		}
		h.level = LockNone
	}
	return first
}

func (h *lockHandle) checkReserved() (bool, error) {
	t := h.tbl
	t.mu.Lock()
	defer t.mu.Unlock()
	ino := h.ino
	if ino.reserved != nil || ino.pending != nil || ino.exclusive != nil {
		return true, nil
	}
	if ino.os == nil {
		return false, nil
	}
	held, err := ino.os.writeLocked(ReservedByte, 1)
	if err != nil {
		return false, pcerrors.NewIO(pcerrors.IOLock, ino.key, err)
	}
	return held, nil
}
