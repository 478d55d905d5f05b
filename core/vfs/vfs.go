// Package vfs defines the file and lock primitives the pager is built on,
// together with an operating-system implementation and an in-memory one.
//
// Files are byte-addressed. Reads past end-of-file zero-fill the remainder
// of the buffer and report io.EOF. Locks follow a five-level ladder:
//
//	NONE -> SHARED -> RESERVED -> PENDING -> EXCLUSIVE
//
// Any number of handles may hold SHARED. Only one may hold RESERVED or
// above. PENDING blocks new SHARED locks so a writer waiting for readers to
// drain is not starved. Contention is reported as errors.ErrBusy and never
// blocks.
package vfs

import (
	"errors"
	"fmt"
)

// LockLevel is a rung on the file lock ladder.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "NONE"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("LockLevel(%d)", int(l))
}

// SyncFlags select the durability of a Sync call.
type SyncFlags int

const (
	SyncNormal   SyncFlags = 0x02
	SyncFull     SyncFlags = 0x03
	SyncDataOnly SyncFlags = 0x10
)

// DeviceCharacteristics describe guarantees the storage device makes.
type DeviceCharacteristics uint32

const (
	IOCapAtomic              DeviceCharacteristics = 0x00000001
	IOCapAtomic512           DeviceCharacteristics = 0x00000002
	IOCapAtomic1K            DeviceCharacteristics = 0x00000004
	IOCapAtomic2K            DeviceCharacteristics = 0x00000008
	IOCapAtomic4K            DeviceCharacteristics = 0x00000010
	IOCapAtomic8K            DeviceCharacteristics = 0x00000020
	IOCapAtomic16K           DeviceCharacteristics = 0x00000040
	IOCapAtomic32K           DeviceCharacteristics = 0x00000080
	IOCapAtomic64K           DeviceCharacteristics = 0x00000100
	IOCapSafeAppend          DeviceCharacteristics = 0x00000200
	IOCapSequential          DeviceCharacteristics = 0x00000400
	IOCapUndeletableWhenOpen DeviceCharacteristics = 0x00000800
	IOCapPowersafeOverwrite  DeviceCharacteristics = 0x00001000
)

// Has reports whether every bit of c is set.
func (d DeviceCharacteristics) Has(c DeviceCharacteristics) bool {
	return d&c == c
}

// OpenFlags describe how and why a file is opened.
type OpenFlags int

const (
	OpenReadOnly      OpenFlags = 0x00000001
	OpenReadWrite     OpenFlags = 0x00000002
	OpenCreate        OpenFlags = 0x00000004
	OpenDeleteOnClose OpenFlags = 0x00000008
	OpenExclusive     OpenFlags = 0x00000010
	OpenMainDB        OpenFlags = 0x00000100
	OpenTempDB        OpenFlags = 0x00000200
	OpenMainJournal   OpenFlags = 0x00000800
	OpenTempJournal   OpenFlags = 0x00001000
	OpenSubJournal    OpenFlags = 0x00002000
	OpenMasterJournal OpenFlags = 0x00004000
	OpenWAL           OpenFlags = 0x00080000
)

// FileControlOp names a FileControl request.
type FileControlOp int

const (
	// FcntlLockState stores the handle's current LockLevel into *LockLevel.
	FcntlLockState FileControlOp = 1
	// FcntlSizeHint passes an int64 expected final size.
	FcntlSizeHint FileControlOp = 5
	// FcntlChunkSize passes an int chunk size for growth.
	FcntlChunkSize FileControlOp = 6
)

// ErrNotFound is returned by FileControl for unrecognised requests.
var ErrNotFound = errors.New("vfs: file control not supported")

// DefaultSectorSize is reported when the device does not say otherwise.
const DefaultSectorSize = 4096

// File is an open file handle.
type File interface {
	// ReadAt reads len(p) bytes at off. A read that crosses end-of-file
	// zero-fills the remainder of p and returns io.EOF with the count read.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync(flags SyncFlags) error
	Size() (int64, error)

	// Lock raises the lock to at least level. Requesting PENDING directly
	// is invalid; it is taken implicitly on the way to EXCLUSIVE.
	Lock(level LockLevel) error
	// Unlock lowers the lock to level, which must be SHARED or NONE.
	Unlock(level LockLevel) error
	// CheckReservedLock reports whether any handle holds RESERVED or above.
	CheckReservedLock() (bool, error)

	FileControl(op FileControlOp, arg any) error
	SectorSize() int
	DeviceCharacteristics() DeviceCharacteristics
	Close() error
}

// FileSystem opens and manages named files.
type FileSystem interface {
	// Open opens name. An empty name opens a fresh temporary file that is
	// deleted on close.
	Open(name string, flags OpenFlags) (File, error)
	Delete(name string, syncDir bool) error
	Exists(name string) (bool, error)
	FullPathname(name string) (string, error)
}
