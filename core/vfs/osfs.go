package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
)

// OSFS is a FileSystem backed by the host operating system.
type OSFS struct {
	// SectorSize overrides the reported sector size when non-zero.
	SectorSize int
	// Characteristics are reported by every file. Zero selects
	// IOCapPowersafeOverwrite.
	Characteristics DeviceCharacteristics
	// TempDir holds temporary files. Empty selects os.TempDir().
	TempDir string

	locks *lockTable
}

// NewOSFS creates an OSFS with default device properties.
func NewOSFS() *OSFS {
	return &OSFS{locks: newLockTable()}
}

var defaultOSFS = NewOSFS()

// Default returns the process-wide OS file system. Every handle opened
// through it shares one lock table, so connections within the process
// exclude each other.
func Default() *OSFS {
	return defaultOSFS
}

func (f *OSFS) table() *lockTable {
	if f.locks == nil {
		f.locks = newLockTable()
	}
	return f.locks
}

// Open implements FileSystem.
func (f *OSFS) Open(name string, flags OpenFlags) (File, error) {
	if name == "" {
		dir := f.TempDir
		if dir == "" {
			dir = os.TempDir()
		}
		name = filepath.Join(dir, "pagecore_"+uuid.New().String())
		flags |= OpenCreate | OpenExclusive | OpenDeleteOnClose | OpenReadWrite
	}

	full, err := f.FullPathname(name)
	if err != nil {
		return nil, err
	}

	mode := os.O_RDONLY
	if flags&OpenReadWrite != 0 {
		mode = os.O_RDWR
	}
	if flags&OpenCreate != 0 {
		mode |= os.O_CREATE
	}
	if flags&OpenExclusive != 0 {
		mode |= os.O_EXCL
	}

	file, err := os.OpenFile(full, mode, 0644)
	if err != nil {
		return nil, pcerrors.Wrapf(pcerrors.ErrCantOpen, "open %s: %v", full, err)
	}

	h := &osFile{
		fs:    f,
		file:  file,
		path:  full,
		flags: flags,
	}
	if flags&OpenMainDB != 0 {
		h.lock = f.table().attach(full, newRangeLocker(file))
	}
	return h, nil
}

// Delete implements FileSystem. Deleting a file that does not exist is
// not an error.
func (f *OSFS) Delete(name string, syncDir bool) error {
	err := os.Remove(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pcerrors.NewIO(pcerrors.IODelete, name, err)
	}
	if syncDir {
		if dir, err := os.Open(filepath.Dir(name)); err == nil {
			_ = dir.Sync()
			dir.Close()
		}
	}
	return nil
}

// Exists implements FileSystem.
func (f *OSFS) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, pcerrors.NewIO(pcerrors.IOAccess, name, err)
}

// FullPathname implements FileSystem.
func (f *OSFS) FullPathname(name string) (string, error) {
	full, err := filepath.Abs(name)
	if err != nil {
		return "", pcerrors.Wrapf(pcerrors.ErrCantOpen, "resolve %s: %v", name, err)
	}
	return full, nil
}

type osFile struct {
	fs    *OSFS
	file  *os.File
	path  string
	flags OpenFlags
	lock  *lockHandle
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := o.file.ReadAt(p, off)
	if err == io.EOF {
		clear(p[n:])
		return n, io.EOF
	}
	if err != nil {
		return n, pcerrors.NewIO(pcerrors.IORead, o.path, err)
	}
	return n, nil
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := o.file.WriteAt(p, off)
	if err != nil {
		return n, pcerrors.NewIO(pcerrors.IOWrite, o.path, err)
	}
	return n, nil
}

func (o *osFile) Truncate(size int64) error {
	if err := o.file.Truncate(size); err != nil {
		return pcerrors.NewIO(pcerrors.IOTruncate, o.path, err)
	}
	return nil
}

func (o *osFile) Sync(flags SyncFlags) error {
	if err := syncFile(o.file, flags); err != nil {
		return pcerrors.NewIO(pcerrors.IOFsync, o.path, err)
	}
	return nil
}

func (o *osFile) Size() (int64, error) {
	info, err := o.file.Stat()
	if err != nil {
		return 0, pcerrors.NewIO(pcerrors.IOFstat, o.path, err)
	}
	return info.Size(), nil
}

// Non-database files are never shared, so their locks always succeed.
func (o *osFile) Lock(level LockLevel) error {
	if o.lock == nil {
		return nil
	}
	return o.lock.lock(level)
}

func (o *osFile) Unlock(level LockLevel) error {
	if o.lock == nil {
		return nil
	}
	return o.lock.unlock(level)
}

func (o *osFile) CheckReservedLock() (bool, error) {
	if o.lock == nil {
		return false, nil
	}
	return o.lock.checkReserved()
}

func (o *osFile) FileControl(op FileControlOp, arg any) error {
	switch op {
	case FcntlLockState:
		out, ok := arg.(*LockLevel)
		if !ok {
			return pcerrors.ErrMisuse
		}
		*out = LockNone
		if o.lock != nil {
			*out = o.lock.level
		}
		return nil
	case FcntlSizeHint:
		want, ok := arg.(int64)
		if !ok {
			return pcerrors.ErrMisuse
		}
		size, err := o.Size()
		if err != nil {
			return err
		}
		if want > size {
			return o.Truncate(want)
		}
		return nil
	}
	return ErrNotFound
}

func (o *osFile) SectorSize() int {
	if o.fs.SectorSize > 0 {
		return o.fs.SectorSize
	}
	return DefaultSectorSize
}

func (o *osFile) DeviceCharacteristics() DeviceCharacteristics {
	if o.fs.Characteristics == 0 {
		return IOCapPowersafeOverwrite
	}
	return o.fs.Characteristics
}

func (o *osFile) Close() error {
	var err error
	if o.lock != nil {
		err = o.lock.detach(o.file)
		o.lock = nil
	} else if cerr := o.file.Close(); cerr != nil {
		err = pcerrors.NewIO(pcerrors.IOWrite, o.path, cerr)
	}
	if o.flags&OpenDeleteOnClose != 0 {
		os.Remove(o.path)
	}
	return err
}
