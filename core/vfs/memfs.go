package vfs

import (
	"io"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
)

// Op identifies a file operation passed to a Hook.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpTruncate
	OpSync
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpTruncate:
		return "truncate"
	case OpSync:
		return "sync"
	case OpDelete:
		return "delete"
	}
	return "op?"
}

// Hook observes every operation on a MemFS before it is applied. A non-nil
// return fails the operation with that error.
type Hook func(op Op, name string, off int64, length int) error

// MemFS is a FileSystem that keeps every file in memory. It supports the
// same locking semantics as OSFS and can be snapshotted to simulate a
// crash at an arbitrary point.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memData
	locks *lockTable
	hook  Hook

	sectorSize int
	chars      DeviceCharacteristics
}

// MemOption configures a MemFS.
type MemOption func(*MemFS)

// WithSectorSize sets the sector size reported by every file.
func WithSectorSize(n int) MemOption {
	return func(m *MemFS) { m.sectorSize = n }
}

// WithCharacteristics sets the device characteristics reported by every file.
func WithCharacteristics(c DeviceCharacteristics) MemOption {
	return func(m *MemFS) { m.chars = c }
}

// NewMemFS creates an empty memory file system.
func NewMemFS(opts ...MemOption) *MemFS {
	m := &MemFS{
		files:      make(map[string]*memData),
		locks:      newLockTable(),
		sectorSize: DefaultSectorSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHook installs fn as the operation hook. Nil removes it.
func (m *MemFS) SetHook(fn Hook) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}

func (m *MemFS) callHook(op Op, name string, off int64, length int) error {
	m.mu.Lock()
	fn := m.hook
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op, name, off, length)
}

// Snapshot returns a new MemFS holding a copy of every file's current
// contents, as a crash at this instant would leave them. Locks, open
// handles and the hook are not carried over.
func (m *MemFS) Snapshot() *MemFS {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &MemFS{
		files:      make(map[string]*memData, len(m.files)),
		locks:      newLockTable(),
		sectorSize: m.sectorSize,
		chars:      m.chars,
	}
	for name, d := range m.files {
		c.files[name] = &memData{buf: d.snapshot()}
	}
	return c
}

// ReadFile returns a copy of name's contents.
func (m *MemFS) ReadFile(name string) ([]byte, bool) {
	m.mu.Lock()
	d := m.files[m.clean(name)]
	m.mu.Unlock()
	if d == nil {
		return nil, false
	}
	return d.snapshot(), true
}

// WriteFile replaces name's contents, creating it if needed.
func (m *MemFS) WriteFile(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.clean(name)
	d := m.files[key]
	if d == nil {
		d = &memData{}
		m.files[key] = d
	}
	d.mu.Lock()
	d.buf = append([]byte(nil), data...)
	d.mu.Unlock()
}

// Names lists every file in lexical order.
func (m *MemFS) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MemFS) clean(name string) string {
	if !path.IsAbs(name) {
		name = "/" + name
	}
	return path.Clean(name)
}

// Open implements FileSystem.
func (m *MemFS) Open(name string, flags OpenFlags) (File, error) {
	if name == "" {
		name = "/tmp/pagecore_" + uuid.New().String()
		flags |= OpenCreate | OpenExclusive | OpenDeleteOnClose | OpenReadWrite
	}
	key := m.clean(name)

	m.mu.Lock()
	d := m.files[key]
	switch {
	case d != nil && flags&OpenExclusive != 0:
		m.mu.Unlock()
		return nil, pcerrors.Wrapf(pcerrors.ErrCantOpen, "open %s: file exists", key)
	case d == nil && flags&OpenCreate == 0:
		m.mu.Unlock()
		return nil, pcerrors.Wrapf(pcerrors.ErrCantOpen, "open %s: no such file", key)
	case d == nil:
		d = &memData{}
		m.files[key] = d
	}
	m.mu.Unlock()

	f := &memFile{
		fs:       m,
		name:     key,
		data:     d,
		readOnly: flags&OpenReadWrite == 0,
		flags:    flags,
	}
	if flags&OpenMainDB != 0 {
		f.lock = m.locks.attach(key, nil)
	}
	return f, nil
}

// Delete implements FileSystem.
func (m *MemFS) Delete(name string, syncDir bool) error {
	key := m.clean(name)
	if err := m.callHook(OpDelete, key, 0, 0); err != nil {
		return pcerrors.NewIO(pcerrors.IODelete, key, err)
	}
	m.mu.Lock()
	delete(m.files, key)
	m.mu.Unlock()
	return nil
}

// Exists implements FileSystem.
func (m *MemFS) Exists(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[m.clean(name)]
	return ok, nil
}

// FullPathname implements FileSystem.
func (m *MemFS) FullPathname(name string) (string, error) {
	return m.clean(name), nil
}

// NewMemoryFile returns an anonymous in-memory file that belongs to no
// file system. It is used for journals that never reach the disk.
func NewMemoryFile() File {
	return &memFile{data: &memData{}}
}

type memData struct {
	mu  sync.RWMutex
	buf []byte
}

func (d *memData) snapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]byte(nil), d.buf...)
}

type memFile struct {
	fs       *MemFS
	name     string
	data     *memData
	lock     *lockHandle
	readOnly bool
	flags    OpenFlags
}

func (f *memFile) hook(op Op, off int64, n int) error {
	if f.fs == nil {
		return nil
	}
	return f.fs.callHook(op, f.name, off, n)
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.hook(OpRead, off, len(p)); err != nil {
		return 0, pcerrors.NewIO(pcerrors.IORead, f.name, err)
	}
	f.data.mu.RLock()
	defer f.data.mu.RUnlock()
	var n int
	if off < int64(len(f.data.buf)) {
		n = copy(p, f.data.buf[off:])
	}
	if n < len(p) {
		clear(p[n:])
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, pcerrors.ErrReadOnly
	}
	if err := f.hook(OpWrite, off, len(p)); err != nil {
		return 0, pcerrors.NewIO(pcerrors.IOWrite, f.name, err)
	}
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data.buf)) {
		if end > int64(cap(f.data.buf)) {
			grown := make([]byte, end, end*2)
			copy(grown, f.data.buf)
			f.data.buf = grown
		} else {
			old := len(f.data.buf)
			f.data.buf = f.data.buf[:end]
			clear(f.data.buf[old:])
		}
	}
	copy(f.data.buf[off:], p)
	return len(p), nil
}

func (f *memFile) Truncate(size int64) error {
	if err := f.hook(OpTruncate, size, 0); err != nil {
		return pcerrors.NewIO(pcerrors.IOTruncate, f.name, err)
	}
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if size < int64(len(f.data.buf)) {
		f.data.buf = f.data.buf[:size]
	} else if size > int64(len(f.data.buf)) {
		grown := make([]byte, size)
		copy(grown, f.data.buf)
		f.data.buf = grown
	}
	return nil
}

func (f *memFile) Sync(flags SyncFlags) error {
	if err := f.hook(OpSync, 0, int(flags)); err != nil {
		return pcerrors.NewIO(pcerrors.IOFsync, f.name, err)
	}
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.data.mu.RLock()
	defer f.data.mu.RUnlock()
	return int64(len(f.data.buf)), nil
}

func (f *memFile) Lock(level LockLevel) error {
	if f.lock == nil {
		return nil
	}
	return f.lock.lock(level)
}

func (f *memFile) Unlock(level LockLevel) error {
	if f.lock == nil {
		return nil
	}
	return f.lock.unlock(level)
}

func (f *memFile) CheckReservedLock() (bool, error) {
	if f.lock == nil {
		return false, nil
	}
	return f.lock.checkReserved()
}

func (f *memFile) FileControl(op FileControlOp, arg any) error {
	switch op {
	case FcntlLockState:
		out, ok := arg.(*LockLevel)
		if !ok {
			return pcerrors.ErrMisuse
		}
		*out = LockNone
		if f.lock != nil {
			*out = f.lock.level
		}
		return nil
	case FcntlSizeHint, FcntlChunkSize:
		return nil
	}
	return ErrNotFound
}

func (f *memFile) SectorSize() int {
	if f.fs == nil || f.fs.sectorSize <= 0 {
		return DefaultSectorSize
	}
	return f.fs.sectorSize
}

func (f *memFile) DeviceCharacteristics() DeviceCharacteristics {
	if f.fs == nil {
		return 0
	}
	return f.fs.chars
}

func (f *memFile) Close() error {
	var err error
	if f.lock != nil {
		err = f.lock.detach(nil)
		f.lock = nil
	}
	if f.fs != nil && f.flags&OpenDeleteOnClose != 0 {
		f.fs.mu.Lock()
		if f.fs.files[f.name] == f.data {
			delete(f.fs.files, f.name)
		}
		f.fs.mu.Unlock()
	}
	return err
}
