package pager

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/FocuswithJustin/pagecore/core/bitvec"
	"github.com/FocuswithJustin/pagecore/core/cachepool"
	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/pcache"
	"github.com/FocuswithJustin/pagecore/core/vfs"
	"github.com/FocuswithJustin/pagecore/core/wal"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

// Pgno is a 1-based page number.
type Pgno = pcache.Pgno

// Page is a cached database page.
type Page = pcache.Page

// State is a pager state.
type State int

// Pager states
const (
	// StateOpen - no lock held and no transaction active
	StateOpen State = iota

	// StateReader - shared lock held, pages may be read
	StateReader

	// StateWriterLocked - write transaction started, no page modified yet
	StateWriterLocked

	// StateWriterCachemod - journal open, cache modified, database file unchanged
	StateWriterCachemod

	// StateWriterDbmod - journal synced and database file written
	StateWriterDbmod

	// StateWriterFinished - commit phase one done, ready to finalize
	StateWriterFinished

	// StateError - cache contents cannot be trusted
	StateError
)

var stateNames = [...]string{"OPEN", "READER", "WRITER_LOCKED", "WRITER_CACHEMOD", "WRITER_DBMOD", "WRITER_FINISHED", "ERROR"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MemoryName is the file name that selects an in-memory database.
const MemoryName = ":memory:"

// Stats counts pager activity since open.
type Stats struct {
	Hits   uint64 // Acquire calls served from the cache
	Misses uint64 // Acquire calls that read the database file
	Writes uint64 // Pages written to the database file
	Spills uint64 // Dirty pages written early to free cache space
}

// Pager manages reading and writing pages from/to a database file.
// It implements page caching, journaling for atomic commits, and file locking.
type Pager struct {
	// File system every file is opened through
	fs vfs.FileSystem

	// Database file; nil for an in-memory database
	file vfs.File

	// Main rollback journal, when open
	jfd vfs.File

	// Sub-journal holding savepoint pre-images, when open
	sjfd vfs.File

	// The journal lives in memory and disappears when closed
	jfdInMemory bool

	// Write-ahead log, when the journal mode is WAL
	wal *wal.Log

	// Database, journal and WAL file names
	filename    string
	journalName string
	walName     string

	// Page cache
	cache *pcache.PageCache

	log *slog.Logger

	// Current pager state
	state State

	// Lock level held on the database file
	lock vfs.LockLevel

	// First fatal error; set while in StateError
	errCode error

	memDB    bool // in-memory database
	tempFile bool // anonymous temporary database
	readOnly bool

	exclusiveMode bool
	journalMode   JournalMode
	noSync        bool
	fullSync      bool
	syncFlags     vfs.SyncFlags

	// Sub-journal kept in memory for the current transaction
	subjInMemory bool
	// subjAlwaysInMemory is set by WithSubjournalInMemory.
	subjAlwaysInMemory bool
	subjIsMemory bool

	// Change counter already incremented in this transaction
	changeCountDone bool

	// Master journal name already written to the journal
	setMaster bool

	// Forbids the cache from spilling while multi-page sectors are journaled
	doNotSpill bool

	pageSize   int
	sectorSize int

	// Database size in pages: current, at transaction start, on disk, and
	// as last passed in a size hint
	dbSize     Pgno
	dbOrigSize Pgno
	dbFileSize Pgno
	dbHintSize Pgno

	maxPgno Pgno

	// Limit for a journal left on disk; negative means none
	journalSizeLimit int64

	// Journal write offset and start of the current header
	journalOff int64
	journalHdr int64

	// Records written since the current header
	nRec int

	// Checksum seed of the current header
	cksumInit uint32

	// Pages already journaled in this transaction
	inJournal *bitvec.Bitvec

	// Records in the sub-journal
	nSubRec int

	// Open savepoints, outermost first
	savepoints []*savepoint

	// Bytes 24..39 of the file as last seen
	dbFileVers [fileVersionSize]byte

	busyHandler BusyHandler
	backups     []Backup
	stats       Stats

	// Scratch page buffer
	tmp []byte

	// Mutex for thread-safe operations
	mu sync.Mutex
}

// Open opens a database file and creates a new Pager. The name MemoryName,
// or the WithMemory option, creates an in-memory database. An empty name
// creates a temporary database deleted on Close.
func Open(filename string, opts ...Option) (*Pager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !isValidPageSize(o.PageSize) {
		return nil, fmt.Errorf("invalid page size %d: %w", o.PageSize, pcerrors.ErrMisuse)
	}
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	if o.Logger == nil {
		o.Logger = logging.GetLogger()
	}

	p := &Pager{
		fs:                 o.FS,
		log:                o.Logger,
		memDB:              o.Memory || filename == MemoryName,
		readOnly:           o.ReadOnly,
		subjAlwaysInMemory: o.SubjournalInMemory,
		journalMode:        o.JournalMode,
		journalSizeLimit:   o.JournalSizeLimit,
		maxPgno:            o.MaxPageCount,
		busyHandler:        o.BusyHandler,
		pageSize:           o.PageSize,
		exclusiveMode:      o.LockingMode == LockingExclusive,
	}
	p.tempFile = !p.memDB && filename == ""

	switch {
	case p.memDB:
		p.filename = MemoryName
		p.journalMode = JournalModeMemory
		p.exclusiveMode = true
		p.readOnly = false
	case p.tempFile:
		f, err := p.fs.Open("", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenExclusive|vfs.OpenDeleteOnClose|vfs.OpenTempDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open temporary database: %w", err)
		}
		p.file = f
		p.exclusiveMode = true
		if p.journalMode == JournalModeWAL {
			p.journalMode = JournalModeDelete
		}
	default:
		full, err := p.fs.FullPathname(filename)
		if err != nil {
			return nil, err
		}
		flags := vfs.OpenMainDB | vfs.OpenReadWrite | vfs.OpenCreate
		if p.readOnly {
			flags = vfs.OpenMainDB | vfs.OpenReadOnly
		}
		f, err := p.fs.Open(full, flags)
		if err != nil {
			return nil, fmt.Errorf("failed to open database file: %w", err)
		}
		p.file = f
		p.filename = full
		p.journalName = full + "-journal"
		p.walName = full + "-wal"
	}

	if p.file != nil {
		hdr := make([]byte, DatabaseHeaderSize)
		if _, err := p.file.ReadAt(hdr, 0); err != nil && err != io.EOF {
			p.file.Close()
			return nil, fmt.Errorf("failed to read database header: %w", err)
		}
		if n := pageSizeFromHeader(hdr); n != 0 {
			p.pageSize = n
		}
	}

	p.setSyncMode(o.SyncMode)
	p.setSectorSize()
	p.tmp = make([]byte, p.pageSize)

	pool := o.Pool
	if pool == nil {
		pool = pcache.NewPool(cachepool.Config{Mode: cachepool.ModeSeparate})
	}
	p.cache = pcache.New(pool, p.pageSize, !p.memDB, pcache.StressFunc(p.stress))
	p.cache.SetCacheSize(o.CacheSize)

	p.log.Debug("pager opened",
		"path", p.filename,
		"page_size", p.pageSize,
		"sector_size", p.sectorSize,
		"journal_mode", p.journalMode.String())
	return p, nil
}

func (p *Pager) setSyncMode(m SyncMode) {
	p.noSync = m == SyncOff || p.tempFile || p.memDB
	p.fullSync = m == SyncFull && !p.tempFile
	p.syncFlags = vfs.SyncNormal
	if m == SyncFull {
		p.syncFlags = vfs.SyncFull
	}
}

// setSectorSize picks the unit of atomic writes used for journal headers
// and sector-safe journaling. Devices with power-safe overwrite are
// treated as having 512-byte sectors.
func (p *Pager) setSectorSize() {
	if p.file == nil || p.tempFile || p.file.DeviceCharacteristics().Has(vfs.IOCapPowersafeOverwrite) {
		p.sectorSize = 512
		return
	}
	n := p.file.SectorSize()
	switch {
	case n < 32:
		n = 512
	case n > MaxSectorSize:
		n = MaxSectorSize
	}
	p.sectorSize = n
}

// Close rolls back any open transaction, releases every lock and closes
// every file. Pages must not be used afterwards.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exclusiveMode = false
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if p.wal != nil {
		keep(p.closeWAL(true))
	}
	p.reset()
	if p.memDB {
		p.unlock()
	} else {
		if p.jfd != nil {
			p.pagerError(p.syncHotJournal(), "close")
		}
		p.unlockAndRollback()
	}

	if p.jfd != nil {
		keep(p.jfd.Close())
		p.jfd = nil
	}
	if p.sjfd != nil {
		keep(p.sjfd.Close())
		p.sjfd = nil
	}
	if p.file != nil {
		keep(p.file.Close())
		p.file = nil
	}
	p.cache.Close()
	p.log.Debug("pager closed", "path", p.filename)
	return first
}

// pagerError moves the pager into the error state when err is an I/O or
// disk-full failure. It returns err unchanged.
func (p *Pager) pagerError(err error, op string) error {
	if err == nil || p.memDB {
		return err
	}
	if pcerrors.IsFatal(err) && p.errCode == nil {
		p.errCode = err
		p.state = StateError
		logging.PagerError(p.log, p.filename, op, err)
	}
	return err
}

// reset discards every cached page.
func (p *Pager) reset() {
	for _, b := range p.backups {
		b.Restart()
	}
	p.cache.Clear()
}

// unlock releases every lock and returns to StateOpen, unless the pager
// is in exclusive locking mode. An error state is cleared.
func (p *Pager) unlock() {
	p.releaseAllSavepoints()

	if p.wal == nil && !p.exclusiveMode {
		if p.jfd != nil {
			p.jfd.Close()
			p.jfd = nil
		}
		p.unlockDB(vfs.LockNone)
		p.changeCountDone = false
		p.state = StateOpen
	}

	if p.errCode != nil {
		if p.wal != nil {
			p.wal.Undo(nil)
		}
		if !p.tempFile {
			if p.wal == nil && p.exclusiveMode {
				// Drop everything so the next read finds the journal hot.
				if p.jfd != nil {
					p.jfd.Close()
					p.jfd = nil
				}
				p.unlockDB(vfs.LockNone)
			}
			p.reset()
			p.changeCountDone = false
			p.state = StateOpen
		} else if p.jfd != nil {
			p.state = StateOpen
		} else {
			p.state = StateReader
		}
		p.errCode = nil
	}

	p.journalOff = 0
	p.journalHdr = 0
	p.setMaster = false
}

// unlockAndRollback ends any transaction, rolling back if needed, then
// releases the lock.
func (p *Pager) unlockAndRollback() {
	if p.state != StateError && p.state != StateOpen {
		if p.state >= StateWriterLocked {
			p.rollback()
		} else if !p.exclusiveMode {
			p.endTransaction(false, false)
		}
	}
	p.unlock()
}

// unlockIfUnused drops the read lock once no page is referenced, and
// clears an error state.
func (p *Pager) unlockIfUnused() {
	if p.cache.RefCount() != 0 {
		return
	}
	if p.state == StateError || (p.state == StateReader && !p.exclusiveMode) {
		p.unlockAndRollback()
	}
}

// pageCount computes the database size from the WAL or the file size.
func (p *Pager) pageCount() (Pgno, error) {
	var n Pgno
	if p.wal != nil {
		n = Pgno(p.wal.DBSize())
	}
	if n == 0 && p.file != nil {
		size, err := p.file.Size()
		if err != nil {
			return 0, pcerrors.NewIO(pcerrors.IOFstat, p.filename, err)
		}
		n = Pgno(size / int64(p.pageSize))
		if n == 0 && size > 0 {
			n = 1
		}
	}
	if n > p.maxPgno {
		p.maxPgno = n
	}
	return n, nil
}

// lockingPage is the page holding the lock bytes. It is never read or written.
func (p *Pager) lockingPage() Pgno {
	return Pgno(vfs.PendingByte/p.pageSize) + 1
}

// PageSize returns the page size of the database.
func (p *Pager) PageSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageSize
}

// SetPageSize changes the page size. It is only possible while no page is
// referenced, and for an in-memory database only while it is empty.
func (p *Pager) SetPageSize(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !isValidPageSize(n) {
		return fmt.Errorf("invalid page size %d: %w", n, pcerrors.ErrMisuse)
	}
	if p.memDB && p.dbSize != 0 {
		return fmt.Errorf("cannot resize a non-empty in-memory database: %w", pcerrors.ErrMisuse)
	}
	return p.setPageSize(n)
}

func (p *Pager) setPageSize(n int) error {
	if n == p.pageSize {
		return nil
	}
	if p.cache.RefCount() != 0 {
		return fmt.Errorf("pages still referenced: %w", pcerrors.ErrMisuse)
	}
	var size int64
	if p.state > StateOpen && p.file != nil {
		var err error
		if size, err = p.file.Size(); err != nil {
			return pcerrors.NewIO(pcerrors.IOFstat, p.filename, err)
		}
	}
	p.reset()
	if err := p.cache.SetPageSize(n); err != nil {
		return err
	}
	p.pageSize = n
	p.dbSize = Pgno((size + int64(n) - 1) / int64(n))
	p.tmp = make([]byte, n)
	return nil
}

// SetCacheSize sets the page budget; negative values are KiB.
func (p *Pager) SetCacheSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.SetCacheSize(n)
}

// Shrink frees every cached page that is neither referenced nor dirty.
func (p *Pager) Shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Shrink()
}

// MaxPageCount returns the page-count limit.
func (p *Pager) MaxPageCount() Pgno {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPgno
}

// SetMaxPageCount sets the page-count limit. It never drops below the
// current database size. Zero leaves it unchanged. The new limit is returned.
func (p *Pager) SetMaxPageCount(n Pgno) Pgno {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		if n < p.dbSize {
			n = p.dbSize
		}
		p.maxPgno = n
	}
	return p.maxPgno
}

// PageCount returns the number of pages in the database image.
func (p *Pager) PageCount() Pgno {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dbSize
}

// TruncateImage shrinks the database image to n pages. The file is
// truncated when the transaction commits.
func (p *Pager) TruncateImage(n Pgno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < p.dbSize {
		p.dbSize = n
	}
}

// ReadFileHeader returns the first n bytes of the database file without
// going through the cache. Bytes past end-of-file read as zero.
func (p *Pager) ReadFileHeader(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, n)
	if p.file == nil {
		return out, nil
	}
	if _, err := p.file.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, pcerrors.NewIO(pcerrors.IORead, p.filename, err)
	}
	return out, nil
}

// Filename returns the full database path.
func (p *Pager) Filename() string {
	return p.filename
}

// JournalName returns the rollback journal path.
func (p *Pager) JournalName() string {
	return p.journalName
}

// IsMemoryDB reports whether the database lives only in memory.
func (p *Pager) IsMemoryDB() bool {
	return p.memDB
}

// IsReadOnly returns true if the pager is read-only.
func (p *Pager) IsReadOnly() bool {
	return p.readOnly
}

// State returns the current pager state.
func (p *Pager) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LockLevel returns the lock held on the database file.
func (p *Pager) LockLevel() vfs.LockLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lock
}

// ErrorCode returns the error that moved the pager into StateError.
func (p *Pager) ErrorCode() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errCode
}

// Stats returns activity counters.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// CacheStats returns the page cache's reference and page counts.
func (p *Pager) CacheStats() (refs, pages, dirty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.IterateDirty(func(*Page) { dirty++ })
	return p.cache.RefCount(), p.cache.PageCount(), dirty
}

// SetBusyHandler installs fn as the busy handler. Nil returns Busy at once.
func (p *Pager) SetBusyHandler(fn BusyHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busyHandler = fn
}

// SetSyncMode changes the sync mode.
func (p *Pager) SetSyncMode(m SyncMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSyncMode(m)
}

// SetLockingMode changes the locking mode. Temporary databases and WAL
// mode always lock exclusively. It returns the mode now in effect.
func (p *Pager) SetLockingMode(m LockingMode) LockingMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tempFile && p.wal == nil && !p.memDB {
		p.exclusiveMode = m == LockingExclusive
	}
	if p.exclusiveMode {
		return LockingExclusive
	}
	return LockingNormal
}

// SetJournalSizeLimit caps the size of a journal left on disk. Negative
// means no limit. The previous limit is returned.
func (p *Pager) SetJournalSizeLimit(n int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.journalSizeLimit
	if n >= -1 {
		p.journalSizeLimit = n
	}
	return old
}
