package pager

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/FocuswithJustin/pagecore/core/pcache"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// JournalMode selects how the rollback journal is kept between transactions.
type JournalMode int

// Journal modes
const (
	// JournalModeDelete deletes the journal at the end of each transaction.
	JournalModeDelete JournalMode = iota
	// JournalModePersist keeps the journal file and zeroes its header.
	JournalModePersist
	// JournalModeOff keeps no journal. Rollback is not possible.
	JournalModeOff
	// JournalModeTruncate truncates the journal to zero bytes.
	JournalModeTruncate
	// JournalModeMemory keeps the journal in memory.
	JournalModeMemory
	// JournalModeWAL commits through a write-ahead log instead.
	JournalModeWAL
)

var journalModeNames = [...]string{"delete", "persist", "off", "truncate", "memory", "wal"}

func (m JournalMode) String() string {
	if m >= 0 && int(m) < len(journalModeNames) {
		return journalModeNames[m]
	}
	return fmt.Sprintf("JournalMode(%d)", int(m))
}

// ParseJournalMode converts a journal mode name to a JournalMode.
func ParseJournalMode(s string) (JournalMode, error) {
	for i, name := range journalModeNames {
		if strings.EqualFold(s, name) {
			return JournalMode(i), nil
		}
	}
	return JournalModeDelete, fmt.Errorf("unknown journal mode %q", s)
}

// SyncMode selects how often files are synced.
type SyncMode int

const (
	// SyncOff never syncs.
	SyncOff SyncMode = iota
	// SyncNormal syncs the journal before the database is written and the
	// database before the journal is finalized.
	SyncNormal
	// SyncFull also syncs the journal header separately and uses full
	// fsync semantics.
	SyncFull
)

var syncModeNames = [...]string{"off", "normal", "full"}

func (m SyncMode) String() string {
	if m >= 0 && int(m) < len(syncModeNames) {
		return syncModeNames[m]
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// ParseSyncMode converts a sync mode name to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	for i, name := range syncModeNames {
		if strings.EqualFold(s, name) {
			return SyncMode(i), nil
		}
	}
	return SyncNormal, fmt.Errorf("unknown sync mode %q", s)
}

// LockingMode selects whether locks are dropped between transactions.
type LockingMode int

const (
	// LockingNormal releases the file lock at the end of each transaction.
	LockingNormal LockingMode = iota
	// LockingExclusive keeps the strongest lock obtained until Close.
	LockingExclusive
)

// BusyHandler is called when a lock cannot be obtained. n counts the
// previous calls for the same lock. Returning true retries.
type BusyHandler func(n int) bool

// Options configures a Pager.
type Options struct {
	// FS opens every file. Defaults to vfs.Default().
	FS vfs.FileSystem

	// Pool supplies page buffers. Defaults to a private pool.
	Pool *pcache.Pool

	// PageSize is used for new databases; existing files keep theirs.
	PageSize int

	// CacheSize is the page budget; negative values are KiB.
	CacheSize int

	JournalMode JournalMode
	SyncMode    SyncMode
	LockingMode LockingMode

	// JournalSizeLimit caps a persisted or truncated journal left between
	// transactions. Negative means no limit.
	JournalSizeLimit int64

	// MaxPageCount bounds the database size in pages.
	MaxPageCount Pgno

	// ReadOnly opens the database without write access.
	ReadOnly bool

	// Memory creates an in-memory database; the file name is ignored.
	Memory bool

	// SubjournalInMemory keeps every savepoint sub-journal in memory.
	SubjournalInMemory bool

	BusyHandler BusyHandler
	Logger      *slog.Logger
}

// Option configures Options.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		PageSize:         DefaultPageSize,
		CacheSize:        pcache.DefaultCacheSize,
		JournalMode:      JournalModeDelete,
		SyncMode:         SyncNormal,
		LockingMode:      LockingNormal,
		JournalSizeLimit: -1,
		MaxPageCount:     DefaultMaxPageCount,
	}
}

// WithFS sets the file system.
func WithFS(fs vfs.FileSystem) Option {
	return func(o *Options) { o.FS = fs }
}

// WithPool shares a buffer pool with other pagers.
func WithPool(pool *pcache.Pool) Option {
	return func(o *Options) { o.Pool = pool }
}

// WithPageSize sets the page size used for a new database.
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithCacheSize sets the cache budget.
func WithCacheSize(n int) Option {
	return func(o *Options) { o.CacheSize = n }
}

// WithJournalMode sets the initial journal mode.
func WithJournalMode(m JournalMode) Option {
	return func(o *Options) { o.JournalMode = m }
}

// WithSyncMode sets the sync mode.
func WithSyncMode(m SyncMode) Option {
	return func(o *Options) { o.SyncMode = m }
}

// WithLockingMode sets the locking mode.
func WithLockingMode(m LockingMode) Option {
	return func(o *Options) { o.LockingMode = m }
}

// WithJournalSizeLimit caps the size of a journal left on disk.
func WithJournalSizeLimit(n int64) Option {
	return func(o *Options) { o.JournalSizeLimit = n }
}

// WithMaxPageCount bounds the database size.
func WithMaxPageCount(n Pgno) Option {
	return func(o *Options) { o.MaxPageCount = n }
}

// WithReadOnly opens the database read-only.
func WithReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// WithMemory creates an in-memory database.
func WithMemory() Option {
	return func(o *Options) { o.Memory = true }
}

// WithSubjournalInMemory keeps savepoint sub-journals in memory for every
// transaction, whatever Begin is passed.
func WithSubjournalInMemory() Option {
	return func(o *Options) { o.SubjournalInMemory = true }
}

// WithBusyHandler installs a busy handler.
func WithBusyHandler(fn BusyHandler) Option {
	return func(o *Options) { o.BusyHandler = fn }
}

// WithLogger sets the logger for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
