// Package backup copies a live database page by page from one pager into
// another.
//
// The copy proceeds in steps so that the source stays usable in between.
// Pages the source commits while a copy is in progress are forwarded to the
// copy; a change the source pager cannot describe page by page, such as a
// commit made by another connection, starts the copy over. The destination
// holds a write transaction from the first step until the copy completes.
package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/pager"
	"github.com/FocuswithJustin/pagecore/core/vfs"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

// Backup is a copy in progress. It is not safe for concurrent use, but the
// source pager may commit from other goroutines while it runs.
type Backup struct {
	dst, src *pager.Pager
	log      *slog.Logger

	// Next source page to copy
	next pager.Pgno

	// Source size seen by the last step
	total pager.Pgno

	registered bool
	done       bool
	err        error

	// Guards the fields the source pager updates through Update and Restart
	mu      sync.Mutex
	restart bool
	pending map[pager.Pgno][]byte
}

// Option configures New.
type Option func(*Backup)

// WithLogger sets the logger. The default is the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backup) {
		if l != nil {
			b.log = l
		}
	}
}

// New prepares a copy of src into dst. The destination takes the source
// page size, so nothing of dst may be referenced. No page is copied until
// the first Step.
func New(dst, src *pager.Pager, opts ...Option) (*Backup, error) {
	if dst == nil || src == nil || dst == src {
		return nil, fmt.Errorf("backup needs two distinct pagers: %w", pcerrors.ErrMisuse)
	}
	if dst.IsReadOnly() {
		return nil, pcerrors.Wrap(pcerrors.ErrReadOnly, "backup destination")
	}
	if dst.PageSize() != src.PageSize() {
		if err := dst.SetPageSize(src.PageSize()); err != nil {
			return nil, fmt.Errorf("set destination page size: %w", err)
		}
	}
	b := &Backup{
		dst:     dst,
		src:     src,
		log:     logging.GetLogger(),
		next:    1,
		pending: make(map[pager.Pgno][]byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Update implements pager.Backup. It runs with the source pager locked and
// only records the page.
func (b *Backup) Update(pgno pager.Pgno, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[pgno] = append(b.pending[pgno][:0], data...)
}

// Restart implements pager.Backup.
func (b *Backup) Restart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restart = true
	clear(b.pending)
}

// Step copies up to n source pages, or every remaining page when n is
// negative. It reports true once the copy is complete and committed to
// the destination. ErrBusy leaves the copy where it was; any other error
// ends it.
func (b *Backup) Step(n int) (bool, error) {
	if b.done || b.err != nil {
		return b.done, b.err
	}
	done, err := b.step(n)
	if err != nil && !errors.Is(err, pcerrors.ErrBusy) {
		b.err = err
		b.abort()
	}
	return done, err
}

func (b *Backup) step(n int) (bool, error) {
	if b.src.State() >= pager.StateWriterLocked {
		return false, fmt.Errorf("backup source is in a write transaction: %w", pcerrors.ErrBusy)
	}
	if !b.registered {
		b.src.RegisterBackup(b)
		b.registered = true
	}

	// A referenced page 1 keeps the source read lock for the whole step.
	pg1, err := b.src.Acquire(1, false)
	if err != nil {
		return false, err
	}
	defer b.src.Unref(pg1)

	if b.dst.State() < pager.StateWriterLocked {
		if err := b.dst.Begin(false, false); err != nil {
			return false, err
		}
	}

	b.mu.Lock()
	if b.restart {
		b.restart = false
		b.next = 1
		b.log.Debug("backup restarted", "src", b.src.Filename(), "dst", b.dst.Filename())
	}
	b.mu.Unlock()

	b.total = b.src.PageCount()
	locking := pager.Pgno(vfs.PendingByte/b.src.PageSize()) + 1
	for i := 0; (n < 0 || i < n) && b.next <= b.total; i++ {
		if b.next != locking {
			if err := b.copyPage(b.next); err != nil {
				return false, err
			}
		}
		b.next++
	}

	if err := b.applyPending(); err != nil {
		return false, err
	}
	if b.next <= b.total {
		return false, nil
	}
	return true, b.finish()
}

// copyPage copies source page pgno into the destination.
func (b *Backup) copyPage(pgno pager.Pgno) error {
	spg, err := b.src.Acquire(pgno, false)
	if err != nil {
		return err
	}
	defer b.src.Unref(spg)
	return b.writeDst(pgno, spg.Data)
}

func (b *Backup) writeDst(pgno pager.Pgno, data []byte) error {
	dpg, err := b.dst.Acquire(pgno, false)
	if err != nil {
		return err
	}
	defer b.dst.Unref(dpg)
	if err := b.dst.Write(dpg); err != nil {
		return err
	}
	copy(dpg.Data, data)
	return nil
}

// applyPending writes the source commits received since the last step to
// pages already copied. Later pages are copied in their current state
// anyway.
func (b *Backup) applyPending() error {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[pager.Pgno][]byte)
	b.mu.Unlock()

	for pgno, data := range pending {
		if pgno >= b.next || pgno > b.total {
			continue
		}
		if err := b.writeDst(pgno, data); err != nil {
			return err
		}
	}
	return nil
}

// finish sizes the destination to the source and commits.
func (b *Backup) finish() error {
	b.dst.TruncateImage(b.total)
	if b.total > 0 {
		pg, err := b.dst.Acquire(1, false)
		if err != nil {
			return err
		}
		err = b.dst.Write(pg)
		if err == nil {
			pager.PutDatabaseSize(pg.Data, uint32(b.total))
		}
		b.dst.Unref(pg)
		if err != nil {
			return err
		}
	}
	if err := b.dst.Commit(); err != nil {
		return err
	}
	b.done = true
	b.unregister()
	b.log.Debug("backup complete", "src", b.src.Filename(), "dst", b.dst.Filename(), "pages", b.total)
	return nil
}

func (b *Backup) unregister() {
	if b.registered {
		b.src.UnregisterBackup(b)
		b.registered = false
	}
}

func (b *Backup) abort() {
	b.unregister()
	if b.dst.State() >= pager.StateWriterLocked {
		b.dst.Rollback()
	}
}

// Remaining returns the number of source pages still to copy, as of the
// last step.
func (b *Backup) Remaining() int {
	if b.next > b.total {
		return 0
	}
	return int(b.total - b.next + 1)
}

// PageCount returns the source size in pages seen by the last step.
func (b *Backup) PageCount() int {
	return int(b.total)
}

// Finish ends the copy. An incomplete copy is rolled back on the
// destination. It returns the error that ended the copy, if any.
func (b *Backup) Finish() error {
	if !b.done && b.err == nil {
		b.abort()
	}
	b.unregister()
	return b.err
}
