package pager

import (
	"fmt"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/vfs"
	"github.com/FocuswithJustin/pagecore/core/wal"
)

// JournalMode returns the journal mode in effect.
func (p *Pager) JournalMode() JournalMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.journalMode
}

// SetJournalMode changes the journal mode and returns the mode in effect
// afterwards. In-memory databases accept only MEMORY and OFF. No change is
// made while a write transaction has modified the cache. Entering WAL mode
// switches to exclusive locking; leaving it checkpoints and removes the log.
func (p *Pager) SetJournalMode(m JournalMode) (JournalMode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.journalMode
	if m == old {
		return old, nil
	}
	if p.memDB && m != JournalModeMemory && m != JournalModeOff {
		return old, nil
	}
	if p.tempFile && m == JournalModeWAL {
		return old, nil
	}
	if p.state >= StateWriterCachemod {
		return old, fmt.Errorf("journal mode change inside a write transaction: %w", pcerrors.ErrMisuse)
	}

	switch {
	case m == JournalModeWAL:
		if p.state == StateOpen {
			if err := p.sharedLock(); err != nil {
				return old, err
			}
		}
		if p.state > StateReader {
			return old, fmt.Errorf("enter WAL mode inside a write transaction: %w", pcerrors.ErrMisuse)
		}
		if p.jfd != nil {
			p.jfd.Close()
			p.jfd = nil
		}
		p.journalMode = JournalModeWAL
		if err := p.openWAL(); err != nil {
			p.journalMode = old
			return old, err
		}
		if err := p.deleteJournalFile(); err != nil {
			return p.journalMode, err
		}
		return p.journalMode, nil

	case old == JournalModeWAL:
		if p.state > StateReader {
			return old, fmt.Errorf("leave WAL mode inside a write transaction: %w", pcerrors.ErrMisuse)
		}
		if err := p.closeWAL(true); err != nil {
			return old, p.pagerError(err, "journal_mode")
		}
		p.journalMode = m
		p.exclusiveMode = false
		if p.state == StateReader {
			p.endTransaction(false, false)
			p.unlock()
		}
		return m, nil
	}

	p.journalMode = m
	// PERSIST and TRUNCATE leave a journal file behind that DELETE, OFF
	// and MEMORY never look at again.
	if (old == JournalModePersist || old == JournalModeTruncate) &&
		(m == JournalModeDelete || m == JournalModeOff || m == JournalModeMemory) &&
		!p.exclusiveMode {
		if p.jfd != nil {
			p.jfd.Close()
			p.jfd = nil
		}
		if err := p.deleteJournalFile(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// deleteJournalFile removes the rollback journal from disk. It needs at
// least RESERVED so that no other connection can treat the journal as hot
// in the meantime.
func (p *Pager) deleteJournalFile() error {
	if p.journalName == "" || p.memDB {
		return nil
	}
	prevState := p.state
	if p.state == StateOpen {
		if err := p.sharedLock(); err != nil {
			return err
		}
	}
	took := false
	if p.lock < vfs.LockReserved {
		if err := p.lockDB(vfs.LockReserved); err != nil {
			return err
		}
		took = true
	}
	err := p.fs.Delete(p.journalName, false)
	if took {
		p.unlockDB(vfs.LockShared)
	}
	if prevState == StateOpen {
		p.unlock()
	}
	return err
}

// openWALIfPresent switches to the WAL backend when a log file exists
// beside the database, or when WAL mode was requested. The caller holds
// SHARED.
func (p *Pager) openWALIfPresent() error {
	if p.tempFile || p.memDB || p.wal != nil {
		return nil
	}
	// Until the first checkpoint the database file of a WAL database may
	// be empty, so an empty file says nothing about the log.
	exists, err := p.fs.Exists(p.walName)
	if err != nil {
		return pcerrors.NewIO(pcerrors.IOAccess, p.walName, err)
	}
	if !exists && p.journalMode != JournalModeWAL {
		return nil
	}
	p.journalMode = JournalModeWAL
	return p.openWAL()
}

// openWAL opens the log. The single-connection backend needs the
// EXCLUSIVE lock for as long as the log is open.
func (p *Pager) openWAL() error {
	if p.wal != nil {
		return nil
	}
	if p.readOnly {
		return pcerrors.Wrap(pcerrors.ErrReadOnly, "WAL needs write access")
	}
	p.exclusiveMode = true
	if err := p.lockDB(vfs.LockExclusive); err != nil {
		return err
	}
	l, err := wal.Open(p.fs, p.walName, p.file, p.pageSize, wal.WithLogger(p.log))
	if err != nil {
		return err
	}
	p.wal = l
	if n := Pgno(l.DBSize()); n != 0 {
		p.dbSize = n
	}
	return nil
}

// closeWAL closes the log, first copying committed frames into the
// database file when checkpoint is set.
func (p *Pager) closeWAL(checkpoint bool) error {
	if p.wal == nil {
		return nil
	}
	err := p.wal.Close(checkpoint)
	p.wal = nil
	p.reset()
	return err
}

// commitWAL appends every dirty page to the log, the last frame marking the
// commit. A transaction that changed nothing still commits page 1 so the
// log records the new size.
func (p *Pager) commitWAL() error {
	pages := p.cache.DirtyList()
	var pg1 *Page
	if len(pages) == 0 {
		var err error
		if pg1, err = p.acquire(1, false); err != nil {
			return err
		}
		defer p.cache.Release(pg1)
		pages = []*Page{pg1}
	}
	if pages[0].ID() == 1 {
		writeChangeCounter(pages[0].Data, get32(p.dbFileVers[:])+1)
	}
	if err := p.walFrames(pages, p.dbSize, true); err != nil {
		return err
	}
	p.cache.CleanAll()
	p.state = StateWriterFinished
	return nil
}

// rollbackWAL discards uncommitted frames and every page they touched. A
// cached page that is still referenced is reloaded instead.
func (p *Pager) rollbackWAL() error {
	p.dbSize = p.dbOrigSize
	err := p.wal.Undo(func(pgno uint32) error {
		return p.undoPage(Pgno(pgno))
	})
	for _, pg := range p.cache.DirtyList() {
		if err != nil {
			break
		}
		err = p.undoPage(pg.ID())
	}
	return err
}

func (p *Pager) undoPage(pgno Pgno) error {
	pg, err := p.cache.Fetch(pgno, false)
	if err != nil || pg == nil {
		return err
	}
	if pg.RefCount() == 1 {
		p.cache.Drop(pg)
	} else {
		if err = p.readDbPage(pg); err == nil {
			p.cache.MakeClean(pg)
		}
		p.cache.Release(pg)
	}
	// Frames already forwarded to a backup cannot be taken back.
	for _, b := range p.backups {
		b.Restart()
	}
	return err
}

// Checkpoint copies every committed WAL frame into the database file and
// resets the log. It returns the number of pages copied. Outside WAL mode
// it does nothing.
func (p *Pager) Checkpoint() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wal == nil {
		return 0, nil
	}
	if p.state >= StateWriterLocked {
		return 0, fmt.Errorf("checkpoint inside a write transaction: %w", pcerrors.ErrBusy)
	}
	n, err := p.wal.Checkpoint(!p.noSync)
	return n, p.pagerError(err, "checkpoint")
}

// WALFrames returns the number of frames in the log, or 0 outside WAL mode.
func (p *Pager) WALFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wal == nil {
		return 0
	}
	return p.wal.FrameCount()
}
