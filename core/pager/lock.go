package pager

import (
	"errors"
	"io"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/vfs"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

// lockDB raises the file lock to level if it is not already that high.
// Without a lockable file the level is only recorded.
func (p *Pager) lockDB(level vfs.LockLevel) error {
	if p.lock >= level {
		return nil
	}
	if p.file == nil || p.memDB {
		p.lock = level
		return nil
	}
	err := p.file.Lock(level)
	logging.LockEvent(p.log, p.filename, p.lock, level, err)
	if err != nil {
		return err
	}
	p.lock = level
	return nil
}

// unlockDB lowers the file lock to level, which is SHARED or NONE.
func (p *Pager) unlockDB(level vfs.LockLevel) error {
	if p.lock <= level {
		return nil
	}
	var err error
	if p.file != nil && !p.memDB {
		err = p.file.Unlock(level)
		logging.LockEvent(p.log, p.filename, p.lock, level, err)
	}
	p.lock = level
	return err
}

// waitOnLock calls lockDB until it succeeds, fails with something other
// than Busy, or the busy handler gives up.
func (p *Pager) waitOnLock(level vfs.LockLevel) error {
	for n := 0; ; n++ {
		err := p.lockDB(level)
		if !errors.Is(err, pcerrors.ErrBusy) || p.busyHandler == nil || !p.busyHandler(n) {
			return err
		}
	}
}

// exclusiveLock obtains the EXCLUSIVE lock needed to write the database
// file. WAL mode writes go to the log and never need it.
func (p *Pager) exclusiveLock() error {
	if p.wal != nil {
		return nil
	}
	return p.waitOnLock(vfs.LockExclusive)
}

// hasHotJournal reports whether a journal left by a crashed writer must be
// played back. The caller holds SHARED.
func (p *Pager) hasHotJournal() (bool, error) {
	if p.journalName == "" || p.file == nil {
		return false, nil
	}
	jrnlOpen := p.jfd != nil
	if !jrnlOpen {
		exists, err := p.fs.Exists(p.journalName)
		if err != nil {
			return false, pcerrors.NewIO(pcerrors.IOAccess, p.journalName, err)
		}
		if !exists {
			return false, nil
		}
	}

	reserved, err := p.file.CheckReservedLock()
	if err != nil {
		return false, err
	}
	if reserved {
		// A live writer owns the journal.
		return false, nil
	}

	n, err := p.pageCount()
	if err != nil {
		return false, err
	}
	if n == 0 && !jrnlOpen {
		// A journal for an empty database can only restore emptiness.
		if p.lockDB(vfs.LockReserved) == nil {
			p.fs.Delete(p.journalName, false)
			if !p.exclusiveMode {
				p.unlockDB(vfs.LockShared)
			}
		}
		return false, nil
	}
	if jrnlOpen {
		return true, nil
	}

	f, err := p.fs.Open(p.journalName, vfs.OpenReadOnly|vfs.OpenMainJournal)
	if err != nil {
		if errors.Is(err, pcerrors.ErrCantOpen) {
			// Assume hot; recovery under EXCLUSIVE sorts it out.
			return true, nil
		}
		return false, err
	}
	defer f.Close()
	var first [1]byte
	_, err = f.ReadAt(first[:], 0)
	switch {
	case errors.Is(err, io.EOF):
		return false, nil
	case err != nil:
		return false, pcerrors.NewIO(pcerrors.IORead, p.journalName, err)
	}
	return first[0] != 0, nil
}

// SharedLock moves the pager from StateOpen to StateReader. It takes the
// SHARED lock, replays a hot journal if one exists, and discards the cache
// when another connection has changed the file.
func (p *Pager) SharedLock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sharedLock()
}

func (p *Pager) sharedLock() error {
	if p.state == StateError {
		return p.errCode
	}
	if p.state != StateOpen {
		return nil
	}
	if !p.memDB && p.wal == nil {
		if err := p.waitOnLock(vfs.LockShared); err != nil {
			return err
		}

		hot := false
		if p.lock <= vfs.LockShared {
			var err error
			if hot, err = p.hasHotJournal(); err != nil {
				p.unlock()
				return err
			}
		}
		if hot {
			if err := p.recoverHotJournal(); err != nil {
				p.pagerError(err, "recover")
				p.unlock()
				return err
			}
		}

		if p.cache.PageCount() > 0 || len(p.backups) > 0 {
			var vers [fileVersionSize]byte
			_, err := p.file.ReadAt(vers[:], OffsetFileChangeCounter)
			if err != nil && !errors.Is(err, io.EOF) {
				p.unlock()
				return pcerrors.NewIO(pcerrors.IORead, p.filename, err)
			}
			if vers != p.dbFileVers {
				p.reset()
			}
		}

		if err := p.openWALIfPresent(); err != nil {
			p.unlock()
			return err
		}
	}

	n, err := p.pageCount()
	if err != nil {
		p.unlock()
		return err
	}
	p.dbSize = n
	p.dbOrigSize = n
	p.dbFileSize = n
	p.dbHintSize = n
	p.state = StateReader
	return nil
}

// recoverHotJournal replays a hot journal under an EXCLUSIVE lock taken
// straight from SHARED, so that no other connection can begin writing
// before recovery completes.
func (p *Pager) recoverHotJournal() error {
	if p.readOnly {
		return pcerrors.Wrap(pcerrors.ErrReadOnly, "hot journal needs rollback")
	}
	if err := p.lockDB(vfs.LockExclusive); err != nil {
		return err
	}

	if p.jfd == nil {
		exists, err := p.fs.Exists(p.journalName)
		if err != nil {
			return pcerrors.NewIO(pcerrors.IOAccess, p.journalName, err)
		}
		if exists {
			f, err := p.fs.Open(p.journalName, vfs.OpenReadWrite|vfs.OpenMainJournal)
			if err != nil {
				return err
			}
			p.jfd = f
			p.jfdInMemory = false
		}
	}

	if p.jfd == nil {
		// Another connection finished recovery first.
		if !p.exclusiveMode {
			p.unlockDB(vfs.LockShared)
		}
		return nil
	}
	if err := p.syncHotJournal(); err != nil {
		return err
	}
	if err := p.playback(true); err != nil {
		return err
	}
	p.state = StateOpen
	return nil
}

// ExclusiveLock takes the EXCLUSIVE lock on the database file if it is not
// already held.
func (p *Pager) ExclusiveLock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exclusiveLock()
}
