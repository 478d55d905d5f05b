package pager

import (
	"fmt"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/pcache"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// Begin starts a write transaction. It takes the RESERVED lock, or the
// EXCLUSIVE lock when exclusive is set. With subjInMemory the sub-journal
// of this transaction is kept in memory.
func (p *Pager) Begin(exclusive, subjInMemory bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begin(exclusive, subjInMemory)
}

func (p *Pager) begin(exclusive, subjInMemory bool) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.readOnly {
		return pcerrors.ErrReadOnly
	}
	if p.state == StateOpen {
		if err := p.sharedLock(); err != nil {
			return err
		}
	}
	if p.state != StateReader {
		return nil
	}
	p.subjInMemory = subjInMemory || p.subjAlwaysInMemory

	var err error
	if p.wal != nil {
		err = p.lockDB(vfs.LockExclusive)
	} else {
		err = p.waitOnLock(vfs.LockReserved)
		if err == nil && exclusive {
			err = p.waitOnLock(vfs.LockExclusive)
		}
	}
	if err != nil {
		return err
	}

	p.state = StateWriterLocked
	p.dbHintSize = p.dbSize
	p.dbFileSize = p.dbSize
	p.dbOrigSize = p.dbSize
	p.journalOff = 0
	return nil
}

// Write marks pg writable, journaling its original content first. It
// begins a write transaction if none is active.
func (p *Pager) Write(pg *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(pg)
}

func (p *Pager) write(pg *Page) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.readOnly {
		return pcerrors.ErrReadOnly
	}
	if p.state < StateWriterLocked {
		if err := p.begin(false, false); err != nil {
			return err
		}
	}

	if p.sectorSize <= p.pageSize || p.memDB {
		return p.writeOne(pg)
	}
	return p.writeSector(pg)
}

// writeSector journals every page sharing pg's disk sector, so that a torn
// sector write can always be undone.
func (p *Pager) writeSector(pg *Page) error {
	perSector := Pgno(p.sectorSize / p.pageSize)
	pg1 := ((pg.ID() - 1) &^ (perSector - 1)) + 1

	var n Pgno
	switch {
	case pg.ID() > p.dbSize:
		n = pg.ID() - pg1 + 1
	case pg1+perSector-1 > p.dbSize:
		n = p.dbSize + 1 - pg1
	default:
		n = perSector
	}

	p.doNotSpill = true
	defer func() { p.doNotSpill = false }()

	needSync := false
	for i := Pgno(0); i < n; i++ {
		pgno := pg1 + i
		if pgno == p.lockingPage() {
			continue
		}
		if pgno == pg.ID() || !p.pageInJournal(pgno) {
			target := pg
			if pgno != pg.ID() {
				var err error
				if target, err = p.acquire(pgno, false); err != nil {
					return err
				}
			}
			err := p.writeOne(target)
			if target.Has(pcache.FlagNeedSync) {
				needSync = true
			}
			if target != pg {
				p.unref(target)
			}
			if err != nil {
				return err
			}
		} else if other, err := p.cache.Fetch(pgno, false); err == nil && other != nil {
			if other.Has(pcache.FlagNeedSync) {
				needSync = true
			}
			p.cache.Release(other)
		}
	}

	if needSync {
		for i := Pgno(0); i < n; i++ {
			other, err := p.cache.Fetch(pg1+i, false)
			if err != nil || other == nil {
				continue
			}
			other.SetFlags(pcache.FlagNeedSync)
			p.cache.Release(other)
		}
	}
	return nil
}

// writeOne journals and dirties a single page.
func (p *Pager) writeOne(pg *Page) error {
	if p.state == StateWriterLocked {
		if err := p.openJournal(); err != nil {
			return err
		}
	}
	p.cache.MakeDirty(pg)
	pgno := pg.ID()

	if !p.pageInJournal(pgno) && p.wal == nil {
		if pgno <= p.dbOrigSize && p.jfd != nil {
			pg.SetFlags(pcache.FlagNeedSync)
			if err := p.journalPage(pg); err != nil {
				return err
			}
		} else if p.state != StateWriterDbmod {
			pg.SetFlags(pcache.FlagNeedSync)
		}
	}
	if p.subjRequiresPage(pgno) {
		if err := p.subjournalPage(pg); err != nil {
			return err
		}
	}

	// A page already journaled may lie beyond a truncated image.
	if p.dbSize < pgno {
		p.dbSize = pgno
	}
	return nil
}

// DontWrite tells the pager that pg's content is no longer needed, so a
// commit may skip writing it.
func (p *Pager) DontWrite(pg *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pg.IsDirty() && len(p.savepoints) == 0 {
		pg.SetFlags(pcache.FlagDontWrite)
		pg.ClearFlags(pcache.FlagNeedSync)
	}
}

// incrChangeCounter increments the file change counter in page 1 once per
// transaction.
func (p *Pager) incrChangeCounter() error {
	if p.changeCountDone || p.dbSize == 0 {
		return nil
	}
	pg, err := p.acquire(1, false)
	if err != nil {
		return err
	}
	defer p.unref(pg)
	if err := p.writeOne(pg); err != nil {
		return err
	}
	writeChangeCounter(pg.Data, get32(p.dbFileVers[:])+1)
	p.changeCountDone = true
	return nil
}

// CommitPhaseOne makes the transaction durable: it stamps the change
// counter, records master in the journal, syncs the journal, then writes
// and syncs every dirty page. A non-empty master names the master journal
// of a multi-file commit. With noSync the database file is not synced.
func (p *Pager) CommitPhaseOne(master string, noSync bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	err := p.commitPhaseOne(master, noSync)
	return p.pagerError(err, "commit")
}

func (p *Pager) commitPhaseOne(master string, noSync bool) error {
	if p.state < StateWriterCachemod {
		return nil
	}

	if p.memDB {
		for _, b := range p.backups {
			b.Restart()
		}
		p.state = StateWriterFinished
		return nil
	}

	if p.wal != nil {
		return p.commitWAL()
	}

	if err := p.incrChangeCounter(); err != nil {
		return err
	}

	// Pages cut off by a shrinking transaction must be journaled before
	// the file is truncated.
	if p.dbSize < p.dbOrigSize && p.journalMode != JournalModeOff {
		last := p.dbSize
		p.dbSize = p.dbOrigSize
		for i := last + 1; i <= p.dbOrigSize; i++ {
			if p.pageInJournal(i) || i == p.lockingPage() {
				continue
			}
			pg, err := p.acquire(i, false)
			if err != nil {
				p.dbSize = last
				return err
			}
			err = p.write(pg)
			p.unref(pg)
			if err != nil {
				p.dbSize = last
				return err
			}
		}
		p.dbSize = last
	}

	if err := p.writeMasterJournal(master); err != nil {
		return err
	}
	if err := p.syncJournal(false); err != nil {
		return err
	}
	if err := p.writePageList(p.cache.DirtyList()); err != nil {
		return err
	}
	p.cache.CleanAll()

	if p.dbSize != p.dbFileSize {
		n := p.dbSize
		if n == p.lockingPage() {
			n--
		}
		if err := p.truncate(n); err != nil {
			return err
		}
	}
	if !noSync {
		if err := p.syncDB(); err != nil {
			return err
		}
	}
	p.state = StateWriterFinished
	return nil
}

// CommitPhaseTwo finalizes the journal and returns to StateReader.
func (p *Pager) CommitPhaseTwo() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < StateWriterLocked {
		return nil
	}
	if p.state == StateWriterLocked && p.exclusiveMode && p.journalMode == JournalModePersist {
		p.state = StateReader
		return nil
	}
	err := p.endTransaction(p.setMaster, true)
	return p.pagerError(err, "commit")
}

// Commit runs both commit phases without a master journal.
func (p *Pager) Commit() error {
	if err := p.CommitPhaseOne("", false); err != nil {
		return err
	}
	return p.CommitPhaseTwo()
}

// Rollback abandons the write transaction, restoring every page from the
// journal. In StateError it returns the error that caused it.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollback()
}

func (p *Pager) rollback() error {
	if p.state == StateError {
		return p.errCode
	}
	if p.state <= StateReader {
		return nil
	}

	var err error
	switch {
	case p.wal != nil:
		err = p.savepoint(SavepointRollback, -1)
		if err2 := p.endTransaction(p.setMaster, false); err == nil {
			err = err2
		}
	case p.jfd == nil || p.state == StateWriterLocked:
		prev := p.state
		err = p.endTransaction(false, false)
		if !p.memDB && prev > StateWriterLocked {
			// Without a journal the cache cannot be restored.
			p.errCode = fmt.Errorf("rollback without journal: %w", pcerrors.ErrAbort)
			p.state = StateError
			return err
		}
	default:
		err = p.playback(false)
	}
	return p.pagerError(err, "rollback")
}

// endTransaction finalizes the journal according to the journal mode and
// drops back to StateReader.
func (p *Pager) endTransaction(hasMaster, commit bool) error {
	if p.state < StateWriterLocked && p.lock < vfs.LockReserved {
		return nil
	}
	p.releaseAllSavepoints()

	var err error
	if p.jfd != nil {
		switch {
		case p.jfdInMemory:
			p.jfd.Close()
			p.jfd = nil
		case p.journalMode == JournalModeTruncate:
			if p.journalOff != 0 {
				if terr := p.jfd.Truncate(0); terr != nil {
					err = pcerrors.NewIO(pcerrors.IOTruncate, p.journalName, terr)
				} else if p.fullSync {
					if serr := p.jfd.Sync(p.syncFlags); serr != nil {
						err = pcerrors.NewIO(pcerrors.IOFsync, p.journalName, serr)
					}
				}
			}
			p.journalOff = 0
		case p.journalMode == JournalModePersist || (p.exclusiveMode && p.journalMode != JournalModeWAL):
			err = p.zeroJournalHdr(hasMaster || p.tempFile)
			p.journalOff = 0
		default:
			p.jfd.Close()
			p.jfd = nil
			if !p.tempFile {
				if derr := p.fs.Delete(p.journalName, false); derr != nil {
					err = derr
				}
			}
		}
	}

	p.inJournal.Destroy()
	p.inJournal = nil
	p.nRec = 0
	p.cache.CleanAll()
	p.cache.Truncate(p.dbSize)

	if err == nil && commit && p.wal == nil && p.dbFileSize > p.dbSize {
		err = p.truncate(p.dbSize)
	}

	if !p.exclusiveMode {
		if uerr := p.unlockDB(vfs.LockShared); err == nil {
			err = uerr
		}
		p.changeCountDone = false
	}
	p.state = StateReader
	p.setMaster = false
	return err
}

// writePageList writes pages to the database file in ascending order.
func (p *Pager) writePageList(pages []*Page) error {
	if len(pages) == 0 || p.file == nil {
		return nil
	}
	if err := p.exclusiveLock(); err != nil {
		return err
	}
	if p.dbSize > p.dbHintSize {
		hint := int64(p.pageSize) * int64(p.dbSize)
		p.file.FileControl(vfs.FcntlSizeHint, hint)
		p.dbHintSize = p.dbSize
	}

	for _, pg := range pages {
		pgno := pg.ID()
		if pgno > p.dbSize || pg.Has(pcache.FlagDontWrite) {
			continue
		}
		if _, err := p.file.WriteAt(pg.Data, int64(pgno-1)*int64(p.pageSize)); err != nil {
			return pcerrors.NewIO(pcerrors.IOWrite, p.filename, err)
		}
		if pgno == 1 {
			copy(p.dbFileVers[:], pg.Data[OffsetFileChangeCounter:])
		}
		if pgno > p.dbFileSize {
			p.dbFileSize = pgno
		}
		p.stats.Writes++
		for _, b := range p.backups {
			b.Update(pgno, pg.Data)
		}
	}
	return nil
}

// truncate sets the database file to n pages. It is used while the file
// may be modified: during a commit and during playback.
func (p *Pager) truncate(n Pgno) error {
	if p.file == nil || !(p.state >= StateWriterDbmod || p.state == StateOpen) {
		return nil
	}
	size, err := p.file.Size()
	if err != nil {
		return pcerrors.NewIO(pcerrors.IOFstat, p.filename, err)
	}
	want := int64(p.pageSize) * int64(n)
	switch {
	case size > want:
		if err := p.file.Truncate(want); err != nil {
			return pcerrors.NewIO(pcerrors.IOTruncate, p.filename, err)
		}
	case size+int64(p.pageSize) <= want:
		zero := make([]byte, p.pageSize)
		if _, err := p.file.WriteAt(zero, want-int64(p.pageSize)); err != nil {
			return pcerrors.NewIO(pcerrors.IOWrite, p.filename, err)
		}
	}
	p.dbFileSize = n
	return nil
}

func (p *Pager) syncDB() error {
	if p.noSync || p.file == nil {
		return nil
	}
	if err := p.file.Sync(p.syncFlags); err != nil {
		return pcerrors.NewIO(pcerrors.IOFsync, p.filename, err)
	}
	return nil
}

// Sync flushes the database file to storage.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pagerError(p.syncDB(), "sync")
}
