package pager

import (
	"errors"
	"fmt"
	"io"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/pcache"
	"github.com/FocuswithJustin/pagecore/core/wal"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

// Acquire returns page pgno with a reference held. It takes the SHARED lock
// first if the pager holds none. With noContent the caller promises to
// overwrite the whole page, so it is not read from disk.
func (p *Pager) Acquire(pgno Pgno, noContent bool) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateOpen {
		if err := p.sharedLock(); err != nil {
			return nil, err
		}
	}
	pg, err := p.acquire(pgno, noContent)
	if err != nil {
		p.unlockIfUnused()
	}
	return pg, err
}

func (p *Pager) acquire(pgno Pgno, noContent bool) (*Page, error) {
	if pgno == 0 {
		return nil, pcerrors.NewCorrupt(p.filename, "page number 0")
	}
	if p.errCode != nil {
		return nil, p.errCode
	}

	pg, err := p.cache.Fetch(pgno, true)
	if err != nil {
		return nil, err
	}
	if !pg.Has(pcache.FlagNeedRead) && !noContent {
		p.stats.Hits++
		return pg, nil
	}

	if pgno == p.lockingPage() {
		p.discard(pg)
		return nil, pcerrors.NewCorrupt(p.filename, "page %d holds the lock bytes", pgno)
	}

	if p.memDB || p.dbSize < pgno || noContent || p.file == nil {
		if pgno > p.maxPgno {
			p.discard(pg)
			return nil, fmt.Errorf("page %d beyond limit %d: %w", pgno, p.maxPgno, pcerrors.ErrFull)
		}
		if noContent {
			if pgno <= p.dbOrigSize {
				p.inJournal.Set(uint32(pgno))
			}
			p.addToSavepointBitvecs(pgno)
		}
		pg.Zero()
	} else {
		if err := p.readDbPage(pg); err != nil {
			p.discard(pg)
			return nil, err
		}
		p.stats.Misses++
	}
	pg.ClearFlags(pcache.FlagNeedRead)
	return pg, nil
}

// discard gives up a page that failed to initialize. A page the caller
// already held elsewhere keeps its other references.
func (p *Pager) discard(pg *Page) {
	if pg.RefCount() == 1 {
		p.cache.Drop(pg)
		return
	}
	p.cache.Release(pg)
}

// readDbPage fills pg from the WAL or the database file. Bytes past the end
// of the file read as zero.
func (p *Pager) readDbPage(pg *Page) error {
	pgno := pg.ID()
	if p.wal != nil {
		found, err := p.wal.Read(uint32(pgno), pg.Data)
		if err != nil {
			return err
		}
		if found {
			p.updateFileVers(pg)
			return nil
		}
	}
	_, err := p.file.ReadAt(pg.Data, int64(pgno-1)*int64(p.pageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return pcerrors.NewIO(pcerrors.IORead, p.filename, err)
	}
	p.updateFileVers(pg)
	return nil
}

func (p *Pager) updateFileVers(pg *Page) {
	if pg.ID() == 1 {
		copy(p.dbFileVers[:], pg.Data[OffsetFileChangeCounter:])
	}
}

// Lookup returns page pgno with a reference held if it is cached, or nil.
// It never reads the database file.
func (p *Pager) Lookup(pgno Pgno) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pgno == 0 || p.state == StateOpen || p.state == StateError {
		return nil
	}
	pg, err := p.cache.Fetch(pgno, false)
	if err != nil || pg == nil {
		return nil
	}
	if pg.Has(pcache.FlagNeedRead) {
		p.cache.Release(pg)
		return nil
	}
	return pg
}

// Ref adds a reference to a page already referenced by the caller.
func (p *Pager) Ref(pg *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Ref(pg)
}

// Unref drops a reference. When no page is referenced any more, a reader
// releases its SHARED lock.
func (p *Pager) Unref(pg *Page) {
	if pg == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unref(pg)
}

func (p *Pager) unref(pg *Page) {
	p.cache.Release(pg)
	p.unlockIfUnused()
}

// stress is called by the page cache when it needs to reuse a dirty page.
// The page is written to the database file, or to the WAL, and made clean.
// Spilling is refused while the pager is in an error state or while a
// multi-page sector is being journaled.
func (p *Pager) stress(pg *Page) error {
	if p.errCode != nil || p.doNotSpill {
		return nil
	}

	var err error
	if p.wal != nil {
		if p.subjRequiresPage(pg.ID()) {
			err = p.subjournalPage(pg)
		}
		if err == nil {
			err = p.walFrames([]*Page{pg}, 0, false)
		}
	} else {
		if pg.Has(pcache.FlagNeedSync) || p.state == StateWriterCachemod {
			err = p.syncJournal(true)
		}
		if err == nil && pg.ID() > p.dbSize && p.subjRequiresPage(pg.ID()) {
			err = p.subjournalPage(pg)
		}
		if err == nil {
			err = p.writePageList([]*Page{pg})
		}
	}
	if err == nil {
		p.cache.MakeClean(pg)
		p.stats.Spills++
		logging.CacheSpill(p.log, p.filename, uint32(pg.ID()))
	}
	return p.pagerError(err, "spill")
}

// MovePage gives pg the page number pgno, replacing whatever page was
// cached there. pg must be writable. isCommit is set when the move is part
// of the commit itself, which makes a sync of the old location unnecessary.
func (p *Pager) MovePage(pg *Page, pgno Pgno, isCommit bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pgno == 0 || pgno == p.lockingPage() {
		return pcerrors.NewCorrupt(p.filename, "cannot move page %d to %d", pg.ID(), pgno)
	}

	if p.memDB {
		if err := p.write(pg); err != nil {
			return err
		}
	}

	if pg.IsDirty() && p.subjRequiresPage(pg.ID()) {
		if err := p.subjournalPage(pg); err != nil {
			return err
		}
	}

	// The old location's journal record must reach disk before the page
	// written there is overwritten.
	var needSyncPgno Pgno
	if pg.Has(pcache.FlagNeedSync) && !isCommit {
		needSyncPgno = pg.ID()
	}
	pg.ClearFlags(pcache.FlagNeedSync)

	old, err := p.cache.Fetch(pgno, false)
	if err != nil {
		return err
	}
	if old != nil {
		if old.Has(pcache.FlagNeedSync) {
			pg.SetFlags(pcache.FlagNeedSync)
		}
		if p.memDB {
			p.cache.Move(old, p.dbSize+1)
		} else {
			p.cache.Drop(old)
		}
	}

	origPgno := pg.ID()
	p.cache.Move(pg, pgno)
	p.cache.MakeDirty(pg)

	if p.memDB && old != nil {
		// The page at the old location stays part of the image.
		p.cache.Move(old, origPgno)
		p.cache.Release(old)
	}

	if needSyncPgno != 0 {
		hdr, err := p.acquire(needSyncPgno, false)
		if err != nil {
			if needSyncPgno <= p.dbOrigSize {
				p.inJournal.Clear(uint32(needSyncPgno))
			}
			return err
		}
		hdr.SetFlags(pcache.FlagNeedSync)
		p.cache.MakeDirty(hdr)
		p.cache.Release(hdr)
	}
	return nil
}

// walFrames appends pages to the WAL. A commit drops pages past dbSize
// and forwards the written content to registered backups.
func (p *Pager) walFrames(pages []*Page, dbSize Pgno, commit bool) error {
	frames := make([]wal.Frame, 0, len(pages))
	for _, pg := range pages {
		if commit && pg.ID() > dbSize {
			continue
		}
		frames = append(frames, wal.Frame{Pgno: uint32(pg.ID()), Data: pg.Data})
	}
	if len(frames) == 0 {
		return nil
	}
	if err := p.wal.Frames(frames, uint32(dbSize), commit, !p.noSync); err != nil {
		return err
	}
	for _, f := range frames {
		if f.Pgno == 1 {
			copy(p.dbFileVers[:], f.Data[OffsetFileChangeCounter:])
		}
		for _, b := range p.backups {
			b.Update(Pgno(f.Pgno), f.Data)
		}
	}
	p.stats.Writes += uint64(len(frames))
	return nil
}
