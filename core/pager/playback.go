package pager

import (
	"bytes"
	"errors"
	"io"

	"github.com/FocuswithJustin/pagecore/core/bitvec"
	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/pcache"
	"github.com/FocuswithJustin/pagecore/core/vfs"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

// errShortRead reports a journal that ends in the middle of a record.
var errShortRead = errors.New("short journal read")

func readJournal(f vfs.File, name string, p []byte, off int64) error {
	_, err := f.ReadAt(p, off)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return errShortRead
	}
	return pcerrors.NewIO(pcerrors.IORead, name, err)
}

// playbackOnePage restores one record read at *off from the main journal
// or, with isMain unset, from the sub-journal. *off is advanced past the
// record. finished reports a record that ends the playback: a zero page
// number, the locking page, or a checksum mismatch in a main journal
// rollback. Pages beyond the current database size or already in done are
// skipped.
func (p *Pager) playbackOnePage(off *int64, done *bitvec.Bitvec, isMain, isSavepoint bool) (finished bool, err error) {
	f, name := p.jfd, p.journalName
	if !isMain {
		f, name = p.sjfd, "sub-journal"
	}

	var field [4]byte
	if err := readJournal(f, name, field[:], *off); err != nil {
		return false, err
	}
	pgno := Pgno(get32(field[:]))
	data := p.tmp
	if err := readJournal(f, name, data, *off+4); err != nil {
		return false, err
	}
	*off += int64(p.pageSize) + 4
	var sum uint32
	if isMain {
		if err := readJournal(f, name, field[:], *off); err != nil {
			return false, err
		}
		sum = get32(field[:])
		*off += 4
	}

	if pgno == 0 || pgno == p.lockingPage() {
		return true, nil
	}
	if pgno > p.dbSize || done.Test(uint32(pgno)) {
		return false, nil
	}
	if isMain && !isSavepoint && p.checksum(data) != sum {
		return true, nil
	}
	done.Set(uint32(pgno))

	var pg *Page
	if p.wal == nil {
		if pg, err = p.cache.Fetch(pgno, false); err != nil {
			return false, err
		}
	}

	var synced bool
	if isMain {
		synced = p.noSync || *off <= p.journalHdr
	} else {
		synced = pg == nil || !pg.Has(pcache.FlagNeedSync)
	}

	switch {
	case p.file != nil && (p.state >= StateWriterDbmod || p.state == StateOpen) && synced:
		if _, err := p.file.WriteAt(data, int64(pgno-1)*int64(p.pageSize)); err != nil {
			p.releaseLooked(pg)
			return false, pcerrors.NewIO(pcerrors.IOWrite, p.filename, err)
		}
		if pgno > p.dbFileSize {
			p.dbFileSize = pgno
		}
		for _, b := range p.backups {
			b.Update(pgno, data)
		}
	case !isMain && pg == nil:
		// The page must come back into the cache so the next commit writes it.
		p.doNotSpill = true
		pg, err = p.acquire(pgno, true)
		p.doNotSpill = false
		if err != nil {
			return false, err
		}
		p.cache.MakeDirty(pg)
	}

	if pg != nil {
		copy(pg.Data, data)
		pg.ClearFlags(pcache.FlagNeedRead)
		if isMain && (!isSavepoint || *off <= p.journalHdr) {
			p.cache.MakeClean(pg)
		}
		if pgno == 1 {
			copy(p.dbFileVers[:], pg.Data[OffsetFileChangeCounter:])
		}
		p.cache.Release(pg)
	}
	return false, nil
}

func (p *Pager) releaseLooked(pg *Page) {
	if pg != nil {
		p.cache.Release(pg)
	}
}

// playback rolls the database back from the main journal: either a hot
// journal found at open (isHot) or the journal of the transaction being
// rolled back. When the journal names a master journal that no longer
// exists the transaction had committed and nothing is replayed.
func (p *Pager) playback(isHot bool) error {
	szJ, err := p.jfd.Size()
	if err != nil {
		return pcerrors.NewIO(pcerrors.IOFstat, p.journalName, err)
	}

	master, err := readMasterJournal(p.jfd)
	if err != nil {
		return pcerrors.NewIO(pcerrors.IORead, p.journalName, err)
	}
	masterLive := false
	if master != "" {
		if masterLive, err = p.fs.Exists(master); err != nil {
			return pcerrors.NewIO(pcerrors.IOAccess, master, err)
		}
	}

	p.journalOff = 0
	records := 0
	needReset := isHot
	if master == "" || masterLive {
		err = p.playbackRecords(isHot, szJ, &records, &needReset)
	}

	if err == nil {
		// The page size may have changed; read the name again.
		if master, err = readMasterJournal(p.jfd); err != nil {
			err = pcerrors.NewIO(pcerrors.IORead, p.journalName, err)
		}
	}
	if err == nil && (p.state >= StateWriterDbmod || p.state == StateOpen) {
		err = p.syncDB()
	}
	if err == nil {
		err = p.endTransaction(master != "", false)
	}
	if err == nil && master != "" && masterLive {
		err = p.delMaster(master)
	}
	if isHot && err == nil {
		logging.JournalRecovered(p.log, p.journalName, records, uint32(p.dbSize))
	}
	p.setSectorSize()
	return err
}

func (p *Pager) playbackRecords(isHot bool, szJ int64, records *int, needReset *bool) error {
	for {
		h, last, err := p.readJournalHdr(isHot, szJ)
		if err != nil {
			return err
		}
		if last {
			return nil
		}

		nRec := int64(h.nRec)
		if h.nRec == journalNRecUnknown {
			nRec = (szJ - p.journalOff) / p.journalRecordSize()
		}
		// A zero count in the header being written means the record count
		// was never synced; trust the file size instead.
		if nRec == 0 && !isHot && p.journalHdr+p.journalHdrSize() == p.journalOff {
			nRec = (szJ - p.journalOff) / p.journalRecordSize()
		}

		if p.journalOff == p.journalHdrSize() {
			if err := p.truncate(h.dbSize); err != nil {
				return err
			}
			p.dbSize = h.dbSize
		}

		for i := int64(0); i < nRec; i++ {
			if *needReset {
				p.reset()
				*needReset = false
			}
			finished, err := p.playbackOnePage(&p.journalOff, nil, true, false)
			if errors.Is(err, errShortRead) {
				// A journal torn mid-record was never synced, so the
				// database was never written past it.
				return nil
			}
			if err != nil {
				return err
			}
			if finished {
				p.journalOff = szJ
				break
			}
			*records++
		}
	}
}

// delMaster deletes master journal name unless some child journal it lists
// still exists and still points back at it.
func (p *Pager) delMaster(name string) error {
	f, err := p.fs.Open(name, vfs.OpenReadOnly|vfs.OpenMasterJournal)
	if err != nil {
		return err
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return pcerrors.NewIO(pcerrors.IOFstat, name, err)
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return pcerrors.NewIO(pcerrors.IORead, name, err)
	}
	f.Close()

	for _, child := range bytes.Split(buf, []byte{0}) {
		if len(child) == 0 {
			continue
		}
		childName := string(child)
		exists, err := p.fs.Exists(childName)
		if err != nil {
			return pcerrors.NewIO(pcerrors.IOAccess, childName, err)
		}
		if !exists {
			continue
		}
		cf, err := p.fs.Open(childName, vfs.OpenReadOnly|vfs.OpenMainJournal)
		if err != nil {
			return err
		}
		ref, err := readMasterJournal(cf)
		cf.Close()
		if err != nil {
			return pcerrors.NewIO(pcerrors.IORead, childName, err)
		}
		if ref == name {
			// That child is hot and still needs the master.
			return nil
		}
	}
	return p.fs.Delete(name, false)
}
