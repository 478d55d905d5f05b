package pager

import (
	"fmt"

	"github.com/FocuswithJustin/pagecore/core/bitvec"
	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/wal"
)

// SavepointOp selects what Savepoint does.
type SavepointOp int

const (
	// SavepointRelease discards savepoint idx and every newer one, keeping
	// their changes.
	SavepointRelease SavepointOp = iota
	// SavepointRollback undoes every change made since savepoint idx was
	// opened. Savepoint idx stays open; newer ones are discarded.
	SavepointRollback
)

func (op SavepointOp) String() string {
	if op == SavepointRelease {
		return "release"
	}
	return "rollback"
}

// savepoint records where the journals stood when it was opened.
type savepoint struct {
	// Main journal offset of the first record written after the savepoint
	offset int64

	// Offset of the first journal header written after the savepoint, or 0
	hdrOffset int64

	// Pages journaled since the savepoint was opened
	inSavepoint *bitvec.Bitvec

	// Database size when the savepoint was opened
	orig Pgno

	// Sub-journal record index when the savepoint was opened
	subRec int

	// WAL position when the savepoint was opened
	walMark wal.Mark
}

// OpenSavepoint makes sure at least n savepoints are open. A write
// transaction must be active.
func (p *Pager) OpenSavepoint(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < StateWriterLocked {
		return fmt.Errorf("savepoint outside a write transaction: %w", pcerrors.ErrMisuse)
	}
	return p.openSavepoint(n)
}

func (p *Pager) openSavepoint(n int) error {
	for len(p.savepoints) < n {
		sp := &savepoint{
			orig:        p.dbSize,
			subRec:      p.nSubRec,
			inSavepoint: bitvec.New(uint32(p.dbSize)),
		}
		if p.jfd != nil && p.journalOff > 0 {
			sp.offset = p.journalOff
		} else {
			sp.offset = p.journalHdrSize()
		}
		if p.wal != nil {
			sp.walMark = p.wal.Savepoint()
		}
		p.savepoints = append(p.savepoints, sp)
	}
	return nil
}

// SavepointCount returns the number of open savepoints.
func (p *Pager) SavepointCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.savepoints)
}

// Savepoint releases or rolls back savepoint idx. Rolling back idx -1
// undoes the whole transaction while leaving it open. Indexes past the
// open savepoints are ignored.
func (p *Pager) Savepoint(op SavepointOp, idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if idx < -1 || (idx == -1 && op != SavepointRollback) {
		return fmt.Errorf("invalid savepoint index %d for %s: %w", idx, op, pcerrors.ErrMisuse)
	}
	err := p.savepoint(op, idx)
	return p.pagerError(err, "savepoint")
}

func (p *Pager) savepoint(op SavepointOp, idx int) error {
	if idx >= len(p.savepoints) {
		return nil
	}
	keep := idx
	if op == SavepointRollback {
		keep++
	}
	for _, sp := range p.savepoints[keep:] {
		sp.inSavepoint.Destroy()
	}
	p.savepoints = p.savepoints[:keep]

	if op == SavepointRelease {
		if keep == 0 && p.sjfd != nil {
			if p.subjIsMemory {
				if err := p.sjfd.Truncate(0); err != nil {
					return err
				}
			}
			p.nSubRec = 0
		}
		return nil
	}

	if p.wal == nil && p.jfd == nil {
		return nil
	}
	var sp *savepoint
	if keep > 0 {
		sp = p.savepoints[keep-1]
	}
	return p.playbackSavepoint(sp)
}

// releaseAllSavepoints discards every savepoint and the sub-journal.
func (p *Pager) releaseAllSavepoints() {
	for _, sp := range p.savepoints {
		sp.inSavepoint.Destroy()
	}
	if p.sjfd != nil && (!p.exclusiveMode || p.subjIsMemory) {
		p.sjfd.Close()
		p.sjfd = nil
	}
	p.savepoints = nil
	p.nSubRec = 0
}

// addToSavepointBitvecs marks pgno as journaled in every savepoint that
// covers it.
func (p *Pager) addToSavepointBitvecs(pgno Pgno) error {
	for _, sp := range p.savepoints {
		if pgno <= sp.orig {
			sp.inSavepoint.Set(uint32(pgno))
		}
	}
	return nil
}

// subjRequiresPage reports whether some savepoint still needs the current
// content of pgno recorded.
func (p *Pager) subjRequiresPage(pgno Pgno) bool {
	for _, sp := range p.savepoints {
		if sp.orig >= pgno && !sp.inSavepoint.Test(uint32(pgno)) {
			return true
		}
	}
	return false
}

// pageInJournal reports whether pgno has been written to the main journal
// in this transaction.
func (p *Pager) pageInJournal(pgno Pgno) bool {
	return p.inJournal != nil && p.inJournal.Test(uint32(pgno))
}

// playbackSavepoint restores the database image to its state when sp was
// opened, or to the start of the transaction when sp is nil.
func (p *Pager) playbackSavepoint(sp *savepoint) error {
	var done *bitvec.Bitvec
	if sp != nil {
		done = bitvec.New(uint32(sp.orig))
		defer done.Destroy()
		p.dbSize = sp.orig
	} else {
		p.dbSize = p.dbOrigSize
	}
	p.changeCountDone = p.tempFile

	if sp == nil && p.wal != nil {
		return p.rollbackWAL()
	}

	szJ := p.journalOff
	if sp != nil && p.wal == nil {
		end := sp.hdrOffset
		if end == 0 {
			end = szJ
		}
		p.journalOff = sp.offset
		for p.journalOff < end {
			if _, err := p.playbackOnePage(&p.journalOff, done, true, true); err != nil {
				return err
			}
		}
	} else {
		p.journalOff = 0
	}

	for p.journalOff < szJ {
		h, last, err := p.readJournalHdr(false, szJ)
		if err != nil {
			return err
		}
		if last {
			break
		}
		nRec := int64(h.nRec)
		if nRec == 0 && p.journalHdr+p.journalHdrSize() == p.journalOff {
			nRec = (szJ - p.journalOff) / p.journalRecordSize()
		}
		for i := int64(0); i < nRec && p.journalOff < szJ; i++ {
			if _, err := p.playbackOnePage(&p.journalOff, done, true, true); err != nil {
				return err
			}
		}
	}

	if sp != nil {
		if p.wal != nil {
			if err := p.wal.SavepointUndo(sp.walMark); err != nil {
				return err
			}
		}
		off := int64(sp.subRec) * int64(4+p.pageSize)
		for i := sp.subRec; i < p.nSubRec; i++ {
			if _, err := p.playbackOnePage(&off, done, false, true); err != nil {
				return err
			}
		}
	}

	p.journalOff = szJ
	if p.cache.RefCount() == 0 {
		p.cache.Truncate(p.dbSize)
	}
	return nil
}
