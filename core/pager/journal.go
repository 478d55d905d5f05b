package pager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/FocuswithJustin/pagecore/core/bitvec"
	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// Rollback journal layout
const (
	// journalNRecUnknown in the record-count field means "count the records
	// from the file size". It is written when syncs are skipped.
	journalNRecUnknown = 0xffffffff

	// journalHeaderFields is the number of meaningful header bytes; the rest
	// of the header sector is padding.
	journalHeaderFields = 28

	// masterRecordOverhead is the fixed part of a master journal record:
	// locking page, name length, name checksum and magic.
	masterRecordOverhead = 20
)

// journalMagic opens every journal header and closes a master journal
// record.
var journalMagic = []byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}

// journalHdrSize is the size of one journal header: a full sector, so that
// a torn header write never clobbers a record.
func (p *Pager) journalHdrSize() int64 {
	return int64(p.sectorSize)
}

// journalRecordSize is the size of one main journal record.
func (p *Pager) journalRecordSize() int64 {
	return int64(p.pageSize) + 8
}

// journalHdrOffset rounds journalOff up to the next header boundary.
func (p *Pager) journalHdrOffset() int64 {
	off := p.journalOff
	if off == 0 {
		return 0
	}
	hs := p.journalHdrSize()
	return ((off-1)/hs + 1) * hs
}

// checksum is the record checksum: the header nonce plus every 200th byte
// of the page, walking down from the end.
func (p *Pager) checksum(data []byte) uint32 {
	return journalChecksum(p.cksumInit, data[:p.pageSize])
}

func journalChecksum(nonce uint32, data []byte) uint32 {
	sum := nonce
	for i := len(data) - 200; i > 0; i -= 200 {
		sum += uint32(data[i])
	}
	return sum
}

// deviceChars returns the characteristics of the database device.
func (p *Pager) deviceChars() vfs.DeviceCharacteristics {
	if p.file == nil {
		return 0
	}
	return p.file.DeviceCharacteristics()
}

// writeJournalHdr appends a header at the next header offset. Unless syncs
// are skipped the magic and record count stay zero until syncJournal
// writes them, so a crash before that leaves an empty journal.
func (p *Pager) writeJournalHdr() error {
	hs := p.journalHdrSize()
	for _, sp := range p.savepoints {
		if sp.hdrOffset == 0 {
			sp.hdrOffset = p.journalOff
		}
	}
	p.journalHdr = p.journalHdrOffset()
	p.journalOff = p.journalHdr

	chunk := int64(p.pageSize)
	if chunk > hs {
		chunk = hs
	}
	hdr := make([]byte, chunk)
	if p.noSync || p.journalMode == JournalModeMemory || p.deviceChars().Has(vfs.IOCapSafeAppend) {
		copy(hdr, journalMagic)
		put32(hdr[8:], journalNRecUnknown)
	}
	p.cksumInit = rand.Uint32()
	put32(hdr[12:], p.cksumInit)
	put32(hdr[16:], uint32(p.dbOrigSize))
	put32(hdr[20:], uint32(p.sectorSize))
	put32(hdr[24:], uint32(p.pageSize))

	for n := int64(0); n < hs; n += chunk {
		if _, err := p.jfd.WriteAt(hdr, p.journalOff); err != nil {
			return pcerrors.NewIO(pcerrors.IOWrite, p.journalName, err)
		}
		p.journalOff += chunk
	}
	return nil
}

// journalHeader is a decoded journal header.
type journalHeader struct {
	nRec   uint32
	dbSize Pgno
}

// readJournalHdr reads the header at the next header offset. done reports
// that no further valid header exists. On the first header the page and
// sector sizes recorded by the writer are adopted.
func (p *Pager) readJournalHdr(isHot bool, size int64) (h journalHeader, done bool, err error) {
	p.journalOff = p.journalHdrOffset()
	if p.journalOff+p.journalHdrSize() > size {
		return h, true, nil
	}
	off := p.journalOff

	var buf [journalHeaderFields]byte
	if _, err := p.jfd.ReadAt(buf[:], off); err != nil {
		return h, false, pcerrors.NewIO(pcerrors.IORead, p.journalName, err)
	}
	if (isHot || off != p.journalHdr) && !bytes.Equal(buf[:8], journalMagic) {
		return h, true, nil
	}
	h.nRec = get32(buf[8:])
	p.cksumInit = get32(buf[12:])
	h.dbSize = Pgno(get32(buf[16:]))

	if off == 0 {
		sector := int(get32(buf[20:]))
		page := int(get32(buf[24:]))
		if page == 0 {
			page = p.pageSize
		}
		if !isValidPageSize(page) || sector < 32 || sector > MaxSectorSize || sector&(sector-1) != 0 {
			return h, true, nil
		}
		if err := p.setPageSize(page); err != nil {
			return h, false, err
		}
		p.sectorSize = sector
	}
	p.journalOff += p.journalHdrSize()
	return h, false, nil
}

// syncJournal makes every record written so far durable and then writes
// the real record count into the current header. With newHdr a fresh
// header is started so that later records get their own count.
func (p *Pager) syncJournal(newHdr bool) error {
	if err := p.exclusiveLock(); err != nil {
		return err
	}
	if !p.noSync {
		if p.jfd != nil && p.journalMode != JournalModeMemory {
			dc := p.deviceChars()
			if !dc.Has(vfs.IOCapSafeAppend) {
				// A stale header left by a persistent journal must not be
				// mistaken for part of this transaction.
				next := p.journalHdrOffset()
				var magic [8]byte
				_, err := p.jfd.ReadAt(magic[:], next)
				switch {
				case err == nil && bytes.Equal(magic[:], journalMagic):
					if _, err := p.jfd.WriteAt([]byte{0}, next); err != nil {
						return pcerrors.NewIO(pcerrors.IOWrite, p.journalName, err)
					}
				case err != nil && !errors.Is(err, io.EOF):
					return pcerrors.NewIO(pcerrors.IORead, p.journalName, err)
				}

				if p.fullSync && !dc.Has(vfs.IOCapSequential) {
					if err := p.jfd.Sync(p.syncFlags); err != nil {
						return pcerrors.NewIO(pcerrors.IOFsync, p.journalName, err)
					}
				}
				hdr := make([]byte, 12)
				copy(hdr, journalMagic)
				put32(hdr[8:], uint32(p.nRec))
				if _, err := p.jfd.WriteAt(hdr, p.journalHdr); err != nil {
					return pcerrors.NewIO(pcerrors.IOWrite, p.journalName, err)
				}
			}
			if !dc.Has(vfs.IOCapSequential) {
				flags := p.syncFlags
				if flags == vfs.SyncFull {
					flags |= vfs.SyncDataOnly
				}
				if err := p.jfd.Sync(flags); err != nil {
					return pcerrors.NewIO(pcerrors.IOFsync, p.journalName, err)
				}
			}
			p.journalHdr = p.journalOff
			if newHdr && !dc.Has(vfs.IOCapSafeAppend) {
				p.nRec = 0
				if err := p.writeJournalHdr(); err != nil {
					return err
				}
			}
		} else {
			p.journalHdr = p.journalOff
		}
	}
	p.cache.ClearSyncFlags()
	p.state = StateWriterDbmod
	return nil
}

// syncHotJournal syncs a journal found hot before playing it back, so that
// the playback never trusts records that were not durable.
func (p *Pager) syncHotJournal() error {
	if !p.noSync {
		if err := p.jfd.Sync(vfs.SyncNormal); err != nil {
			return pcerrors.NewIO(pcerrors.IOFsync, p.journalName, err)
		}
	}
	size, err := p.jfd.Size()
	if err != nil {
		return pcerrors.NewIO(pcerrors.IOFstat, p.journalName, err)
	}
	p.journalHdr = size
	return nil
}

// zeroJournalHdr invalidates a journal that is kept on disk after commit,
// either by truncating it or by zeroing its first header.
func (p *Pager) zeroJournalHdr(doTruncate bool) error {
	if p.journalOff == 0 {
		return nil
	}
	var err error
	if doTruncate || p.journalSizeLimit == 0 {
		err = p.jfd.Truncate(0)
		if err != nil {
			err = pcerrors.NewIO(pcerrors.IOTruncate, p.journalName, err)
		}
	} else {
		var zero [journalHeaderFields]byte
		if _, werr := p.jfd.WriteAt(zero[:], 0); werr != nil {
			err = pcerrors.NewIO(pcerrors.IOWrite, p.journalName, werr)
		}
	}
	if err == nil && !p.noSync {
		if serr := p.jfd.Sync(vfs.SyncDataOnly | p.syncFlags); serr != nil {
			err = pcerrors.NewIO(pcerrors.IOFsync, p.journalName, serr)
		}
	}
	if err == nil && p.journalSizeLimit > 0 {
		size, serr := p.jfd.Size()
		if serr == nil && size > p.journalSizeLimit {
			serr = p.jfd.Truncate(p.journalSizeLimit)
		}
		if serr != nil {
			err = pcerrors.NewIO(pcerrors.IOTruncate, p.journalName, serr)
		}
	}
	return err
}

// writeMasterJournal appends the master journal record naming master.
func (p *Pager) writeMasterJournal(master string) error {
	if master == "" || p.setMaster || p.journalMode == JournalModeMemory || p.journalMode == JournalModeOff || p.jfd == nil {
		return nil
	}
	p.setMaster = true

	name := []byte(master)
	var sum uint32
	for _, c := range name {
		sum += uint32(c)
	}
	if p.fullSync {
		p.journalOff = p.journalHdrOffset()
	}

	rec := make([]byte, 0, len(name)+masterRecordOverhead)
	rec = put32a(rec, uint32(p.lockingPage()))
	rec = append(rec, name...)
	rec = put32a(rec, uint32(len(name)))
	rec = put32a(rec, sum)
	rec = append(rec, journalMagic...)
	if _, err := p.jfd.WriteAt(rec, p.journalOff); err != nil {
		return pcerrors.NewIO(pcerrors.IOWrite, p.journalName, err)
	}
	p.journalOff += int64(len(rec))

	// A longer persistent journal would hide the record from recovery.
	size, err := p.jfd.Size()
	if err != nil {
		return pcerrors.NewIO(pcerrors.IOFstat, p.journalName, err)
	}
	if size > p.journalOff {
		if err := p.jfd.Truncate(p.journalOff); err != nil {
			return pcerrors.NewIO(pcerrors.IOTruncate, p.journalName, err)
		}
	}
	return nil
}

func put32a(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// readMasterJournal returns the master journal name recorded at the end of
// journal f, or "" if there is none or the record does not check out.
func readMasterJournal(f vfs.File) (string, error) {
	size, err := f.Size()
	if err != nil {
		return "", err
	}
	if size < 16 {
		return "", nil
	}
	var tail [16]byte
	if _, err := f.ReadAt(tail[:], size-16); err != nil {
		return "", err
	}
	n := int64(get32(tail[0:]))
	sum := get32(tail[4:])
	if !bytes.Equal(tail[8:], journalMagic) || n == 0 || n > size-16 {
		return "", nil
	}
	name := make([]byte, n)
	if _, err := f.ReadAt(name, size-16-n); err != nil {
		return "", err
	}
	for _, c := range name {
		sum -= uint32(c)
	}
	if sum != 0 {
		return "", nil
	}
	// Names are NUL-free; a NUL means the record was never completed.
	if i := bytes.IndexByte(name, 0); i >= 0 {
		return "", nil
	}
	return string(name), nil
}

// openJournal opens the journal for a new write transaction and writes
// its first header.
func (p *Pager) openJournal() error {
	if p.readOnly {
		return pcerrors.ErrReadOnly
	}
	if p.wal == nil && p.journalMode != JournalModeOff {
		p.inJournal = bitvec.New(uint32(p.dbSize))

		if p.jfd == nil {
			var err error
			switch {
			case p.journalMode == JournalModeMemory || p.memDB:
				p.jfd = vfs.NewMemoryFile()
				p.jfdInMemory = true
			case p.tempFile:
				p.jfd, err = p.fs.Open("", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenExclusive|vfs.OpenDeleteOnClose|vfs.OpenTempJournal)
				p.jfdInMemory = false
			default:
				p.jfd, err = p.fs.Open(p.journalName, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenMainJournal)
				p.jfdInMemory = false
			}
			if err != nil {
				p.inJournal = nil
				return fmt.Errorf("failed to open journal: %w", err)
			}
		}

		p.nRec = 0
		p.journalOff = 0
		p.setMaster = false
		p.journalHdr = 0
		if err := p.writeJournalHdr(); err != nil {
			p.inJournal = nil
			return err
		}
	}
	p.state = StateWriterCachemod
	return nil
}

// journalPage appends pg's current content to the main journal.
func (p *Pager) journalPage(pg *Page) error {
	rec := make([]byte, p.journalRecordSize())
	put32(rec, uint32(pg.ID()))
	copy(rec[4:], pg.Data)
	put32(rec[4+p.pageSize:], p.checksum(pg.Data))
	if _, err := p.jfd.WriteAt(rec, p.journalOff); err != nil {
		return pcerrors.NewIO(pcerrors.IOWrite, p.journalName, err)
	}
	p.journalOff += int64(len(rec))
	p.nRec++
	p.inJournal.Set(uint32(pg.ID()))
	return p.addToSavepointBitvecs(pg.ID())
}

// openSubJournal opens the savepoint sub-journal on first use.
func (p *Pager) openSubJournal() error {
	if p.sjfd != nil {
		return nil
	}
	if p.journalMode == JournalModeMemory || p.subjInMemory || p.memDB {
		p.sjfd = vfs.NewMemoryFile()
		p.subjIsMemory = true
		return nil
	}
	f, err := p.fs.Open("", vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenExclusive|vfs.OpenDeleteOnClose|vfs.OpenSubJournal)
	if err != nil {
		return fmt.Errorf("failed to open sub-journal: %w", err)
	}
	p.sjfd = f
	p.subjIsMemory = false
	return nil
}

// subjournalPage appends pg's current content to the sub-journal so that
// a savepoint rollback can restore it.
func (p *Pager) subjournalPage(pg *Page) error {
	if p.journalMode != JournalModeOff {
		if err := p.openSubJournal(); err != nil {
			return err
		}
		rec := make([]byte, 4+p.pageSize)
		put32(rec, uint32(pg.ID()))
		copy(rec[4:], pg.Data)
		off := int64(p.nSubRec) * int64(len(rec))
		if _, err := p.sjfd.WriteAt(rec, off); err != nil {
			return pcerrors.NewIO(pcerrors.IOWrite, "sub-journal", err)
		}
	}
	p.nSubRec++
	return p.addToSavepointBitvecs(pg.ID())
}
