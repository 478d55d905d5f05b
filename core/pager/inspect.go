package pager

import (
	"bytes"
	"fmt"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// JournalInfo describes a rollback journal file.
type JournalInfo struct {
	Size int64

	// Master journal named by the trailing master record, if any
	Master string

	Segments []JournalSegment
}

// JournalSegment is one journal header and the records that follow it.
type JournalSegment struct {
	Offset int64

	// Synced is set once the header magic has been written. Records of an
	// unsynced segment are counted from the file size.
	Synced bool

	NRec       uint32
	Nonce      uint32
	OrigPages  uint32
	SectorSize int
	PageSize   int

	Records []JournalRecord
}

// JournalRecord is one page image in a journal.
type JournalRecord struct {
	Offset   int64
	Pgno     Pgno
	Checksum uint32

	// Valid reports whether the checksum matches the page image.
	Valid bool
}

// InspectJournal decodes every header and record of journal f without
// changing it. A journal whose first header is unreadable yields
// ErrCorrupt together with what could be read.
func InspectJournal(f vfs.File) (*JournalInfo, error) {
	size, err := f.Size()
	if err != nil {
		return nil, pcerrors.NewIO(pcerrors.IOFstat, "journal", err)
	}
	info := &JournalInfo{Size: size}
	if info.Master, err = readMasterJournal(f); err != nil {
		return info, pcerrors.NewIO(pcerrors.IORead, "journal", err)
	}
	if size < journalHeaderFields {
		return info, nil
	}

	var buf [journalHeaderFields]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return info, pcerrors.NewIO(pcerrors.IORead, "journal", err)
	}
	sector := int64(get32(buf[20:]))
	pageSize := int(get32(buf[24:]))
	if sector < 32 || sector > MaxSectorSize || sector&(sector-1) != 0 || !isValidPageSize(pageSize) {
		return info, pcerrors.NewCorrupt("journal", "header sector size %d, page size %d", sector, pageSize)
	}
	recSize := int64(pageSize) + 8
	locking := Pgno(vfs.PendingByte/pageSize) + 1
	data := make([]byte, pageSize)

	for off := int64(0); off+sector <= size; {
		if _, err := f.ReadAt(buf[:], off); err != nil {
			return info, pcerrors.NewIO(pcerrors.IORead, "journal", err)
		}
		seg := JournalSegment{
			Offset:     off,
			Synced:     bytes.Equal(buf[:8], journalMagic),
			NRec:       get32(buf[8:]),
			Nonce:      get32(buf[12:]),
			OrigPages:  get32(buf[16:]),
			SectorSize: int(get32(buf[20:])),
			PageSize:   int(get32(buf[24:])),
		}
		if off > 0 && !seg.Synced {
			break
		}
		n := int64(seg.NRec)
		if !seg.Synced || seg.NRec == journalNRecUnknown {
			n = (size - off - sector) / recSize
		}

		rec := off + sector
		for i := int64(0); i < n && rec+recSize <= size; i++ {
			var field [4]byte
			if _, err := f.ReadAt(field[:], rec); err != nil {
				return info, pcerrors.NewIO(pcerrors.IORead, "journal", err)
			}
			pgno := Pgno(get32(field[:]))
			if pgno == 0 || pgno == locking {
				break
			}
			if _, err := f.ReadAt(data, rec+4); err != nil {
				return info, pcerrors.NewIO(pcerrors.IORead, "journal", err)
			}
			if _, err := f.ReadAt(field[:], rec+4+int64(pageSize)); err != nil {
				return info, pcerrors.NewIO(pcerrors.IORead, "journal", err)
			}
			sum := get32(field[:])
			seg.Records = append(seg.Records, JournalRecord{
				Offset:   rec,
				Pgno:     pgno,
				Checksum: sum,
				Valid:    journalChecksum(seg.Nonce, data) == sum,
			})
			rec += recSize
		}
		info.Segments = append(info.Segments, seg)
		off = ((rec-1)/sector + 1) * sector
	}
	return info, nil
}

// Records returns the number of records in every segment.
func (j *JournalInfo) Records() int {
	n := 0
	for _, s := range j.Segments {
		n += len(s.Records)
	}
	return n
}

func (s JournalSegment) String() string {
	return fmt.Sprintf("header@%d synced=%v nRec=%d nonce=%#08x orig=%d sector=%d page=%d",
		s.Offset, s.Synced, s.NRec, s.Nonce, s.OrigPages, s.SectorSize, s.PageSize)
}
