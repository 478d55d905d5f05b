package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// Read copies the newest logged copy of page pgno into buf. It reports
// false if the log holds no copy.
func (w *Log) Read(pgno uint32, buf []byte) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.index[pgno]
	if !ok {
		return false, nil
	}
	if _, err := w.file.ReadAt(buf[:w.pageSize], w.frameOffset(i)+FrameHeaderSize); err != nil {
		return false, pcerrors.NewIO(pcerrors.IORead, w.name, err)
	}
	return true, nil
}

// Frames appends pages to the log. With commit set the last frame records
// dbSize and ends the transaction, and sync makes the log durable before
// returning. A commit that brings the log to the auto-checkpoint size
// checkpoints.
func (w *Log) Frames(frames []Frame, dbSize uint32, commit, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(frames) == 0 {
		return nil
	}
	if len(w.frames) == 0 && !w.hdrValid {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	buf := make([]byte, FrameHeaderSize+w.pageSize)
	prev := w.lastChecksum(len(w.frames))
	for n, f := range frames {
		if len(f.Data) != w.pageSize {
			return fmt.Errorf("frame for page %d has %d bytes, want %d: %w", f.Pgno, len(f.Data), w.pageSize, pcerrors.ErrMisuse)
		}
		var size uint32
		if commit && n == len(frames)-1 {
			size = dbSize
		}
		binary.BigEndian.PutUint32(buf[0:], f.Pgno)
		binary.BigEndian.PutUint32(buf[4:], size)
		binary.BigEndian.PutUint32(buf[8:], w.salt[0])
		binary.BigEndian.PutUint32(buf[12:], w.salt[1])
		copy(buf[FrameHeaderSize:], f.Data)
		prev = frameChecksum(prev, buf[:16], f.Data)
		binary.BigEndian.PutUint64(buf[16:], prev)

		i := len(w.frames)
		if _, err := w.file.WriteAt(buf, w.frameOffset(i)); err != nil {
			return pcerrors.NewIO(pcerrors.IOWrite, w.name, err)
		}
		w.frames = append(w.frames, frameInfo{pgno: f.Pgno, cksum: prev})
		w.index[f.Pgno] = i
	}

	if !commit {
		return nil
	}
	if sync {
		if err := w.file.Sync(vfs.SyncNormal); err != nil {
			return pcerrors.NewIO(pcerrors.IOFsync, w.name, err)
		}
	}
	w.committed = len(w.frames)
	w.dbSize = dbSize
	if w.autoCheckpoint > 0 && w.committed >= w.autoCheckpoint {
		if _, err := w.checkpoint(sync); err != nil {
			return err
		}
	}
	return nil
}

// Savepoint returns the current end of the log.
func (w *Log) Savepoint() Mark {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Mark{frame: len(w.frames), cksum: w.lastChecksum(len(w.frames))}
}

// SavepointUndo discards the frames appended since m. Frames that were
// committed in the meantime are kept.
func (w *Log) SavepointUndo(m Mark) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m.frame >= len(w.frames) || m.frame < w.committed {
		return nil
	}
	if w.lastChecksum(m.frame) != m.cksum {
		return fmt.Errorf("stale WAL savepoint: %w", pcerrors.ErrMisuse)
	}
	w.frames = w.frames[:m.frame]
	w.rebuildIndex()
	return nil
}

// Undo discards every uncommitted frame. fn, if not nil, is called once
// for each page such a frame held, after the frames are gone.
func (w *Log) Undo(fn func(pgno uint32) error) error {
	w.mu.Lock()
	var pages []uint32
	for _, f := range w.frames[w.committed:] {
		if !slices.Contains(pages, f.pgno) {
			pages = append(pages, f.pgno)
		}
	}
	w.frames = w.frames[:w.committed]
	w.rebuildIndex()
	w.mu.Unlock()

	if fn == nil {
		return nil
	}
	var errs []error
	for _, pgno := range pages {
		if err := fn(pgno); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Checkpoint copies the newest committed copy of every page into the
// database file in ascending page order, truncates the database to the
// committed size and resets the log. It returns the number of pages
// copied. It fails with ErrBusy while uncommitted frames exist.
func (w *Log) Checkpoint(sync bool) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint(sync)
}

func (w *Log) checkpoint(sync bool) (int, error) {
	if len(w.frames) > w.committed {
		return 0, fmt.Errorf("uncommitted WAL frames: %w", pcerrors.ErrBusy)
	}
	if w.committed == 0 {
		return 0, nil
	}

	pages := make([]uint32, 0, len(w.index))
	for pgno := range w.index {
		if pgno <= w.dbSize {
			pages = append(pages, pgno)
		}
	}
	slices.Sort(pages)

	buf := make([]byte, w.pageSize)
	for _, pgno := range pages {
		if _, err := w.file.ReadAt(buf, w.frameOffset(w.index[pgno])+FrameHeaderSize); err != nil && !errors.Is(err, io.EOF) {
			return 0, pcerrors.NewIO(pcerrors.IORead, w.name, err)
		}
		if _, err := w.db.WriteAt(buf, int64(pgno-1)*int64(w.pageSize)); err != nil {
			return 0, pcerrors.NewIO(pcerrors.IOWrite, "database", err)
		}
	}
	if err := w.db.Truncate(int64(w.dbSize) * int64(w.pageSize)); err != nil {
		return 0, pcerrors.NewIO(pcerrors.IOTruncate, "database", err)
	}
	if sync {
		if err := w.db.Sync(vfs.SyncNormal); err != nil {
			return 0, pcerrors.NewIO(pcerrors.IOFsync, "database", err)
		}
	}

	n := w.committed
	w.frames = w.frames[:0]
	w.committed = 0
	clear(w.index)
	w.ckptSeq++
	w.hdrValid = false
	if err := w.file.Truncate(0); err != nil {
		return len(pages), pcerrors.NewIO(pcerrors.IOTruncate, w.name, err)
	}
	w.log.Debug("WAL checkpoint", "path", w.name, "frames", n, "pages", len(pages))
	return len(pages), nil
}
