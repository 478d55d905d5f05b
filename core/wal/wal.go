// Package wal implements a single-connection write-ahead log.
//
// The log file starts with a 32-byte header followed by frames, each a
// 24-byte frame header and one page:
//
//	header:  magic(4) version(4) pageSize(4) checkpointSeq(4) salt(8) checksum(8)
//	frame:   pgno(4) commitSize(4) salt(8) checksum(8) page(pageSize)
//
// Every checksum is an xxhash64 chained from the previous one, so a frame
// is valid only if every frame before it is. The commit size is non-zero on
// the last frame of a transaction and holds the database size in pages
// after that commit. On open the log is scanned and frames after the last
// valid commit frame are ignored.
//
// The frame index lives in memory. The owning pager must hold the database
// file's EXCLUSIVE lock while the log is open.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/cespare/xxhash/v2"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/vfs"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

const (
	// Magic identifies a log file.
	Magic uint32 = 0x70637761

	// Version is the log format version.
	Version uint32 = 1

	HeaderSize      = 32
	FrameHeaderSize = 24

	// DefaultAutoCheckpoint is the frame count after which a commit
	// checkpoints.
	DefaultAutoCheckpoint = 1000
)

// Frame is a page to append.
type Frame struct {
	Pgno uint32
	Data []byte
}

// Mark is a position in the log, taken by Savepoint.
type Mark struct {
	frame int
	cksum uint64
}

type frameInfo struct {
	pgno  uint32
	cksum uint64
}

// Log is an open write-ahead log.
type Log struct {
	fs       vfs.FileSystem
	name     string
	file     vfs.File
	db       vfs.File
	log      *slog.Logger
	pageSize int

	ckptSeq uint32
	salt    [2]uint32

	// Header written for the current salts
	hdrValid bool
	hdrCksum uint64

	// Frames in log order; entries past committed are uncommitted
	frames    []frameInfo
	committed int

	// pgno -> index of the newest frame in frames
	index map[uint32]int

	// Database size after the last commit, 0 if none
	dbSize uint32

	autoCheckpoint int
	mu             sync.Mutex
}

// Option configures Open.
type Option func(*Log)

// WithLogger sets the logger. The default is the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Log) {
		if l != nil {
			w.log = l
		}
	}
}

// WithAutoCheckpoint sets the frame count that triggers a checkpoint after
// a commit. Zero or less disables automatic checkpoints.
func WithAutoCheckpoint(n int) Option {
	return func(w *Log) {
		w.autoCheckpoint = n
	}
}

// Open opens or creates the log called name for database file db and
// recovers its committed frames.
func Open(fs vfs.FileSystem, name string, db vfs.File, pageSize int, opts ...Option) (*Log, error) {
	w := &Log{
		fs:             fs,
		name:           name,
		db:             db,
		log:            logging.GetLogger(),
		pageSize:       pageSize,
		index:          make(map[uint32]int),
		autoCheckpoint: DefaultAutoCheckpoint,
	}
	for _, opt := range opts {
		opt(w)
	}
	f, err := fs.Open(name, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	w.file = f
	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// recover rebuilds the frame index from the file.
func (w *Log) recover() error {
	size, err := w.file.Size()
	if err != nil {
		return pcerrors.NewIO(pcerrors.IOFstat, w.name, err)
	}
	if size < HeaderSize {
		return nil
	}

	hdr := make([]byte, HeaderSize)
	if _, err := w.file.ReadAt(hdr, 0); err != nil {
		return pcerrors.NewIO(pcerrors.IORead, w.name, err)
	}
	if binary.BigEndian.Uint32(hdr[0:]) != Magic ||
		binary.BigEndian.Uint32(hdr[4:]) != Version ||
		xxhash.Sum64(hdr[:24]) != binary.BigEndian.Uint64(hdr[24:]) {
		w.log.Warn("discarding WAL with invalid header", "path", w.name)
		return nil
	}
	if ps := int(binary.BigEndian.Uint32(hdr[8:])); ps != w.pageSize {
		return pcerrors.NewCorrupt(w.name, "WAL page size %d, database page size %d", ps, w.pageSize)
	}
	w.ckptSeq = binary.BigEndian.Uint32(hdr[12:])
	w.salt[0] = binary.BigEndian.Uint32(hdr[16:])
	w.salt[1] = binary.BigEndian.Uint32(hdr[20:])
	w.hdrCksum = binary.BigEndian.Uint64(hdr[24:])
	w.hdrValid = true

	frameSize := int64(FrameHeaderSize + w.pageSize)
	buf := make([]byte, frameSize)
	prev := w.hdrCksum
	for off := int64(HeaderSize); off+frameSize <= size; off += frameSize {
		if _, err := w.file.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			return pcerrors.NewIO(pcerrors.IORead, w.name, err)
		}
		pgno := binary.BigEndian.Uint32(buf[0:])
		commit := binary.BigEndian.Uint32(buf[4:])
		if pgno == 0 ||
			binary.BigEndian.Uint32(buf[8:]) != w.salt[0] ||
			binary.BigEndian.Uint32(buf[12:]) != w.salt[1] {
			break
		}
		sum := frameChecksum(prev, buf[:16], buf[FrameHeaderSize:])
		if sum != binary.BigEndian.Uint64(buf[16:]) {
			break
		}
		prev = sum
		w.frames = append(w.frames, frameInfo{pgno: pgno, cksum: sum})
		if commit != 0 {
			w.committed = len(w.frames)
			w.dbSize = commit
		}
	}
	w.frames = w.frames[:w.committed]
	w.rebuildIndex()
	if w.committed > 0 {
		w.log.Info("WAL recovered", "path", w.name, "frames", w.committed, "db_pages", w.dbSize)
	}
	return nil
}

func frameChecksum(prev uint64, hdr, data []byte) uint64 {
	d := xxhash.New()
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], prev)
	d.Write(seed[:])
	d.Write(hdr)
	d.Write(data)
	return d.Sum64()
}

func (w *Log) rebuildIndex() {
	clear(w.index)
	for i, f := range w.frames {
		w.index[f.pgno] = i
	}
}

func (w *Log) frameOffset(i int) int64 {
	return HeaderSize + int64(i)*int64(FrameHeaderSize+w.pageSize)
}

func (w *Log) lastChecksum(n int) uint64 {
	if n == 0 {
		return w.hdrCksum
	}
	return w.frames[n-1].cksum
}

// writeHeader starts a new generation of the log with fresh salts.
func (w *Log) writeHeader() error {
	w.salt[0] = rand.Uint32()
	w.salt[1] = rand.Uint32()
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], Magic)
	binary.BigEndian.PutUint32(hdr[4:], Version)
	binary.BigEndian.PutUint32(hdr[8:], uint32(w.pageSize))
	binary.BigEndian.PutUint32(hdr[12:], w.ckptSeq)
	binary.BigEndian.PutUint32(hdr[16:], w.salt[0])
	binary.BigEndian.PutUint32(hdr[20:], w.salt[1])
	w.hdrCksum = xxhash.Sum64(hdr[:24])
	binary.BigEndian.PutUint64(hdr[24:], w.hdrCksum)
	if _, err := w.file.WriteAt(hdr, 0); err != nil {
		return pcerrors.NewIO(pcerrors.IOWrite, w.name, err)
	}
	w.hdrValid = true
	return nil
}

// DBSize returns the database size in pages recorded by the last commit,
// or 0 if the log holds no commit.
func (w *Log) DBSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dbSize
}

// FrameCount returns the number of frames in the log, committed or not.
func (w *Log) FrameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

// CommittedFrames returns the number of committed frames.
func (w *Log) CommittedFrames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// Close closes the log. With checkpoint set, committed frames are first
// copied into the database and the log file is deleted. Uncommitted frames
// are discarded either way.
func (w *Log) Close(checkpoint bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var err error
	w.frames = w.frames[:w.committed]
	w.rebuildIndex()
	if checkpoint {
		_, err = w.checkpoint(true)
	}
	if cerr := w.file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if checkpoint && err == nil {
		err = w.fs.Delete(w.name, false)
	}
	return err
}
