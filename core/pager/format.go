package pager

import (
	"encoding/binary"
	"fmt"
)

// File format constants
const (
	// DatabaseHeaderSize is the size of the database file header (first 100 bytes).
	DatabaseHeaderSize = 100

	// DefaultPageSize is the default page size for new databases.
	DefaultPageSize = 4096

	// MinPageSize is the minimum allowed page size (512 bytes).
	MinPageSize = 512

	// MaxPageSize is the maximum allowed page size (65536 bytes).
	MaxPageSize = 65536

	// MaxSectorSize is the largest sector size the journal honours (64KiB).
	MaxSectorSize = 0x10000

	// MagicHeaderString is the magic header string for SQLite 3 database files.
	MagicHeaderString = "SQLite format 3\x00"

	// VersionNumber is written at OffsetSQLiteVersion on every commit.
	VersionNumber = 3007016

	// DefaultMaxPageCount bounds the page number of any page.
	DefaultMaxPageCount = 1073741823
)

// Database header byte offsets
const (
	// OffsetMagic is the offset of the magic header string (16 bytes).
	OffsetMagic = 0

	// OffsetPageSize is the offset of the page size field (2 bytes, big-endian).
	// A value of 1 represents 65536.
	OffsetPageSize = 16

	// OffsetReservedSpace is the reserved space at end of each page (1 byte).
	OffsetReservedSpace = 20

	// OffsetFileChangeCounter is the file change counter (4 bytes, big-endian).
	// Incremented by every commit that writes the database file.
	OffsetFileChangeCounter = 24

	// OffsetDatabaseSize is the database size in pages (4 bytes, big-endian).
	OffsetDatabaseSize = 28

	// OffsetVersionValidFor holds the change counter value for which
	// OffsetSQLiteVersion is valid (4 bytes, big-endian).
	OffsetVersionValidFor = 92

	// OffsetSQLiteVersion is the version number of the last writer (4 bytes, big-endian).
	OffsetSQLiteVersion = 96
)

// fileVersionSize is the length of the fingerprint at OffsetFileChangeCounter
// used to detect that another connection changed the file.
const fileVersionSize = 16

// DatabaseHeader holds the fields of the 100-byte file header that the
// pager reads or writes. Bytes it does not interpret are kept in Raw.
type DatabaseHeader struct {
	// Magic is the magic header string ("SQLite format 3\x00")
	Magic [16]byte

	// PageSize is the page size in bytes, with 1 already expanded to 65536.
	PageSize int

	// ReservedSpace is the number of unused bytes at the end of each page.
	ReservedSpace uint8

	// FileChangeCounter is incremented whenever the database file is modified.
	FileChangeCounter uint32

	// DatabaseSize is the size of the database file in pages.
	DatabaseSize uint32

	// VersionValidFor is the change counter value that wrote SQLiteVersion.
	VersionValidFor uint32

	// SQLiteVersion is the version number of the library that wrote the file.
	SQLiteVersion uint32

	// Raw is a copy of the full header.
	Raw [DatabaseHeaderSize]byte
}

// ParseDatabaseHeader decodes a header. It does not validate the magic or
// the page size; use Validate for that.
func ParseDatabaseHeader(data []byte) (*DatabaseHeader, error) {
	if len(data) < DatabaseHeaderSize {
		return nil, fmt.Errorf("invalid header size: got %d, want %d", len(data), DatabaseHeaderSize)
	}

	h := &DatabaseHeader{}
	copy(h.Raw[:], data)
	copy(h.Magic[:], data[OffsetMagic:OffsetMagic+16])
	h.PageSize = decodePageSize(binary.BigEndian.Uint16(data[OffsetPageSize:]))
	h.ReservedSpace = data[OffsetReservedSpace]
	h.FileChangeCounter = binary.BigEndian.Uint32(data[OffsetFileChangeCounter:])
	h.DatabaseSize = binary.BigEndian.Uint32(data[OffsetDatabaseSize:])
	h.VersionValidFor = binary.BigEndian.Uint32(data[OffsetVersionValidFor:])
	h.SQLiteVersion = binary.BigEndian.Uint32(data[OffsetSQLiteVersion:])
	return h, nil
}

// Validate reports whether the header looks like a database file header.
func (h *DatabaseHeader) Validate() error {
	if string(h.Magic[:]) != MagicHeaderString {
		return fmt.Errorf("invalid magic header: %q", h.Magic[:])
	}
	if !isValidPageSize(h.PageSize) {
		return fmt.Errorf("invalid page size: %d", h.PageSize)
	}
	return nil
}

func decodePageSize(v uint16) int {
	if v == 1 {
		return MaxPageSize
	}
	return int(v)
}

// pageSizeFromHeader returns the page size recorded in a header prefix, or
// 0 if the prefix is too short or the value is not a valid page size. The
// magic string is ignored: a caller may legitimately have overwritten it.
func pageSizeFromHeader(hdr []byte) int {
	if len(hdr) < OffsetPageSize+2 {
		return 0
	}
	n := decodePageSize(binary.BigEndian.Uint16(hdr[OffsetPageSize:]))
	if !isValidPageSize(n) {
		return 0
	}
	return n
}

// isValidPageSize checks if a page size is valid.
// Valid page sizes are powers of 2 between 512 and 65536 inclusive.
func isValidPageSize(size int) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}

// writeChangeCounter stamps page 1 with counter in both the change counter
// and version-valid-for slots, and records the library version.
func writeChangeCounter(data []byte, counter uint32) {
	binary.BigEndian.PutUint32(data[OffsetFileChangeCounter:], counter)
	binary.BigEndian.PutUint32(data[OffsetVersionValidFor:], counter)
	binary.BigEndian.PutUint32(data[OffsetSQLiteVersion:], VersionNumber)
}

// PutDatabaseSize records the database size in pages in a page 1 image.
func PutDatabaseSize(data []byte, n uint32) {
	binary.BigEndian.PutUint32(data[OffsetDatabaseSize:], n)
}

func get32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func put32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}
