package pcache

import (
	"fmt"

	"github.com/FocuswithJustin/pagecore/core/cachepool"
)

// Pgno is a 1-based page number. Page 0 is invalid.
type Pgno uint32

// Flags describe a cached page's state.
type Flags uint16

const (
	// FlagDirty marks a page modified in memory and linked on the dirty list.
	FlagDirty Flags = 1 << iota
	// FlagNeedSync marks a page whose journal record must be synced before
	// the page may be written to the database file.
	FlagNeedSync
	// FlagNeedRead marks a page whose buffer does not yet hold its content.
	FlagNeedRead
	// FlagDontWrite marks a dirty page that commit must not write.
	FlagDontWrite
)

func (f Flags) String() string {
	names := []string{"DIRTY", "NEED_SYNC", "NEED_READ", "DONT_WRITE"}
	out := ""
	for i, name := range names {
		if f&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += name
		}
	}
	if out == "" {
		return "CLEAN"
	}
	return out
}

// Page is a cached database page. Data aliases the pool buffer.
type Page struct {
	Data []byte

	id    Pgno
	flags Flags
	ref   int

	cache *PageCache
	entry *cachepool.Entry[*Page]

	dirtyNext *Page
	dirtyPrev *Page
	sortNext  *Page
}

// ID returns the page number.
func (p *Page) ID() Pgno {
	return p.id
}

// Flags returns the page's flags.
func (p *Page) Flags() Flags {
	return p.flags
}

// Has reports whether every bit of f is set.
func (p *Page) Has(f Flags) bool {
	return p.flags&f == f
}

// IsDirty reports whether the page is on the dirty list.
func (p *Page) IsDirty() bool {
	return p.flags&FlagDirty != 0
}

// SetFlags sets f. FlagDirty must be set with PageCache.MakeDirty.
func (p *Page) SetFlags(f Flags) {
	p.flags |= f &^ FlagDirty
}

// ClearFlags clears f. FlagDirty must be cleared with PageCache.MakeClean.
func (p *Page) ClearFlags(f Flags) {
	p.flags &^= f &^ FlagDirty
}

// RefCount returns the number of outstanding references.
func (p *Page) RefCount() int {
	return p.ref
}

// Read returns a copy of length bytes at offset.
func (p *Page) Read(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(p.Data) {
		return nil, fmt.Errorf("page %d: read [%d,%d) out of range", p.id, offset, offset+length)
	}
	out := make([]byte, length)
	copy(out, p.Data[offset:])
	return out, nil
}

// Write copies data into the page at offset. Callers must have made the
// page writable through the pager first.
func (p *Page) Write(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(p.Data) {
		return fmt.Errorf("page %d: write [%d,%d) out of range", p.id, offset, offset+len(data))
	}
	copy(p.Data[offset:], data)
	return nil
}

// Zero clears the page contents.
func (p *Page) Zero() {
	clear(p.Data)
}
