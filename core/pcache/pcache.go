// Package pcache implements the per-connection page cache.
//
// A PageCache maps page numbers to buffers drawn from a shared
// cachepool.Pool, counts references, and keeps every modified page on a
// dirty list ordered by when it was last dirtied or released (most recent
// at the head). When the pool refuses to allocate, the cache picks an
// unreferenced dirty page and hands it to the Stresser, which must write it
// out and make it clean, then retries once.
package pcache

import (
	"errors"

	"github.com/FocuswithJustin/pagecore/core/cachepool"
	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
)

// Pool is a buffer pool for page caches.
type Pool = cachepool.Pool[*Page]

// NewPool creates a pool for page caches.
func NewPool(cfg cachepool.Config) *Pool {
	return cachepool.New[*Page](cfg)
}

// Stresser makes a dirty page clean so its buffer can be reused.
type Stresser interface {
	Stress(p *Page) error
}

// StressFunc adapts a function to Stresser.
type StressFunc func(p *Page) error

// Stress implements Stresser.
func (f StressFunc) Stress(p *Page) error {
	return f(p)
}

// DefaultCacheSize is the page budget of a new cache.
const DefaultCacheSize = 2000

// PageCache is the page table of one connection. It is not safe for
// concurrent use.
type PageCache struct {
	backend   cachepool.Backend[*Page]
	handle    cachepool.Handle[*Page]
	pageSize  int
	purgeable bool
	cacheSize int
	stress    Stresser

	dirtyHead *Page
	dirtyTail *Page
	// synced is the last page, scanning from the tail, that has neither a
	// reference nor FlagNeedSync. Spilling it needs no journal sync.
	synced *Page

	nRef  int
	page1 *Page
}

// New creates a cache of pageSize-byte pages drawing from backend. A
// non-purgeable cache never recycles clean pages; it is used for
// in-memory databases.
func New(backend cachepool.Backend[*Page], pageSize int, purgeable bool, stress Stresser) *PageCache {
	return &PageCache{
		backend:   backend,
		pageSize:  pageSize,
		purgeable: purgeable,
		cacheSize: DefaultCacheSize,
		stress:    stress,
	}
}

// PageSize returns the size of every page buffer.
func (c *PageCache) PageSize() int {
	return c.pageSize
}

// SetPageSize changes the buffer size. No page may be referenced.
func (c *PageCache) SetPageSize(n int) error {
	if c.nRef != 0 {
		return pcerrors.ErrMisuse
	}
	if c.handle != nil {
		c.CleanAll()
		c.handle.Destroy()
		c.handle = nil
		c.page1 = nil
	}
	c.pageSize = n
	return nil
}

func (c *PageCache) pages() int {
	if c.cacheSize >= 0 {
		return c.cacheSize
	}
	return int(-1024 * int64(c.cacheSize) / int64(c.pageSize))
}

func (c *PageCache) ensureHandle() {
	if c.handle == nil {
		c.handle = c.backend.CreateCache(c.pageSize, c.purgeable)
		c.handle.SetCacheSize(c.pages())
	}
}

// Fetch returns page pgno with its reference count incremented. When the
// page is not cached and create is false it returns nil. A page bound to a
// fresh buffer carries FlagNeedRead.
func (c *PageCache) Fetch(pgno Pgno, create bool) (*Page, error) {
	if pgno == 0 {
		return nil, pcerrors.ErrMisuse
	}
	c.ensureHandle()

	mode := cachepool.NoCreate
	if create {
		mode = cachepool.CreateEasy
		if !c.purgeable || c.dirtyHead == nil {
			mode = cachepool.CreateForce
		}
	}

	e := c.handle.Fetch(uint32(pgno), mode)
	if e == nil && mode == cachepool.CreateEasy {
		if pg := c.spillCandidate(); pg != nil && c.stress != nil {
			if err := c.stress.Stress(pg); err != nil && !errors.Is(err, pcerrors.ErrBusy) {
				return nil, err
			}
		}
		e = c.handle.Fetch(uint32(pgno), cachepool.CreateForce)
	}
	if e == nil {
		if create {
			return nil, pcerrors.ErrNoMem
		}
		return nil, nil
	}

	pg := e.Extra
	if pg == nil {
		pg = &Page{
			Data:  e.Buf,
			id:    pgno,
			flags: FlagNeedRead,
			cache: c,
			entry: e,
		}
		e.Extra = pg
	}
	if pg.ref == 0 {
		c.nRef++
	}
	pg.ref++
	if pgno == 1 {
		c.page1 = pg
	}
	return pg, nil
}

// spillCandidate chooses a dirty page to hand to the Stresser: the synced
// page if one exists, otherwise any unreferenced page nearest the tail.
func (c *PageCache) spillCandidate() *Page {
	pg := c.synced
	for pg != nil && (pg.ref > 0 || pg.flags&FlagNeedSync != 0) {
		pg = pg.dirtyPrev
	}
	c.synced = pg
	if pg == nil {
		for pg = c.dirtyTail; pg != nil && pg.ref > 0; pg = pg.dirtyPrev {
		}
	}
	return pg
}

// Ref adds a reference to a page that is already referenced.
func (c *PageCache) Ref(pg *Page) {
	pg.ref++
}

// Release drops a reference. When the last reference goes, a dirty page
// moves to the head of the dirty list and a clean one becomes recyclable.
func (c *PageCache) Release(pg *Page) {
	if pg.ref <= 0 {
		return
	}
	pg.ref--
	if pg.ref > 0 {
		return
	}
	c.nRef--
	if pg.flags&FlagDirty != 0 {
		c.removeFromDirtyList(pg)
		c.addToDirtyList(pg)
	} else {
		c.unpin(pg)
	}
}

// Drop discards a page that has exactly one reference, without writing it.
func (c *PageCache) Drop(pg *Page) {
	if pg.flags&FlagDirty != 0 {
		c.removeFromDirtyList(pg)
		pg.flags &^= FlagDirty | FlagNeedSync
	}
	c.nRef--
	pg.ref = 0
	if pg.id == 1 {
		c.page1 = nil
	}
	c.handle.Unpin(pg.entry, true)
}

func (c *PageCache) unpin(pg *Page) {
	if !c.purgeable {
		return
	}
	if pg.id == 1 {
		c.page1 = nil
	}
	c.handle.Unpin(pg.entry, false)
}

// MakeDirty marks pg dirty and links it at the head of the dirty list.
func (c *PageCache) MakeDirty(pg *Page) {
	pg.flags &^= FlagDontWrite
	if pg.flags&FlagDirty == 0 {
		pg.flags |= FlagDirty
		c.addToDirtyList(pg)
	}
}

// MakeClean unlinks pg from the dirty list and clears FlagDirty and
// FlagNeedSync. An unreferenced page becomes recyclable.
func (c *PageCache) MakeClean(pg *Page) {
	if pg.flags&FlagDirty == 0 {
		return
	}
	c.removeFromDirtyList(pg)
	pg.flags &^= FlagDirty | FlagNeedSync
	if pg.ref == 0 {
		c.unpin(pg)
	}
}

// CleanAll makes every dirty page clean.
func (c *PageCache) CleanAll() {
	for c.dirtyHead != nil {
		c.MakeClean(c.dirtyHead)
	}
}

// ClearSyncFlags clears FlagNeedSync on every dirty page, after the
// journal has been synced.
func (c *PageCache) ClearSyncFlags() {
	for pg := c.dirtyHead; pg != nil; pg = pg.dirtyNext {
		pg.flags &^= FlagNeedSync
	}
	c.synced = c.dirtyTail
}

// Move changes pg's page number. Any other page cached at newPgno must
// have been dropped first.
func (c *PageCache) Move(pg *Page, newPgno Pgno) {
	old := pg.id
	c.handle.Rekey(pg.entry, uint32(old), uint32(newPgno))
	pg.id = newPgno
	if old == 1 && c.page1 == pg {
		c.page1 = nil
	}
	if newPgno == 1 && pg.ref > 0 {
		c.page1 = pg
	}
	if pg.flags&FlagDirty != 0 && pg.flags&FlagNeedSync != 0 {
		c.removeFromDirtyList(pg)
		c.addToDirtyList(pg)
	}
}

// Truncate cleans and drops every page numbered above limit. Truncating
// to zero keeps a referenced page 1 cached with zeroed content.
func (c *PageCache) Truncate(limit Pgno) {
	if c.handle == nil {
		return
	}
	var next *Page
	for pg := c.dirtyHead; pg != nil; pg = next {
		next = pg.dirtyNext
		if pg.id > limit {
			c.MakeClean(pg)
		}
	}
	if limit == 0 && c.page1 != nil {
		c.page1.Zero()
		limit = 1
	}
	c.handle.Truncate(uint32(limit) + 1)
}

// Clear drops every page.
func (c *PageCache) Clear() {
	c.Truncate(0)
}

// Close releases every buffer back to the pool.
func (c *PageCache) Close() {
	if c.handle != nil {
		c.handle.Destroy()
		c.handle = nil
	}
	c.dirtyHead, c.dirtyTail, c.synced = nil, nil, nil
	c.page1 = nil
	c.nRef = 0
}

// RefCount returns the number of pages with a non-zero reference count.
func (c *PageCache) RefCount() int {
	return c.nRef
}

// PageCount returns the number of cached pages, referenced or not.
func (c *PageCache) PageCount() int {
	if c.handle == nil {
		return 0
	}
	return c.handle.PageCount()
}

// Page1 returns page 1 if it is currently referenced.
func (c *PageCache) Page1() *Page {
	return c.page1
}

// SetCacheSize sets the page budget. A negative n is a budget in KiB.
func (c *PageCache) SetCacheSize(n int) {
	c.cacheSize = n
	if c.handle != nil {
		c.handle.SetCacheSize(c.pages())
	}
}

// CacheSize returns the configured budget.
func (c *PageCache) CacheSize() int {
	return c.cacheSize
}

// Shrink frees every unreferenced clean page the pool can reclaim.
func (c *PageCache) Shrink() {
	if c.handle != nil {
		c.handle.Shrink()
	}
}

// HasDirty reports whether any page is dirty.
func (c *PageCache) HasDirty() bool {
	return c.dirtyHead != nil
}

// IterateDirty calls fn for every dirty page from most to least recently
// dirtied. fn must not change dirty state.
func (c *PageCache) IterateDirty(fn func(pg *Page)) {
	for pg := c.dirtyHead; pg != nil; pg = pg.dirtyNext {
		fn(pg)
	}
}
