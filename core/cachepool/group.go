package cachepool

import "sync"

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// group is the eviction domain shared by one or more caches. Every field
// is guarded by mu.
type group[T any] struct {
	mu sync.Locker

	maxPage     int
	minPage     int
	maxPinned   int
	currentPage int

	lruHead *Entry[T]
	lruTail *Entry[T]
	lruLen  int
}

func newGroup[T any](locked bool) *group[T] {
	g := &group[T]{maxPinned: minPagesPerCache}
	if locked {
		g.mu = &sync.Mutex{}
	} else {
		g.mu = nopLocker{}
	}
	return g
}

func (g *group[T]) updatePinned() {
	g.maxPinned = g.maxPage + minPagesPerCache - g.minPage
}

// pin removes e from the LRU list if it is there.
func (g *group[T]) pin(e *Entry[T]) {
	if !e.onLRU {
		return
	}
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		g.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		g.lruTail = e.lruPrev
	}
	e.lruPrev = nil
	e.lruNext = nil
	e.onLRU = false
	g.lruLen--
	e.cache.nRecyclable--
}

// pushLRU makes e the most recently used unpinned page.
func (g *group[T]) pushLRU(e *Entry[T]) {
	e.lruPrev = nil
	e.lruNext = g.lruHead
	if g.lruHead != nil {
		g.lruHead.lruPrev = e
	} else {
		g.lruTail = e
	}
	g.lruHead = e
	e.onLRU = true
	g.lruLen++
	e.cache.nRecyclable++
}

// enforceMaxPage frees LRU-tail pages until currentPage is within budget.
func (g *group[T]) enforceMaxPage() {
	for g.currentPage > g.maxPage && g.lruTail != nil {
		e := g.lruTail
		e.cache.removeFromHash(e)
		g.pin(e)
		e.cache.freeEntry(e)
	}
}
