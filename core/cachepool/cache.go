package cachepool

// Backend creates caches. Pool is the only implementation; the interface
// is the seam for alternative buffer stores.
type Backend[T any] interface {
	CreateCache(pageSize int, purgeable bool) Handle[T]
}

// Handle is one cache's view of its backend.
type Handle[T any] interface {
	// SetCacheSize sets the cache's page budget.
	SetCacheSize(n int)
	// PageCount returns the number of entries, pinned or not.
	PageCount() int
	// Fetch returns the entry for key, creating one according to mode.
	// A nil result for CreateEasy means the cache is full.
	Fetch(key uint32, mode CreateMode) *Entry[T]
	// Unpin makes e eligible for recycling, or frees it if discard is set.
	Unpin(e *Entry[T], discard bool)
	// Rekey moves e from oldKey to newKey.
	Rekey(e *Entry[T], oldKey, newKey uint32)
	// Truncate frees every entry with key >= limit.
	Truncate(limit uint32)
	// Shrink frees every unpinned entry of the cache's group.
	Shrink()
	// Destroy frees all entries and returns the cache's budget to the pool.
	Destroy()
}

// Entry is a page buffer owned by a cache. Buf is zeroed when the entry
// is freshly allocated; recycled entries keep the previous contents and
// Extra is reset to its zero value.
type Entry[T any] struct {
	Buf   []byte
	Extra T

	key     uint32
	cache   *Cache[T]
	next    *Entry[T]
	lruNext *Entry[T]
	lruPrev *Entry[T]
	onLRU   bool
}

// Key returns the entry's current key.
func (e *Entry[T]) Key() uint32 {
	return e.key
}

// Cache is a hash table of entries drawing buffers from a Pool.
type Cache[T any] struct {
	pool      *Pool[T]
	grp       *group[T]
	pageSize  int
	purgeable bool

	nMin        int
	nMax        int
	n90pct      int
	maxKey      uint32
	nRecyclable int
	nPage       int
	hash        []*Entry[T]
}

const minHashSize = 256

func (c *Cache[T]) resizeHash() {
	n := len(c.hash) * 2
	if n < minHashSize {
		n = minHashSize
	}
	c.grp.mu.Unlock()
	fresh := make([]*Entry[T], n)
	c.grp.mu.Lock()
	for _, e := range c.hash {
		for e != nil {
			next := e.next
			h := e.key % uint32(n)
			e.next = fresh[h]
			fresh[h] = e
			e = next
		}
	}
	c.hash = fresh
}

func (c *Cache[T]) removeFromHash(e *Entry[T]) {
	h := e.key % uint32(len(c.hash))
	pp := &c.hash[h]
	for *pp != e {
		pp = &(*pp).next
	}
	*pp = e.next
	e.next = nil
	c.nPage--
}

// freeEntry releases e's buffer. e must already be out of the hash table
// and off the LRU list.
func (c *Cache[T]) freeEntry(e *Entry[T]) {
	if c.purgeable {
		c.grp.currentPage--
	}
	c.pool.freeBuffer(len(e.Buf))
	e.Buf = nil
	e.cache = nil
}

// SetCacheSize implements Handle.
func (c *Cache[T]) SetCacheSize(n int) {
	if !c.purgeable {
		return
	}
	g := c.grp
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxPage += n - c.nMax
	g.updatePinned()
	c.nMax = n
	c.n90pct = n * 9 / 10
	g.enforceMaxPage()
}

// PageCount implements Handle.
func (c *Cache[T]) PageCount() int {
	c.grp.mu.Lock()
	defer c.grp.mu.Unlock()
	return c.nPage
}

// Fetch implements Handle.
func (c *Cache[T]) Fetch(key uint32, mode CreateMode) *Entry[T] {
	g := c.grp
	g.mu.Lock()
	defer g.mu.Unlock()

	// Step 1: search the hash table.
	var e *Entry[T]
	if len(c.hash) > 0 {
		for e = c.hash[key%uint32(len(c.hash))]; e != nil && e.key != key; e = e.next {
		}
	}

	// Step 2: a hit, or a miss with nothing to create.
	if e != nil {
		g.pin(e)
		c.pool.hits.Add(1)
		return e
	}
	c.pool.misses.Add(1)
	if mode == NoCreate {
		return nil
	}

	// Step 3: refuse an easy create when the cache is nearly full.
	nPinned := c.nPage - c.nRecyclable
	if mode == CreateEasy && (nPinned >= g.maxPinned || nPinned >= c.n90pct || c.pool.underPressure(c.pageSize)) {
		c.pool.refusals.Add(1)
		return nil
	}

	if c.nPage >= len(c.hash) {
		c.resizeHash()
	}

	// Step 4: try to recycle the least recently used page.
	if c.purgeable && g.lruTail != nil &&
		(c.nPage+1 >= c.nMax || g.currentPage >= g.maxPage || c.pool.underPressure(c.pageSize)) {
		e = g.lruTail
		other := e.cache
		other.removeFromHash(e)
		g.pin(e)
		if other.pageSize != c.pageSize {
			other.freeEntry(e)
			e = nil
		} else {
			c.pool.recycled.Add(1)
		}
	}

	// Step 5: allocate a fresh buffer outside the mutex.
	if e == nil {
		g.mu.Unlock()
		buf := c.pool.allocBuffer(c.pageSize)
		g.mu.Lock()
		e = &Entry[T]{Buf: buf}
		if c.purgeable {
			g.currentPage++
		}
	}

	var zero T
	h := key % uint32(len(c.hash))
	e.key = key
	e.cache = c
	e.Extra = zero
	e.next = c.hash[h]
	c.hash[h] = e
	c.nPage++
	if key > c.maxKey {
		c.maxKey = key
	}
	return e
}

// Unpin implements Handle.
func (c *Cache[T]) Unpin(e *Entry[T], discard bool) {
	g := c.grp
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.onLRU || e.cache != c {
		return
	}
	if discard || g.currentPage > g.maxPage {
		c.removeFromHash(e)
		c.freeEntry(e)
		return
	}
	g.pushLRU(e)
}

// Rekey implements Handle.
func (c *Cache[T]) Rekey(e *Entry[T], oldKey, newKey uint32) {
	g := c.grp
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.key != oldKey || e.cache != c {
		return
	}
	c.removeFromHash(e)
	h := newKey % uint32(len(c.hash))
	e.key = newKey
	e.next = c.hash[h]
	c.hash[h] = e
	c.nPage++
	if newKey > c.maxKey {
		c.maxKey = newKey
	}
}

// Truncate implements Handle.
func (c *Cache[T]) Truncate(limit uint32) {
	g := c.grp
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit <= c.maxKey {
		c.truncateUnsafe(limit)
		if limit > 0 {
			c.maxKey = limit - 1
		} else {
			c.maxKey = 0
		}
	}
}

func (c *Cache[T]) truncateUnsafe(limit uint32) {
	for h := range c.hash {
		pp := &c.hash[h]
		for *pp != nil {
			e := *pp
			if e.key < limit {
				pp = &e.next
				continue
			}
			*pp = e.next
			e.next = nil
			c.nPage--
			c.grp.pin(e)
			c.freeEntry(e)
		}
	}
}

// Shrink implements Handle.
func (c *Cache[T]) Shrink() {
	if !c.purgeable {
		return
	}
	g := c.grp
	g.mu.Lock()
	defer g.mu.Unlock()
	saved := g.maxPage
	g.maxPage = 0
	g.enforceMaxPage()
	g.maxPage = saved
}

// Destroy implements Handle.
func (c *Cache[T]) Destroy() {
	g := c.grp
	g.mu.Lock()
	c.truncateUnsafe(0)
	g.maxPage -= c.nMax
	g.minPage -= c.nMin
	g.updatePinned()
	g.enforceMaxPage()
	g.mu.Unlock()

	c.pool.cachesMu.Lock()
	delete(c.pool.caches, c)
	n := len(c.pool.caches)
	c.pool.cachesMu.Unlock()
	c.pool.log.Debug("page cache destroyed", "page_size", c.pageSize, "caches", n)
}
