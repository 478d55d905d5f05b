package cachepool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/FocuswithJustin/pagecore/internal/logging"
)

// Mode selects how caches share eviction state.
type Mode int

const (
	// ModeUnified places every purgeable cache of the pool in one group.
	ModeUnified Mode = iota
	// ModeSeparate gives each cache a private group with no mutex.
	ModeSeparate
)

// CreateMode controls what Fetch does on a miss.
type CreateMode int

const (
	// NoCreate returns nil on a miss.
	NoCreate CreateMode = iota
	// CreateEasy allocates only if the cache is not close to its pin limits
	// and the pool is not under memory pressure.
	CreateEasy
	// CreateForce always returns a page unless allocation itself fails.
	CreateForce
)

// minPagesPerCache is reserved by every purgeable cache.
const minPagesPerCache = 10

// Config configures a Pool.
type Config struct {
	Mode Mode
	// MemoryLimit is the number of buffer bytes above which the pool
	// reports memory pressure. Zero disables the check.
	MemoryLimit int64
	// Logger receives cache lifecycle events. Nil selects the global logger.
	Logger *slog.Logger
}

// Pool owns page buffers for a set of caches. T is the per-page payload
// a cache attaches to each entry.
type Pool[T any] struct {
	mode        Mode
	memoryLimit int64
	global      *group[T]
	log         *slog.Logger

	allocated atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	recycled  atomic.Uint64
	allocs    atomic.Uint64
	frees     atomic.Uint64
	refusals  atomic.Uint64

	cachesMu sync.Mutex
	caches   map[*Cache[T]]struct{}
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Hits        uint64 // Fetches satisfied from a hash table
	Misses      uint64 // Fetches that did not find the key
	Recycled    uint64 // Buffers taken from the LRU tail
	Allocations uint64 // Buffers allocated fresh
	Frees       uint64 // Buffers released
	Refusals    uint64 // CreateEasy misses refused
	Bytes       int64  // Bytes held in buffers
	Caches      int    // Live caches

	// Unified-group budgets; zero in ModeSeparate.
	CurrentPages int
	MaxPages     int
	MinPages     int
	MaxPinned    int
	Recyclable   int
}

// New creates a pool.
func New[T any](cfg Config) *Pool[T] {
	p := &Pool[T]{
		mode:        cfg.Mode,
		memoryLimit: cfg.MemoryLimit,
		log:         cfg.Logger,
		caches:      make(map[*Cache[T]]struct{}),
	}
	if p.log == nil {
		p.log = logging.GetLogger()
	}
	p.global = newGroup[T](cfg.Mode == ModeUnified)
	return p
}

// Mode reports the mode chosen at creation.
func (p *Pool[T]) Mode() Mode {
	return p.mode
}

// CreateCache creates a cache of pageSize-byte buffers. Pages of a
// non-purgeable cache are never recycled and do not count against budgets.
func (p *Pool[T]) CreateCache(pageSize int, purgeable bool) Handle[T] {
	var g *group[T]
	if p.mode == ModeUnified && purgeable {
		g = p.global
	} else {
		g = newGroup[T](false)
	}
	c := &Cache[T]{
		pool:      p,
		grp:       g,
		pageSize:  pageSize,
		purgeable: purgeable,
	}
	if purgeable {
		c.nMin = minPagesPerCache
		g.mu.Lock()
		g.minPage += c.nMin
		g.updatePinned()
		g.mu.Unlock()
	}
	p.cachesMu.Lock()
	p.caches[c] = struct{}{}
	n := len(p.caches)
	p.cachesMu.Unlock()
	p.log.Debug("page cache created", "page_size", pageSize, "purgeable", purgeable, "caches", n)
	return c
}

// underPressure reports whether allocating one more page of size bytes
// would exceed the configured limit.
func (p *Pool[T]) underPressure(size int) bool {
	if p.memoryLimit <= 0 {
		return false
	}
	return p.allocated.Load()+int64(size) > p.memoryLimit
}

func (p *Pool[T]) allocBuffer(size int) []byte {
	p.allocated.Add(int64(size))
	p.allocs.Add(1)
	return make([]byte, size)
}

func (p *Pool[T]) freeBuffer(size int) {
	p.allocated.Add(-int64(size))
	p.frees.Add(1)
}

// ReleaseMemory frees unpinned pages, oldest first, until at least n
// bytes have been released or none remain. A negative n frees every
// unpinned page. It returns the bytes released.
func (p *Pool[T]) ReleaseMemory(n int64) int64 {
	var freed int64
	for _, g := range p.groups() {
		g.mu.Lock()
		for (n < 0 || freed < n) && g.lruTail != nil {
			e := g.lruTail
			freed += int64(len(e.Buf))
			e.cache.removeFromHash(e)
			g.pin(e)
			e.cache.freeEntry(e)
		}
		g.mu.Unlock()
		if n >= 0 && freed >= n {
			break
		}
	}
	p.log.Debug("pool memory released", "requested", n, "freed", freed, "bytes", p.allocated.Load())
	return freed
}

// groups lists the distinct groups of live purgeable caches.
func (p *Pool[T]) groups() []*group[T] {
	p.cachesMu.Lock()
	defer p.cachesMu.Unlock()
	seen := make(map[*group[T]]bool)
	var out []*group[T]
	for c := range p.caches {
		if c.purgeable && !seen[c.grp] {
			seen[c.grp] = true
			out = append(out, c.grp)
		}
	}
	return out
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	s := Stats{
		Hits:        p.hits.Load(),
		Misses:      p.misses.Load(),
		Recycled:    p.recycled.Load(),
		Allocations: p.allocs.Load(),
		Frees:       p.frees.Load(),
		Refusals:    p.refusals.Load(),
		Bytes:       p.allocated.Load(),
	}
	p.cachesMu.Lock()
	s.Caches = len(p.caches)
	p.cachesMu.Unlock()

	if p.mode == ModeUnified {
		g := p.global
		g.mu.Lock()
		s.CurrentPages = g.currentPage
		s.MaxPages = g.maxPage
		s.MinPages = g.minPage
		s.MaxPinned = g.maxPinned
		s.Recyclable = g.lruLen
		g.mu.Unlock()
	}
	return s
}
