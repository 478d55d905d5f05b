package cachepool

import (
	"bytes"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, p *Pool[int], pageSize, size int) *Cache[int] {
	t.Helper()
	h := p.CreateCache(pageSize, true)
	h.SetCacheSize(size)
	t.Cleanup(h.Destroy)
	return h.(*Cache[int])
}

func TestFetch_CreateModes(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 100)

	assert.Nil(t, c.Fetch(7, NoCreate))

	e := c.Fetch(7, CreateEasy)
	require.NotNil(t, e)
	assert.Equal(t, uint32(7), e.Key())
	assert.Len(t, e.Buf, 512)
	e.Extra = 42

	again := c.Fetch(7, NoCreate)
	assert.Same(t, e, again)
	assert.Equal(t, 42, again.Extra)
	assert.Equal(t, 1, c.PageCount())

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
	assert.Equal(t, uint64(1), s.Allocations)
	assert.Equal(t, int64(512), s.Bytes)
}

func TestFetch_RefusesWhenNearlyFull(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 20) // n90pct = 18

	for i := uint32(1); i <= 18; i++ {
		require.NotNil(t, c.Fetch(i, CreateEasy), "page %d", i)
	}
	assert.Nil(t, c.Fetch(19, CreateEasy))
	assert.Equal(t, uint64(1), p.Stats().Refusals)

	forced := c.Fetch(19, CreateForce)
	require.NotNil(t, forced)
	assert.Equal(t, 19, c.PageCount())
}

func TestUnpin_RecyclesLRUTail(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 4)

	var entries []*Entry[int]
	for i := uint32(1); i <= 3; i++ {
		e := c.Fetch(i, CreateForce)
		e.Buf[0] = byte(i)
		entries = append(entries, e)
	}
	for _, e := range entries {
		c.Unpin(e, false)
	}
	assert.Equal(t, 3, p.Stats().Recyclable)

	// nPage+1 >= nMax forces recycling of the oldest unpinned page.
	e := c.Fetch(10, CreateEasy)
	require.NotNil(t, e)
	assert.Same(t, entries[0], e)
	assert.Equal(t, byte(1), e.Buf[0], "recycled buffers keep their contents")
	assert.Nil(t, c.Fetch(1, NoCreate))
	assert.Equal(t, uint64(1), p.Stats().Recycled)

	// A hit on an unpinned page pins it again.
	two := c.Fetch(2, NoCreate)
	assert.Same(t, entries[1], two)
	assert.Equal(t, 1, p.Stats().Recyclable)
}

func TestUnpin_Discard(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 10)
	e := c.Fetch(1, CreateForce)
	c.Unpin(e, true)
	assert.Equal(t, 0, c.PageCount())
	assert.Equal(t, 0, p.Stats().CurrentPages)
	assert.Equal(t, int64(0), p.Stats().Bytes)
}

func TestRecycleAcrossCaches(t *testing.T) {
	p := New[int](Config{})
	a := newCache(t, p, 512, 10)
	b := newCache(t, p, 512, 5)

	for i := uint32(1); i <= 9; i++ {
		a.Unpin(a.Fetch(i, CreateForce), false)
	}
	assert.Equal(t, 9, a.PageCount())

	before := p.Stats().Allocations
	for i := uint32(1); i <= 6; i++ {
		e := b.Fetch(i, CreateEasy)
		require.NotNil(t, e)
		b.Unpin(e, false)
	}
	// b allocates until it is one short of its size, then takes the
	// group's oldest unpinned pages, which belong to a.
	assert.Equal(t, before+4, p.Stats().Allocations)
	assert.Equal(t, uint64(2), p.Stats().Recycled)
	assert.Equal(t, 7, a.PageCount())
	assert.Nil(t, a.Fetch(1, NoCreate))
	assert.Nil(t, a.Fetch(2, NoCreate))
	assert.NotNil(t, a.Fetch(3, NoCreate))
}

func TestRecycleSizeMismatch(t *testing.T) {
	p := New[int](Config{})
	x := newCache(t, p, 512, 10)
	y := newCache(t, p, 1024, 10)

	for i := uint32(1); i <= 9; i++ {
		x.Unpin(x.Fetch(i, CreateForce), false)
	}
	for i := uint32(1); i <= 9; i++ {
		y.Unpin(y.Fetch(i, CreateForce), false)
	}
	frees := p.Stats().Frees
	allocs := p.Stats().Allocations

	// y is at its size limit; the oldest unpinned page is x's 512-byte
	// page 1, which cannot be reused.
	e := y.Fetch(10, CreateEasy)
	require.NotNil(t, e)
	assert.Len(t, e.Buf, 1024)
	assert.Equal(t, frees+1, p.Stats().Frees)
	assert.Equal(t, allocs+1, p.Stats().Allocations)
	assert.Nil(t, x.Fetch(1, NoCreate))
}

func TestSeparateMode(t *testing.T) {
	p := New[int](Config{Mode: ModeSeparate})
	a := newCache(t, p, 512, 5)
	b := newCache(t, p, 512, 5)

	for i := uint32(1); i <= 4; i++ {
		a.Unpin(a.Fetch(i, CreateForce), false)
	}
	for i := uint32(1); i <= 4; i++ {
		require.NotNil(t, b.Fetch(i, CreateEasy))
	}
	assert.Equal(t, 4, a.PageCount(), "separate caches never recycle each other's pages")
	assert.Equal(t, ModeSeparate, p.Mode())
}

func TestRekey(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 10)
	e := c.Fetch(3, CreateForce)
	c.Rekey(e, 3, 300)
	assert.Equal(t, uint32(300), e.Key())
	assert.Nil(t, c.Fetch(3, NoCreate))
	assert.Same(t, e, c.Fetch(300, NoCreate))

	c.Truncate(300)
	assert.Nil(t, c.Fetch(300, NoCreate))
}

func TestTruncate(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 100)
	for i := uint32(1); i <= 10; i++ {
		e := c.Fetch(i, CreateForce)
		if i%2 == 0 {
			c.Unpin(e, false)
		}
	}
	c.Truncate(6)
	assert.Equal(t, 5, c.PageCount())
	for i := uint32(1); i <= 10; i++ {
		got := c.Fetch(i, NoCreate)
		if i < 6 {
			assert.NotNil(t, got, "page %d", i)
		} else {
			assert.Nil(t, got, "page %d", i)
		}
	}
	assert.Equal(t, 0, c.nRecyclable)
}

func TestShrinkAndReleaseMemory(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 100)
	pinned := c.Fetch(1, CreateForce)
	for i := uint32(2); i <= 6; i++ {
		c.Unpin(c.Fetch(i, CreateForce), false)
	}
	c.Shrink()
	assert.Equal(t, 1, c.PageCount())
	assert.Equal(t, 100, p.Stats().MaxPages, "shrink restores the budget")

	for i := uint32(2); i <= 6; i++ {
		c.Unpin(c.Fetch(i, CreateForce), false)
	}
	freed := p.ReleaseMemory(1024)
	assert.Equal(t, int64(1024), freed)
	assert.Equal(t, 4, c.PageCount())
	assert.Equal(t, int64(1536), p.ReleaseMemory(-1))
	assert.Same(t, pinned, c.Fetch(1, NoCreate))
}

func TestDestroyReturnsBudget(t *testing.T) {
	p := New[int](Config{})
	a := p.CreateCache(512, true)
	a.SetCacheSize(50)
	b := p.CreateCache(512, true)
	b.SetCacheSize(30)

	s := p.Stats()
	assert.Equal(t, 80, s.MaxPages)
	assert.Equal(t, 20, s.MinPages)
	assert.Equal(t, 70, s.MaxPinned)
	assert.Equal(t, 2, s.Caches)

	for i := uint32(1); i <= 40; i++ {
		a.Unpin(a.Fetch(i, CreateForce), false)
	}
	a.Destroy()
	s = p.Stats()
	assert.Equal(t, 30, s.MaxPages)
	assert.Equal(t, 10, s.MinPages)
	assert.Equal(t, 0, s.CurrentPages)
	assert.Equal(t, 1, s.Caches)
	b.Destroy()
}

func TestSetCacheSizeEnforcesBudget(t *testing.T) {
	p := New[int](Config{})
	c := newCache(t, p, 512, 50)
	for i := uint32(1); i <= 40; i++ {
		c.Unpin(c.Fetch(i, CreateForce), false)
	}
	c.SetCacheSize(10)
	s := p.Stats()
	assert.Equal(t, 10, s.CurrentPages)
	assert.Equal(t, 10, c.PageCount())
}

func TestMemoryPressure(t *testing.T) {
	p := New[int](Config{MemoryLimit: 4 * 512})
	c := newCache(t, p, 512, 100)
	for i := uint32(1); i <= 4; i++ {
		require.NotNil(t, c.Fetch(i, CreateEasy))
	}
	assert.Nil(t, c.Fetch(5, CreateEasy))
	require.NotNil(t, c.Fetch(5, CreateForce))
}

func TestNonPurgeable(t *testing.T) {
	p := New[int](Config{})
	purge := newCache(t, p, 512, 2)
	mem := p.CreateCache(512, false)
	defer mem.Destroy()
	mem.SetCacheSize(1)

	for i := uint32(1); i <= 10; i++ {
		mem.Unpin(mem.Fetch(i, CreateForce), false)
	}
	for i := uint32(1); i <= 10; i++ {
		purge.Unpin(purge.Fetch(i, CreateForce), false)
	}
	assert.Equal(t, 10, mem.PageCount(), "non-purgeable pages are never recycled")
	assert.Equal(t, 2, p.Stats().MaxPages)
}

// The unpinned page count of the group never exceeds the budget.
func TestEvictionBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := New[int](Config{})
	sizes := []int{5, 20, 64}
	caches := make([]*Cache[int], len(sizes))
	pinned := make([]map[uint32]*Entry[int], len(sizes))
	for i, n := range sizes {
		caches[i] = newCache(t, p, 512, n)
		pinned[i] = make(map[uint32]*Entry[int])
	}

	for step := 0; step < 20000; step++ {
		i := rng.Intn(len(caches))
		c := caches[i]
		key := uint32(rng.Intn(200)) + 1
		if e, ok := pinned[i][key]; ok {
			c.Unpin(e, rng.Intn(10) == 0)
			delete(pinned[i], key)
		} else if e := c.Fetch(key, CreateEasy); e != nil {
			pinned[i][key] = e
		}
		s := p.Stats()
		if s.CurrentPages > s.MaxPages {
			t.Fatalf("step %d: currentPages %d > maxPages %d", step, s.CurrentPages, s.MaxPages)
		}
	}
}

func TestConcurrentUnified(t *testing.T) {
	p := New[int](Config{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		c := p.CreateCache(512, true)
		c.SetCacheSize(32)
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			defer c.Destroy()
			rng := rand.New(rand.NewSource(seed))
			for n := 0; n < 2000; n++ {
				key := uint32(rng.Intn(100)) + 1
				if e := c.Fetch(key, CreateEasy); e != nil {
					e.Buf[0] = byte(key)
					c.Unpin(e, false)
				}
			}
		}(int64(w))
	}
	wg.Wait()
	s := p.Stats()
	assert.Equal(t, 0, s.CurrentPages)
	assert.Equal(t, 0, s.MaxPages)
	assert.Equal(t, 0, s.Caches)
}

func TestPool_LogsCacheLifecycle(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := New[int](Config{Logger: log})

	h := p.CreateCache(512, true)
	h.SetCacheSize(10)
	c := h.(*Cache[int])
	e := c.Fetch(1, CreateEasy)
	require.NotNil(t, e)
	c.Unpin(e, false)
	assert.Equal(t, int64(512), p.ReleaseMemory(-1))
	h.Destroy()

	out := buf.String()
	assert.Contains(t, out, `msg="page cache created" page_size=512 purgeable=true caches=1`)
	assert.Contains(t, out, `msg="pool memory released" requested=-1 freed=512`)
	assert.Contains(t, out, `msg="page cache destroyed" page_size=512 caches=0`)
}
