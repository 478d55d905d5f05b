package pcache

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FocuswithJustin/pagecore/core/cachepool"
	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
)

func newTestCache(t *testing.T, size int, stress Stresser) *PageCache {
	t.Helper()
	pool := NewPool(cachepool.Config{})
	c := New(pool, 512, true, stress)
	c.SetCacheSize(size)
	t.Cleanup(c.Close)
	return c
}

func fetch(t *testing.T, c *PageCache, pgno Pgno) *Page {
	t.Helper()
	pg, err := c.Fetch(pgno, true)
	require.NoError(t, err)
	require.NotNil(t, pg)
	return pg
}

func dirtyIDs(c *PageCache) []Pgno {
	var ids []Pgno
	c.IterateDirty(func(pg *Page) { ids = append(ids, pg.ID()) })
	return ids
}

// checkDirtyInvariant verifies the list links and flags and the synced
// pointer: every page between the tail and synced is referenced or needs
// a sync.
func checkDirtyInvariant(t *testing.T, c *PageCache) {
	t.Helper()
	var prev *Page
	for pg := c.dirtyHead; pg != nil; pg = pg.dirtyNext {
		require.True(t, pg.IsDirty(), "page %d on dirty list without FlagDirty", pg.ID())
		require.Same(t, prev, pg.dirtyPrev)
		prev = pg
	}
	require.Same(t, prev, c.dirtyTail)
	if c.synced != nil {
		require.True(t, c.synced.IsDirty())
	}
	for pg := c.dirtyTail; pg != nil && pg != c.synced; pg = pg.dirtyPrev {
		require.True(t, pg.ref > 0 || pg.Has(FlagNeedSync),
			"page %d between tail and synced is spillable", pg.ID())
	}
}

func TestFetch(t *testing.T) {
	c := newTestCache(t, 100, nil)

	pg, err := c.Fetch(5, false)
	require.NoError(t, err)
	assert.Nil(t, pg)

	pg = fetch(t, c, 5)
	assert.Equal(t, Pgno(5), pg.ID())
	assert.True(t, pg.Has(FlagNeedRead))
	assert.Len(t, pg.Data, 512)
	assert.Equal(t, 1, pg.RefCount())
	assert.Equal(t, 1, c.RefCount())

	again := fetch(t, c, 5)
	assert.Same(t, pg, again)
	assert.Equal(t, 2, pg.RefCount())
	assert.Equal(t, 1, c.RefCount())

	c.Release(pg)
	c.Release(pg)
	assert.Equal(t, 0, c.RefCount())
	assert.Equal(t, 1, c.PageCount(), "clean pages stay cached after release")

	_, err = c.Fetch(0, true)
	assert.ErrorIs(t, err, pcerrors.ErrMisuse)
}

func TestPage1Tracking(t *testing.T) {
	c := newTestCache(t, 100, nil)
	assert.Nil(t, c.Page1())
	pg := fetch(t, c, 1)
	assert.Same(t, pg, c.Page1())
	c.Release(pg)
	assert.Nil(t, c.Page1())
}

func TestMakeDirtyAndClean(t *testing.T) {
	c := newTestCache(t, 100, nil)
	a := fetch(t, c, 1)
	b := fetch(t, c, 2)
	a.SetFlags(FlagDontWrite)

	c.MakeDirty(a)
	c.MakeDirty(b)
	c.MakeDirty(a)
	assert.False(t, a.Has(FlagDontWrite), "MakeDirty clears DONT_WRITE")
	assert.Equal(t, []Pgno{2, 1}, dirtyIDs(c))
	checkDirtyInvariant(t, c)

	c.MakeClean(b)
	assert.False(t, b.IsDirty())
	assert.Equal(t, []Pgno{1}, dirtyIDs(c))
	checkDirtyInvariant(t, c)

	// SetFlags cannot touch FlagDirty.
	b.SetFlags(FlagDirty | FlagNeedSync)
	assert.False(t, b.IsDirty())
	assert.True(t, b.Has(FlagNeedSync))

	c.CleanAll()
	assert.False(t, c.HasDirty())
	assert.Empty(t, c.DirtyList())
}

func TestReleaseMovesDirtyPageToHead(t *testing.T) {
	c := newTestCache(t, 100, nil)
	pages := make([]*Page, 4)
	for i := range pages {
		pages[i] = fetch(t, c, Pgno(i+1))
		c.MakeDirty(pages[i])
	}
	assert.Equal(t, []Pgno{4, 3, 2, 1}, dirtyIDs(c))

	c.Release(pages[0])
	assert.Equal(t, []Pgno{1, 4, 3, 2}, dirtyIDs(c))
	assert.Equal(t, 4, c.PageCount())
	checkDirtyInvariant(t, c)

	// Releasing a dirty page does not return it to the pool.
	again, err := c.Fetch(1, false)
	require.NoError(t, err)
	assert.Same(t, pages[0], again)
}

func TestDirtyListSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, n := range []int{0, 1, 2, 31, 33, 1000} {
		c := newTestCache(t, 5000, nil)
		seen := make(map[Pgno]bool)
		var want []Pgno
		for len(want) < n {
			id := Pgno(rng.Intn(100000) + 1)
			if seen[id] {
				continue
			}
			seen[id] = true
			want = append(want, id)
			pg := fetch(t, c, id)
			c.MakeDirty(pg)
			if rng.Intn(2) == 0 {
				c.Release(pg)
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

		got := c.DirtyList()
		ids := make([]Pgno, len(got))
		for i, pg := range got {
			ids[i] = pg.ID()
		}
		if n == 0 {
			assert.Empty(t, ids)
		} else {
			assert.Equal(t, want, ids, "n=%d", n)
		}
		// Sorting does not disturb the dirty list itself.
		assert.Len(t, dirtyIDs(c), n)
		checkDirtyInvariant(t, c)
	}
}

func TestSyncedPointer(t *testing.T) {
	c := newTestCache(t, 100, nil)
	a := fetch(t, c, 1)
	a.SetFlags(FlagNeedSync)
	c.MakeDirty(a)
	assert.Nil(t, c.synced)

	b := fetch(t, c, 2)
	c.MakeDirty(b)
	assert.Same(t, b, c.synced)

	d := fetch(t, c, 3)
	d.SetFlags(FlagNeedSync)
	c.MakeDirty(d)
	checkDirtyInvariant(t, c)

	c.MakeClean(b)
	assert.Nil(t, c.synced, "only NEED_SYNC pages lie towards the tail")
	checkDirtyInvariant(t, c)

	c.ClearSyncFlags()
	assert.Same(t, c.dirtyTail, c.synced)
	assert.False(t, a.Has(FlagNeedSync))
	assert.False(t, d.Has(FlagNeedSync))
	checkDirtyInvariant(t, c)
}

type recordingStress struct {
	c     *PageCache
	pages []Pgno
	err   error
	clean bool
}

func (r *recordingStress) Stress(pg *Page) error {
	r.pages = append(r.pages, pg.ID())
	if r.clean {
		r.c.MakeClean(pg)
	}
	return r.err
}

func TestSpill(t *testing.T) {
	stress := &recordingStress{clean: true}
	c := newTestCache(t, 20, stress) // refuses once 18 pages are pinned
	stress.c = c

	for i := Pgno(1); i <= 18; i++ {
		pg := fetch(t, c, i)
		c.MakeDirty(pg)
		if i != 7 {
			pg.SetFlags(FlagNeedSync)
		}
		c.Release(pg)
	}
	// Dirty pages stay pinned in the pool, so the next fetch must spill.
	pg := fetch(t, c, 19)
	assert.Equal(t, []Pgno{7}, stress.pages, "page without NEED_SYNC is preferred")
	c.Release(pg)

	p7, err := c.Fetch(7, false)
	require.NoError(t, err)
	require.NotNil(t, p7)
	assert.False(t, p7.IsDirty())
	c.Release(p7)
	checkDirtyInvariant(t, c)
}

func TestSpillFallsBackToTail(t *testing.T) {
	stress := &recordingStress{clean: true}
	c := newTestCache(t, 20, stress)
	stress.c = c

	var first *Page
	for i := Pgno(1); i <= 18; i++ {
		pg := fetch(t, c, i)
		pg.SetFlags(FlagNeedSync)
		c.MakeDirty(pg)
		if i == 1 {
			first = pg
			continue
		}
		c.Release(pg)
	}
	// Page 1 is referenced and at the tail; page 2 is the first
	// unreferenced page scanning from the tail.
	fetch(t, c, 50)
	assert.Equal(t, []Pgno{2}, stress.pages)
	c.Release(first)
}

func TestSpillErrors(t *testing.T) {
	boom := errors.New("boom")
	stress := &recordingStress{err: boom}
	c := newTestCache(t, 20, stress)
	stress.c = c
	for i := Pgno(1); i <= 18; i++ {
		c.MakeDirty(fetch(t, c, i))
	}
	for i := Pgno(1); i <= 18; i++ {
		pg, _ := c.Fetch(i, false)
		c.Release(pg)
		c.Release(pg)
	}
	_, err := c.Fetch(19, true)
	assert.ErrorIs(t, err, boom)

	// A busy stress is ignored and the fetch forced through.
	stress.err = pcerrors.ErrBusy
	pg, err := c.Fetch(19, true)
	require.NoError(t, err)
	assert.Equal(t, Pgno(19), pg.ID())
}

func TestTruncate(t *testing.T) {
	c := newTestCache(t, 100, nil)
	var refs []*Page
	for i := Pgno(1); i <= 10; i++ {
		pg := fetch(t, c, i)
		pg.Data[0] = byte(i)
		c.MakeDirty(pg)
		if i == 1 {
			refs = append(refs, pg)
			continue
		}
		c.Release(pg)
	}
	c.Truncate(5)
	assert.Equal(t, []Pgno{5, 4, 3, 2, 1}, dirtyIDs(c))
	assert.Equal(t, 5, c.PageCount())
	checkDirtyInvariant(t, c)

	c.Truncate(0)
	assert.False(t, c.HasDirty())
	assert.Equal(t, 1, c.PageCount(), "referenced page 1 survives")
	assert.Equal(t, byte(0), refs[0].Data[0])
	c.Release(refs[0])
}

func TestDrop(t *testing.T) {
	c := newTestCache(t, 100, nil)
	pg := fetch(t, c, 3)
	c.MakeDirty(pg)
	c.Drop(pg)
	assert.False(t, c.HasDirty())
	assert.Equal(t, 0, c.RefCount())
	assert.Equal(t, 0, c.PageCount())
}

func TestMove(t *testing.T) {
	c := newTestCache(t, 100, nil)
	pg := fetch(t, c, 9)
	pg.SetFlags(FlagNeedSync)
	c.MakeDirty(pg)
	other := fetch(t, c, 10)
	c.MakeDirty(other)

	c.Move(pg, 1)
	assert.Equal(t, Pgno(1), pg.ID())
	assert.Same(t, pg, c.Page1())
	got, err := c.Fetch(9, false)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, []Pgno{1, 10}, dirtyIDs(c))
	checkDirtyInvariant(t, c)
}

func TestSetPageSize(t *testing.T) {
	c := newTestCache(t, 100, nil)
	pg := fetch(t, c, 1)
	assert.ErrorIs(t, c.SetPageSize(1024), pcerrors.ErrMisuse)
	c.Release(pg)
	require.NoError(t, c.SetPageSize(1024))
	assert.Equal(t, 0, c.PageCount())
	pg = fetch(t, c, 1)
	assert.Len(t, pg.Data, 1024)
	c.Release(pg)
}

func TestCacheSizeKiB(t *testing.T) {
	c := newTestCache(t, -64, nil)
	assert.Equal(t, 128, c.pages())
	assert.Equal(t, -64, c.CacheSize())
}

func TestNonPurgeableKeepsCleanPages(t *testing.T) {
	pool := NewPool(cachepool.Config{})
	c := New(pool, 512, false, nil)
	defer c.Close()
	c.SetCacheSize(1)
	for i := Pgno(1); i <= 50; i++ {
		pg := fetch(t, c, i)
		pg.Data[0] = byte(i)
		c.Release(pg)
	}
	pg := fetch(t, c, 1)
	assert.Equal(t, byte(1), pg.Data[0])
	assert.Equal(t, 50, c.PageCount())
}

// Random operations preserve the dirty-list invariants.
func TestRandomDirtyInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	stress := &recordingStress{clean: true}
	c := newTestCache(t, 30, stress)
	stress.c = c
	held := make(map[Pgno]*Page)

	for step := 0; step < 5000; step++ {
		id := Pgno(rng.Intn(60) + 1)
		switch rng.Intn(6) {
		case 0, 1:
			if _, ok := held[id]; !ok {
				if pg, err := c.Fetch(id, true); err == nil {
					held[id] = pg
				}
			}
		case 2:
			if pg, ok := held[id]; ok {
				if rng.Intn(2) == 0 {
					pg.SetFlags(FlagNeedSync)
				}
				c.MakeDirty(pg)
			}
		case 3:
			if pg, ok := held[id]; ok {
				c.Release(pg)
				delete(held, id)
			}
		case 4:
			if pg, ok := held[id]; ok {
				c.MakeClean(pg)
			}
		case 5:
			if rng.Intn(20) == 0 {
				c.ClearSyncFlags()
			}
		}
		checkDirtyInvariant(t, c)
		assert.Equal(t, len(held), c.RefCount())
	}
}
