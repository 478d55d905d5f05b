package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FocuswithJustin/pagecore/core/cachepool"
	"github.com/FocuswithJustin/pagecore/core/pager"
	"github.com/FocuswithJustin/pagecore/core/pcache"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

type fakePager struct {
	stats             pager.Stats
	refs, pages, dirt int
}

func (f *fakePager) Stats() pager.Stats { return f.stats }

func (f *fakePager) CacheStats() (int, int, int) { return f.refs, f.pages, f.dirt }

type fakePool cachepool.Stats

func (f fakePool) Stats() cachepool.Stats { return cachepool.Stats(f) }

func TestPagerCollector(t *testing.T) {
	c := NewPagerCollector()
	c.Add("main", &fakePager{stats: pager.Stats{Hits: 5, Misses: 2, Writes: 3, Spills: 1}, refs: 1, pages: 4, dirt: 2})

	expected := `
# HELP pagecore_pager_hits_total Page requests served from the cache.
# TYPE pagecore_pager_hits_total counter
pagecore_pager_hits_total{db="main"} 5
# HELP pagecore_pager_dirty_pages Modified pages not yet written.
# TYPE pagecore_pager_dirty_pages gauge
pagecore_pager_dirty_pages{db="main"} 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pagecore_pager_hits_total", "pagecore_pager_dirty_pages")
	require.NoError(t, err)
	assert.Equal(t, 7, testutil.CollectAndCount(c))

	c.Add("aux", &fakePager{})
	assert.Equal(t, 14, testutil.CollectAndCount(c))
	c.Remove("main")
	c.Remove("aux")
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestPoolCollector(t *testing.T) {
	c := NewPoolCollector(fakePool{Hits: 10, Refusals: 2, Bytes: 4096, MaxPages: 100})
	expected := `
# HELP pagecore_pool_refusals_total Allocations refused under the page budget.
# TYPE pagecore_pool_refusals_total counter
pagecore_pool_refusals_total 2
# HELP pagecore_pool_bytes Bytes held in page buffers.
# TYPE pagecore_pool_bytes gauge
pagecore_pool_bytes 4096
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pagecore_pool_refusals_total", "pagecore_pool_bytes"))
	assert.Equal(t, 13, testutil.CollectAndCount(c))
}

func TestGatherLivePager(t *testing.T) {
	pool := pcache.NewPool(cachepool.Config{Mode: cachepool.ModeUnified})
	p, err := pager.Open("/t.db", pager.WithFS(vfs.NewMemFS()), pager.WithPool(pool), pager.WithPageSize(1024))
	require.NoError(t, err)
	defer p.Close()

	for i := pager.Pgno(1); i <= 3; i++ {
		pg, err := p.Acquire(i, false)
		require.NoError(t, err)
		require.NoError(t, p.Write(pg))
		p.Unref(pg)
	}
	require.NoError(t, p.Commit())

	pagers := NewPagerCollector()
	pagers.Add("t", p)
	reg, err := NewRegistry(pool, pagers)
	require.NoError(t, err)

	samples, err := Gather(reg)
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, s := range samples {
		values[s.Name] = s.Value
		if strings.HasPrefix(s.Name, "pagecore_pager_") {
			assert.Equal(t, "t", s.Labels["db"])
		}
	}
	assert.Equal(t, float64(3), values["pagecore_pager_writes_total"])
	assert.Equal(t, float64(3), values["pagecore_pager_cached_pages"])
	assert.Equal(t, float64(0), values["pagecore_pager_dirty_pages"])
	assert.Equal(t, float64(1), values["pagecore_pool_caches"])
	assert.Greater(t, values["pagecore_pool_allocations_total"], float64(0))

	for i := 1; i < len(samples); i++ {
		assert.LessOrEqual(t, samples[i-1].Name, samples[i].Name)
	}
}
