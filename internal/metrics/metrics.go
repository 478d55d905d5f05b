// Package metrics exports page cache and pager statistics to Prometheus.
//
// The collectors read the statistics when scraped, so they cost nothing
// between scrapes and never go stale.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/FocuswithJustin/pagecore/core/cachepool"
	"github.com/FocuswithJustin/pagecore/core/pager"
)

// Namespace prefixes every metric name.
const Namespace = "pagecore"

// PoolSource is what PoolCollector reads.
type PoolSource interface {
	Stats() cachepool.Stats
}

// PagerSource is what PagerCollector reads.
type PagerSource interface {
	Stats() pager.Stats
	CacheStats() (refs, pages, dirty int)
}

type poolMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(s cachepool.Stats) float64
}

// PoolCollector exports the statistics of one page buffer pool.
type PoolCollector struct {
	src     PoolSource
	metrics []poolMetric
}

// NewPoolCollector creates a collector for src.
func NewPoolCollector(src PoolSource) *PoolCollector {
	counter := func(name, help string, v func(cachepool.Stats) uint64) poolMetric {
		return poolMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, "pool", name), help, nil, nil),
			typ:   prometheus.CounterValue,
			value: func(s cachepool.Stats) float64 { return float64(v(s)) },
		}
	}
	gauge := func(name, help string, v func(cachepool.Stats) int64) poolMetric {
		return poolMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(Namespace, "pool", name), help, nil, nil),
			typ:   prometheus.GaugeValue,
			value: func(s cachepool.Stats) float64 { return float64(v(s)) },
		}
	}
	return &PoolCollector{
		src: src,
		metrics: []poolMetric{
			counter("hits_total", "Fetches satisfied from a page table.", func(s cachepool.Stats) uint64 { return s.Hits }),
			counter("misses_total", "Fetches that found no page.", func(s cachepool.Stats) uint64 { return s.Misses }),
			counter("recycled_total", "Buffers taken from the LRU list.", func(s cachepool.Stats) uint64 { return s.Recycled }),
			counter("allocations_total", "Buffers allocated.", func(s cachepool.Stats) uint64 { return s.Allocations }),
			counter("frees_total", "Buffers released.", func(s cachepool.Stats) uint64 { return s.Frees }),
			counter("refusals_total", "Allocations refused under the page budget.", func(s cachepool.Stats) uint64 { return s.Refusals }),
			gauge("bytes", "Bytes held in page buffers.", func(s cachepool.Stats) int64 { return s.Bytes }),
			gauge("caches", "Live page caches.", func(s cachepool.Stats) int64 { return int64(s.Caches) }),
			gauge("pages", "Pages held by the shared group.", func(s cachepool.Stats) int64 { return int64(s.CurrentPages) }),
			gauge("max_pages", "Page budget of the shared group.", func(s cachepool.Stats) int64 { return int64(s.MaxPages) }),
			gauge("min_pages", "Guaranteed pages of the shared group.", func(s cachepool.Stats) int64 { return int64(s.MinPages) }),
			gauge("max_pinned", "Pinned pages allowed in the shared group.", func(s cachepool.Stats) int64 { return int64(s.MaxPinned) }),
			gauge("recyclable", "Unpinned pages on the LRU list.", func(s cachepool.Stats) int64 { return int64(s.Recyclable) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(s))
	}
}

var (
	pagerLabels = []string{"db"}

	pagerHits   = pagerDesc("hits_total", "Page requests served from the cache.")
	pagerMisses = pagerDesc("misses_total", "Page requests that read the database.")
	pagerWrites = pagerDesc("writes_total", "Pages written to the database or log.")
	pagerSpills = pagerDesc("spills_total", "Dirty pages written early to free cache space.")
	pagerRefs   = pagerDesc("referenced_pages", "Pages currently referenced.")
	pagerPages  = pagerDesc("cached_pages", "Pages held in the cache.")
	pagerDirty  = pagerDesc("dirty_pages", "Modified pages not yet written.")
)

func pagerDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "pager", name), help, pagerLabels, nil)
}

// PagerCollector exports the statistics of a set of pagers, labelled by
// database name. It is safe for concurrent use.
type PagerCollector struct {
	mu     sync.Mutex
	pagers map[string]PagerSource
}

// NewPagerCollector creates an empty collector.
func NewPagerCollector() *PagerCollector {
	return &PagerCollector{pagers: make(map[string]PagerSource)}
}

// Add starts exporting p under name, replacing any pager of that name.
func (c *PagerCollector) Add(name string, p PagerSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pagers[name] = p
}

// Remove stops exporting name.
func (c *PagerCollector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pagers, name)
}

// Describe implements prometheus.Collector.
func (c *PagerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{pagerHits, pagerMisses, pagerWrites, pagerSpills, pagerRefs, pagerPages, pagerDirty} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PagerCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range c.pagers {
		s := p.Stats()
		refs, pages, dirty := p.CacheStats()
		ch <- prometheus.MustNewConstMetric(pagerHits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(pagerMisses, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(pagerWrites, prometheus.CounterValue, float64(s.Writes), name)
		ch <- prometheus.MustNewConstMetric(pagerSpills, prometheus.CounterValue, float64(s.Spills), name)
		ch <- prometheus.MustNewConstMetric(pagerRefs, prometheus.GaugeValue, float64(refs), name)
		ch <- prometheus.MustNewConstMetric(pagerPages, prometheus.GaugeValue, float64(pages), name)
		ch <- prometheus.MustNewConstMetric(pagerDirty, prometheus.GaugeValue, float64(dirty), name)
	}
}

// NewRegistry returns a registry holding a pool collector for pool and the
// given pager collector. Either may be nil.
func NewRegistry(pool PoolSource, pagers *PagerCollector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if pool != nil {
		if err := reg.Register(NewPoolCollector(pool)); err != nil {
			return nil, err
		}
	}
	if pagers != nil {
		if err := reg.Register(pagers); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Sample is one gathered value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Gather collects every counter and gauge from g, sorted by name and then
// by label values.
func Gather(g prometheus.Gatherer) ([]Sample, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			out = append(out, Sample{
				Name:   mf.GetName(),
				Labels: labelMap(m.GetLabel()),
				Value:  metricValue(mf.GetType(), m),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels["db"] < out[j].Labels["db"]
	})
	return out, nil
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, lp := range pairs {
		m[lp.GetName()] = lp.GetValue()
	}
	return m
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	}
	return 0
}
