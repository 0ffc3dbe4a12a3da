package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric descriptors for the prometheus collector. Per-state page
// gauges share one descriptor with a "state" label.
var (
	descPages = prometheus.NewDesc(
		"shardatlas_pages",
		"Number of atlas pages per placement state.",
		[]string{"state"}, nil,
	)
	descMemoryUsed = prometheus.NewDesc(
		"shardatlas_memory_used_bytes",
		"Bytes of device memory pool in use.",
		nil, nil,
	)
	descSwapUsed = prometheus.NewDesc(
		"shardatlas_swap_used_bytes",
		"Bytes of swap store in use.",
		nil, nil,
	)
	descLookups = prometheus.NewDesc(
		"shardatlas_lookups_total",
		"Total atlas lookups.",
		nil, nil,
	)
	descHits = prometheus.NewDesc(
		"shardatlas_lookup_hits_total",
		"Lookups resolved to a resident page without requiring a swap.",
		nil, nil,
	)
	descHitRatio = prometheus.NewDesc(
		"shardatlas_hit_ratio",
		"Resident-hit ratio over the session.",
		nil, nil,
	)
	descGeneration = prometheus.NewDesc(
		"shardatlas_fence_generation",
		"Latest coherency fence generation.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPages
	ch <- descMemoryUsed
	ch <- descSwapUsed
	ch <- descLookups
	ch <- descHits
	ch <- descHitRatio
	ch <- descGeneration
}

// Collect implements prometheus.Collector. Metrics are built from one
// snapshot so a scrape observes a consistent set of numbers.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()

	ch <- prometheus.MustNewConstMetric(descPages, prometheus.GaugeValue,
		float64(s.ResidentPages), "resident")
	ch <- prometheus.MustNewConstMetric(descPages, prometheus.GaugeValue,
		float64(s.SwappedPages), "swapped")
	ch <- prometheus.MustNewConstMetric(descPages, prometheus.GaugeValue,
		float64(s.PendingPages), "pending")
	ch <- prometheus.MustNewConstMetric(descPages, prometheus.GaugeValue,
		float64(s.LockedPages), "locked")
	ch <- prometheus.MustNewConstMetric(descMemoryUsed, prometheus.GaugeValue,
		float64(s.MemoryUsed))
	ch <- prometheus.MustNewConstMetric(descSwapUsed, prometheus.GaugeValue,
		float64(s.SwapUsed))
	ch <- prometheus.MustNewConstMetric(descLookups, prometheus.CounterValue,
		float64(s.Lookups))
	ch <- prometheus.MustNewConstMetric(descHits, prometheus.CounterValue,
		float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(descHitRatio, prometheus.GaugeValue,
		s.HitRatio)
	ch <- prometheus.MustNewConstMetric(descGeneration, prometheus.CounterValue,
		float64(s.Generation))
}
