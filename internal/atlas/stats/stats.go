// Package stats derives point-in-time statistics from atlas state.
//
// Snapshots are built from lock-free scans and atomic counters, so
// collecting never blocks mutators; a snapshot may be slightly stale
// relative to an in-flight swap. Eventual consistency is acceptable for
// statistics only - never for placement decisions.
package stats

import (
	"sync/atomic"

	"github.com/kolkov/shardatlas/internal/atlas/table"
)

// Stats is a point-in-time snapshot of atlas occupancy and lookup
// behavior.
type Stats struct {
	ResidentPages int
	SwappedPages  int
	PendingPages  int
	LockedPages   int

	MemoryUsed uint64
	SwapUsed   uint64

	// Lookups and Hits accumulate over the session; HitRatio is
	// Hits/Lookups, the fraction of lookups resolved to a resident page
	// without requiring a swap. Zero before the first lookup.
	Lookups  uint64
	Hits     uint64
	HitRatio float64

	// Generation is the latest coherency-fence generation.
	Generation uint64
}

// Collector accumulates lookup counters and derives snapshots.
//
// Thread Safety: RecordLookup is a pair of atomic increments, safe from
// any goroutine including the copy workers.
type Collector struct {
	table *table.Table

	lookups atomic.Uint64
	hits    atomic.Uint64
}

// NewCollector creates a collector over the given table.
func NewCollector(t *table.Table) *Collector {
	return &Collector{table: t}
}

// RecordLookup counts one lookup; hit means it resolved to a resident
// page.
func (c *Collector) RecordLookup(hit bool) {
	c.lookups.Add(1)
	if hit {
		c.hits.Add(1)
	}
}

// Snapshot derives the current statistics.
func (c *Collector) Snapshot() Stats {
	resident, swapped, pending, locked := c.table.StateCounts()

	s := Stats{
		ResidentPages: resident,
		SwappedPages:  swapped,
		PendingPages:  pending,
		LockedPages:   locked,
		MemoryUsed:    c.table.MemPool().UsedBytes(),
		SwapUsed:      c.table.SwapPool().UsedBytes(),
		Lookups:       c.lookups.Load(),
		Hits:          c.hits.Load(),
		Generation:    c.table.Mirror().Generation(),
	}
	if s.Lookups > 0 {
		s.HitRatio = float64(s.Hits) / float64(s.Lookups)
	}
	return s
}

// Reset clears the lookup counters. Test helper; occupancy numbers are
// always derived fresh from the table.
func (c *Collector) Reset() {
	c.lookups.Store(0)
	c.hits.Store(0)
}
