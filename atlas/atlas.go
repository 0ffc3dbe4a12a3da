package atlas

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kolkov/shardatlas/internal/atlas/errdefs"
	"github.com/kolkov/shardatlas/internal/atlas/mempool"
	"github.com/kolkov/shardatlas/internal/atlas/pagestate"
	"github.com/kolkov/shardatlas/internal/atlas/stats"
	"github.com/kolkov/shardatlas/internal/atlas/swap"
	"github.com/kolkov/shardatlas/internal/atlas/table"
)

// State is the placement state of a shard-page.
type State = pagestate.State

// Placement states. See the package documentation for the per-entry
// state machine.
const (
	StateResident = pagestate.StateResident
	StateSwapped  = pagestate.StateSwapped
	StatePending  = pagestate.StatePending
	StateLocked   = pagestate.StateLocked
)

// memoryBase is the first physical address of the device memory pool.
// The swap store follows immediately after the device range, so every
// physical address maps to exactly one tier.
const memoryBase = 0x1_0000_0000

// Default configuration values.
const (
	// DefaultPageSize is the placement granularity: 64 KiB pages.
	DefaultPageSize = 64 << 10

	// DefaultCopyGroupSize is the number of goroutines cooperating on a
	// single page transfer.
	DefaultCopyGroupSize = 4

	// DefaultSwapFactor sizes the swap store relative to device memory
	// when Config.SwapSize is zero.
	DefaultSwapFactor = 2
)

// Config configures an Atlas. Zero values for everything except
// Capacity and MemorySize are filled with defaults.
type Config struct {
	// Capacity is the maximum number of page-mapping entries.
	Capacity int

	// MemorySize is the device memory pool size in bytes; must be a
	// multiple of PageSize.
	MemorySize uint64

	// SwapSize is the swap store size in bytes. Default:
	// DefaultSwapFactor * MemorySize.
	SwapSize uint64

	// PageSize is the fixed page size. Default: DefaultPageSize.
	PageSize uint64

	// CopyWorkers bounds the number of concurrent page transfers during
	// a swap. Default: GOMAXPROCS.
	CopyWorkers int

	// CopyGroupSize is the cooperative group width per page transfer.
	// Default: DefaultCopyGroupSize.
	CopyGroupSize int

	// Logger receives structured debug/warn events. Default: no-op.
	Logger *zap.Logger
}

// withDefaults returns the config with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.SwapSize == 0 {
		c.SwapSize = DefaultSwapFactor * c.MemorySize
	}
	if c.CopyWorkers == 0 {
		c.CopyWorkers = runtime.GOMAXPROCS(0)
	}
	if c.CopyGroupSize == 0 {
		c.CopyGroupSize = DefaultCopyGroupSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// EntryView is a read-only copy of one page-mapping record.
//
// PhysicalAddr is authoritative only when State is Resident, Swapped or
// Locked; a Pending entry reports a zeroed physical address because its
// placement is mid-transition.
type EntryView struct {
	VirtualAddr  uint64
	PhysicalAddr uint64
	ShardID      uint32
	PageOffset   uint32
	State        State
	Priority     uint8
	RefCount     uint16
}

// Stats is a point-in-time snapshot of atlas occupancy and lookup
// behavior. Derived without blocking mutators; may be slightly stale
// relative to an in-flight swap.
type Stats struct {
	ResidentPages int
	SwappedPages  int
	PendingPages  int
	LockedPages   int
	MemoryUsed    uint64
	SwapUsed      uint64
	Lookups       uint64
	Hits          uint64
	HitRatio      float64
	Generation    uint64
}

// Atlas is the two-tier memory atlas: a bounded resident pool on the
// device, an overflow swap store, and the page table mapping virtual
// addresses to physical placements across both.
//
// Thread Safety: all methods are safe for concurrent use. Lookup is
// lock-free; mutations are serialized per entry by the Pending
// transition protocol and fail fast with Busy on conflict.
type Atlas struct {
	cfg Config

	mem   *mempool.Pool
	store *mempool.Pool

	table  *table.Table
	engine *swap.Engine
	stats  *stats.Collector

	log *zap.Logger

	cleanupOnce sync.Once
}

// Init allocates the memory pool, the swap store and the entry table.
//
// A failure wraps ErrAllocationFailure and never yields a partially
// usable Atlas.
func Init(cfg Config) (*Atlas, error) {
	cfg = cfg.withDefaults()

	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", errdefs.ErrAllocationFailure, cfg.Capacity)
	}

	mem, err := mempool.New("device", memoryBase, cfg.MemorySize, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	store, err := mempool.New("swap", memoryBase+cfg.MemorySize, cfg.SwapSize, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	tbl, err := table.New(cfg.Capacity, mem, store, cfg.Logger)
	if err != nil {
		return nil, err
	}

	a := &Atlas{
		cfg:    cfg,
		mem:    mem,
		store:  store,
		table:  tbl,
		engine: swap.NewEngine(tbl, cfg.CopyWorkers, cfg.CopyGroupSize, cfg.Logger),
		stats:  stats.NewCollector(tbl),
		log:    cfg.Logger,
	}

	cfg.Logger.Info("atlas initialized",
		zap.Int("capacity", cfg.Capacity),
		zap.Uint64("memory_size", cfg.MemorySize),
		zap.Uint64("swap_size", cfg.SwapSize),
		zap.Uint64("page_size", cfg.PageSize),
		zap.Int("copy_workers", cfg.CopyWorkers),
		zap.Int("copy_group", cfg.CopyGroupSize))
	return a, nil
}

// Cleanup releases all owned resources. Safe to call once; behavior
// after a second call is undefined.
func (a *Atlas) Cleanup() {
	a.cleanupOnce.Do(func() {
		a.log.Info("atlas cleanup")
		a.mem = nil
		a.store = nil
		a.table = nil
		a.engine = nil
		a.stats = nil
	})
}

// PageSize returns the placement granularity.
func (a *Atlas) PageSize() uint64 { return a.cfg.PageSize }

// ResidentPageAddr returns the physical address of device page i. Use
// it to construct physical addresses for AddEntry.
func (a *Atlas) ResidentPageAddr(i int) uint64 {
	return a.mem.Base() + uint64(i)*a.cfg.PageSize
}

// SwapPageAddr returns the physical address of swap page i.
func (a *Atlas) SwapPageAddr(i int) uint64 {
	return a.store.Base() + uint64(i)*a.cfg.PageSize
}

// Lookup finds the entry for a virtual address.
//
// Lock-free; safe concurrently with any in-flight swap. An entry
// mid-transition is reported with State Pending. Fails ErrNotFound for
// an unknown address. Every call is counted toward the hit ratio; a hit
// is a lookup resolved to a resident (or pinned-resident) page.
func (a *Atlas) Lookup(virtualAddr uint64) (EntryView, error) {
	e, ok := a.table.Lookup(virtualAddr)
	if !ok {
		a.stats.RecordLookup(false)
		return EntryView{}, fmt.Errorf("%w: virtual address %#x", errdefs.ErrNotFound, virtualAddr)
	}

	w := e.Word()
	hit := w.State() == StateResident ||
		(w.State() == StateLocked && w.Saved() == StateResident)
	a.stats.RecordLookup(hit)

	v := e.View()
	return EntryView{
		VirtualAddr:  v.VirtualAddr,
		PhysicalAddr: v.PhysicalAddr,
		ShardID:      v.ShardID,
		PageOffset:   v.PageOffset,
		State:        v.State,
		Priority:     v.Priority,
		RefCount:     v.RefCount,
	}, nil
}

// AddEntry creates a page mapping. The physical address must be a
// page-aligned address inside the device pool (entry starts Resident)
// or the swap store (entry starts Swapped); the page is claimed from
// the owning pool. A shard spans multiple pages by repeated AddEntry
// calls with the same shard ID; page offsets are assigned in call
// order.
func (a *Atlas) AddEntry(virtualAddr, physicalAddr uint64, shardID uint32, priority uint8) error {
	return a.table.AddEntry(virtualAddr, physicalAddr, shardID, priority)
}

// RemoveEntry destroys all page mappings of a shard, returning their
// pages to the owning pools. Fails Busy while any page is Pending or
// has active holders.
func (a *Atlas) RemoveEntry(shardID uint32) error {
	return a.table.RemoveEntry(shardID)
}

// UpdateState performs an administrative transition on all pages of a
// shard: StateLocked pins, and the page's prior state unpins. Fails
// Busy on a mid-transition shard and InvalidTransition for anything not
// on the state graph.
func (a *Atlas) UpdateState(shardID uint32, newState State) error {
	return a.table.UpdateState(shardID, newState)
}

// SetPriority replaces the eviction priority of a shard's pages.
func (a *Atlas) SetPriority(shardID uint32, priority uint8) error {
	return a.table.SetPriority(shardID, priority)
}

// Retain increments the reference count of the page at virtualAddr,
// protecting it from eviction. Does not change placement, so it is
// permitted even mid-transition.
func (a *Atlas) Retain(virtualAddr uint64) error {
	e, ok := a.table.Lookup(virtualAddr)
	if !ok {
		return fmt.Errorf("%w: virtual address %#x", errdefs.ErrNotFound, virtualAddr)
	}
	return e.Retain()
}

// Release decrements the reference count of the page at virtualAddr,
// saturating at zero.
func (a *Atlas) Release(virtualAddr uint64) error {
	e, ok := a.table.Lookup(virtualAddr)
	if !ok {
		return fmt.Errorf("%w: virtual address %#x", errdefs.ErrNotFound, virtualAddr)
	}
	e.ReleaseRef()
	return nil
}

// AtomicSwap brings every page of the requested shards resident as one
// all-or-nothing unit, evicting victims under memory pressure and
// applying the coherency fence on completion. See the package
// documentation for the full contract.
func (a *Atlas) AtomicSwap(ctx context.Context, shardIDs []uint32) error {
	return a.engine.AtomicSwap(ctx, shardIDs)
}

// MemoryFence republishes the device-readable mirror from the
// authoritative table and returns the new generation. Mutating
// operations fence automatically; an explicit fence is for callers that
// mutated reference counts and want them visible in the mirror.
func (a *Atlas) MemoryFence() uint64 {
	return a.table.Fence()
}

// Stats returns a point-in-time snapshot.
func (a *Atlas) Stats() Stats {
	s := a.stats.Snapshot()
	return Stats{
		ResidentPages: s.ResidentPages,
		SwappedPages:  s.SwappedPages,
		PendingPages:  s.PendingPages,
		LockedPages:   s.LockedPages,
		MemoryUsed:    s.MemoryUsed,
		SwapUsed:      s.SwapUsed,
		Lookups:       s.Lookups,
		Hits:          s.Hits,
		HitRatio:      s.HitRatio,
		Generation:    s.Generation,
	}
}

// MetricsCollector returns a prometheus collector exposing the atlas
// statistics, for registration with a prometheus registry.
func (a *Atlas) MetricsCollector() prometheus.Collector {
	return a.stats
}
