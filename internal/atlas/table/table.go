// Package table implements the atlas page table: a fixed-capacity set of
// page-mapping entries with a lock-free lookup path and a serialized
// transition protocol for mutations.
//
// Architecture (host side is authoritative):
//   - Entries are published into a fixed slot array of atomic pointers
//     with multiplicative hashing and linear probing, so Lookup is
//     lock-free and runs concurrently with any mutation of unrelated
//     entries. Removed entries leave a tombstone to keep probe chains
//     intact.
//   - Structural mutations (add/remove/admin state changes) are
//     serialized by a mutex; per-entry state changes go through the
//     compare-and-swap protocol in Entry, with Pending as the advisory
//     lock.
//   - The device-readable mirror is republished via the coherency fence
//     after every mutation batch.
//
// The table is the sole owner of the pool bookkeeping: a page is claimed
// from its pool when an entry is added and released when the entry is
// removed or the swap engine commits a move, so the resident and swapped
// footprints can never exceed the pool capacities.
package table

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/shardatlas/internal/atlas/errdefs"
	"github.com/kolkov/shardatlas/internal/atlas/fence"
	"github.com/kolkov/shardatlas/internal/atlas/mempool"
	"github.com/kolkov/shardatlas/internal/atlas/pagestate"
)

// tombstone marks a slot whose entry was removed. Probes skip it; adds
// may reuse it. Distinguished by pointer identity, never dereferenced
// for lookups.
var tombstone = new(Entry)

// Table is the page table mapping virtual addresses to physical
// placements across the memory pool and the swap store.
type Table struct {
	capacity int

	// slots is the published entry array. Sized to a power of two at
	// least twice the capacity so probe chains stay short.
	slots []atomic.Pointer[Entry]
	shift uint // hash shift: top log2(len(slots)) bits of the mixed address

	mem  *mempool.Pool
	swap *mempool.Pool

	mirror *fence.Mirror
	log    *zap.Logger

	mu      sync.Mutex
	byShard map[uint32][]*Entry
	count   int
	nextSeq uint64
}

// New creates a table with the given entry capacity over the two pools.
func New(capacity int, mem, swap *mempool.Pool, log *zap.Logger) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: table capacity %d", errdefs.ErrAllocationFailure, capacity)
	}
	if log == nil {
		log = zap.NewNop()
	}

	nslots := 8
	for nslots < 2*capacity {
		nslots <<= 1
	}

	return &Table{
		capacity: capacity,
		slots:    make([]atomic.Pointer[Entry], nslots),
		shift:    uint(64 - bits.TrailingZeros(uint(nslots))),
		mem:      mem,
		swap:     swap,
		mirror:   fence.NewMirror(),
		log:      log,
		byShard:  make(map[uint32][]*Entry, capacity),
	}, nil
}

// hashAddr mixes a virtual address with the golden-ratio constant and
// keeps the top bits, which have the best avalanche behavior for
// sequential addresses.
//
//go:nosplit
func (t *Table) hashAddr(addr uint64) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (addr * goldenRatio) >> t.shift
}

// Lookup finds the entry for a virtual address.
//
// Lock-free: probes the slot array with atomic loads only. Safe to call
// concurrently with lookups, ref-count changes and any in-flight swap;
// entries mid-transition are returned with state Pending.
func (t *Table) Lookup(virtualAddr uint64) (*Entry, bool) {
	mask := uint64(len(t.slots) - 1)
	hash := t.hashAddr(virtualAddr)

	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		e := t.slots[(hash+i)&mask].Load()
		if e == nil {
			return nil, false
		}
		if e == tombstone {
			continue
		}
		if e.virtualAddr == virtualAddr {
			return e, true
		}
	}
	return nil, false
}

// AddEntry creates a new page mapping.
//
// The supplied physical address decides the initial state: inside the
// memory pool yields Resident, inside the swap store yields Swapped,
// anything else fails NotFound. The page is claimed from the owning pool
// so footprint accounting stays exact. Fails CapacityExceeded at table
// capacity and DuplicateAddress on a virtual address collision.
func (t *Table) AddEntry(virtualAddr, physicalAddr uint64, shardID uint32, priority uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= t.capacity {
		return fmt.Errorf("%w: table full (%d entries)", errdefs.ErrCapacityExceeded, t.capacity)
	}

	slot, existing := t.probeForAdd(virtualAddr)
	if existing {
		return fmt.Errorf("%w: virtual address %#x", errdefs.ErrDuplicateAddress, virtualAddr)
	}

	var pool *mempool.Pool
	var state pagestate.State
	switch {
	case t.mem.Contains(physicalAddr):
		pool, state = t.mem, pagestate.StateResident
	case t.swap.Contains(physicalAddr):
		pool, state = t.swap, pagestate.StateSwapped
	default:
		return fmt.Errorf("%w: physical address %#x outside both tiers",
			errdefs.ErrNotFound, physicalAddr)
	}

	if err := pool.Claim(physicalAddr); err != nil {
		return err
	}

	e := &Entry{
		virtualAddr: virtualAddr,
		shardID:     shardID,
		pageOffset:  uint32(len(t.byShard[shardID])),
		seq:         t.nextSeq,
	}
	t.nextSeq++
	e.word.Store(uint64(pagestate.Pack(state, pagestate.StateInvalid, priority, 0)))
	e.physical.Store(physicalAddr)

	t.slots[slot].Store(e)
	t.byShard[shardID] = append(t.byShard[shardID], e)
	t.count++

	t.log.Debug("atlas entry added",
		zap.Uint64("vaddr", virtualAddr),
		zap.Uint64("paddr", physicalAddr),
		zap.Uint32("shard", shardID),
		zap.Uint32("page", e.pageOffset),
		zap.Stringer("state", state),
		zap.Uint8("priority", priority))

	t.fenceLocked()
	return nil
}

// probeForAdd walks the probe chain for virtualAddr. Returns the slot a
// new entry should occupy (first tombstone on the chain, else the first
// nil) and whether the address is already present. Caller holds mu.
func (t *Table) probeForAdd(virtualAddr uint64) (slot uint64, existing bool) {
	mask := uint64(len(t.slots) - 1)
	hash := t.hashAddr(virtualAddr)

	reuse := uint64(0)
	haveReuse := false

	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		idx := (hash + i) & mask
		e := t.slots[idx].Load()
		if e == nil {
			if haveReuse {
				return reuse, false
			}
			return idx, false
		}
		if e == tombstone {
			if !haveReuse {
				reuse, haveReuse = idx, true
			}
			continue
		}
		if e.virtualAddr == virtualAddr {
			return idx, true
		}
	}
	// Chain fully occupied by live entries and tombstones; with
	// count < capacity <= len(slots)/2 there is always a tombstone.
	return reuse, false
}

// RemoveEntry destroys all page mappings of a shard and returns their
// physical pages to the owning pools.
//
// Fails NotFound when the shard has no entries and Busy when any page is
// Pending or has a positive reference count; in those cases nothing is
// removed.
func (t *Table) RemoveEntry(shardID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pages := t.byShard[shardID]
	if len(pages) == 0 {
		return fmt.Errorf("%w: shard %d", errdefs.ErrNotFound, shardID)
	}

	// Claim every page Pending before touching the pools. The claim and
	// an engine victim claim are CASes on the same word, so a page can
	// never be released back to its pool while a concurrent swap still
	// copies from it; the loser of the race fails Busy.
	words := make([]pagestate.Word, len(pages))
	for i, e := range pages {
		w, err := e.claimRemove()
		if err != nil {
			for j := range pages[:i] {
				pages[j].rollbackTo(words[j])
			}
			return err
		}
		words[i] = w
	}

	for _, e := range pages {
		pool := t.swap
		if t.mem.Contains(e.Physical()) {
			pool = t.mem
		}
		if err := pool.Release(e.Physical()); err != nil {
			// The pool and table disagree about this page; the entry is
			// still dropped so the table stays internally consistent.
			t.log.Error("page release failed on remove",
				zap.Uint32("shard", shardID),
				zap.Uint64("paddr", e.Physical()),
				zap.Error(err))
		}
		t.eraseSlot(e.virtualAddr)
		t.count--
	}
	delete(t.byShard, shardID)

	t.log.Debug("atlas shard removed", zap.Uint32("shard", shardID), zap.Int("pages", len(pages)))
	t.fenceLocked()
	return nil
}

// eraseSlot replaces the slot holding virtualAddr with a tombstone.
// Caller holds mu.
func (t *Table) eraseSlot(virtualAddr uint64) {
	mask := uint64(len(t.slots) - 1)
	hash := t.hashAddr(virtualAddr)

	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		idx := (hash + i) & mask
		e := t.slots[idx].Load()
		if e == nil {
			return
		}
		if e != tombstone && e.virtualAddr == virtualAddr {
			t.slots[idx].Store(tombstone)
			return
		}
	}
}

// UpdateState performs a caller-requested transition (pin/unpin) on all
// pages of a shard. Validation runs first so a shard with any Pending
// page fails Busy without touching the others; if a concurrent engine
// claim still interleaves, already-transitioned pages are rolled back so
// the shard is never left half-pinned.
func (t *Table) UpdateState(shardID uint32, to pagestate.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pages := t.byShard[shardID]
	if len(pages) == 0 {
		return fmt.Errorf("%w: shard %d", errdefs.ErrNotFound, shardID)
	}

	for i, e := range pages {
		if err := e.adminTransition(to); err != nil {
			for _, applied := range pages[:i] {
				applied.undoAdmin(to)
			}
			return err
		}
	}

	t.log.Debug("atlas shard state updated",
		zap.Uint32("shard", shardID), zap.Stringer("state", to))
	t.fenceLocked()
	return nil
}

// undoAdmin reverses a just-applied adminTransition during multi-page
// rollback.
func (e *Entry) undoAdmin(applied pagestate.State) {
	if applied == pagestate.StateLocked {
		// Locked -> saved is always a legal unpin.
		_ = e.adminTransition(e.Word().Saved())
		return
	}
	// The applied transition was an unpin; re-pin.
	_ = e.adminTransition(pagestate.StateLocked)
}

// SetPriority replaces the eviction priority on all pages of a shard.
func (t *Table) SetPriority(shardID uint32, priority uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pages := t.byShard[shardID]
	if len(pages) == 0 {
		return fmt.Errorf("%w: shard %d", errdefs.ErrNotFound, shardID)
	}
	for _, e := range pages {
		e.SetPriority(priority)
	}
	t.fenceLocked()
	return nil
}

// PagesOf returns the entries of a shard in page order. The slice is a
// copy; the entries themselves are shared.
func (t *Table) PagesOf(shardID uint32) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	pages := t.byShard[shardID]
	if len(pages) == 0 {
		return nil
	}
	out := make([]*Entry, len(pages))
	copy(out, pages)
	return out
}

// EvictionCandidates returns Resident entries with no holders outside
// the excluded shard set, ordered by ascending priority with insertion
// order breaking ties (oldest first).
//
// The scan is advisory: eligibility is re-checked atomically by
// Entry.ClaimEvict when a candidate is actually claimed, so a ref count
// turning positive after the scan only causes a skip, never a bad
// eviction.
func (t *Table) EvictionCandidates(exclude map[uint32]struct{}) []*Entry {
	var out []*Entry
	for i := range t.slots {
		e := t.slots[i].Load()
		if e == nil || e == tombstone {
			continue
		}
		if _, skip := exclude[e.shardID]; skip {
			continue
		}
		w := e.Word()
		if w.State() == pagestate.StateResident && w.RefCount() == 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Word(), out[j].Word()
		if wi.Priority() != wj.Priority() {
			return wi.Priority() < wj.Priority()
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// StateCounts tallies entries per state with a lock-free scan. May be
// slightly stale relative to in-flight swaps; never blocks mutators.
func (t *Table) StateCounts() (resident, swapped, pending, locked int) {
	for i := range t.slots {
		e := t.slots[i].Load()
		if e == nil || e == tombstone {
			continue
		}
		switch e.State() {
		case pagestate.StateResident:
			resident++
		case pagestate.StateSwapped:
			swapped++
		case pagestate.StatePending:
			pending++
		case pagestate.StateLocked:
			locked++
		}
	}
	return
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Capacity returns the fixed entry capacity.
func (t *Table) Capacity() int { return t.capacity }

// MemPool returns the resident tier.
func (t *Table) MemPool() *mempool.Pool { return t.mem }

// SwapPool returns the overflow tier.
func (t *Table) SwapPool() *mempool.Pool { return t.swap }

// Mirror returns the device-readable mirror.
func (t *Table) Mirror() *fence.Mirror { return t.mirror }

// Fence rebuilds the device mirror from the authoritative entries and
// publishes it. This is the coherency fence of the atlas: call after a
// mutation batch, before device-side readers may rely on it.
func (t *Table) Fence() uint64 {
	views := make([]fence.EntryView, 0, t.Len())
	for i := range t.slots {
		e := t.slots[i].Load()
		if e == nil || e == tombstone {
			continue
		}
		views = append(views, e.View())
	}
	return t.mirror.Publish(views)
}

// fenceLocked is Fence for callers already holding mu.
func (t *Table) fenceLocked() uint64 {
	views := make([]fence.EntryView, 0, t.count)
	for i := range t.slots {
		e := t.slots[i].Load()
		if e == nil || e == tombstone {
			continue
		}
		views = append(views, e.View())
	}
	return t.mirror.Publish(views)
}
