package table

import (
	"fmt"
	"sync/atomic"

	"github.com/kolkov/shardatlas/internal/atlas/errdefs"
	"github.com/kolkov/shardatlas/internal/atlas/fence"
	"github.com/kolkov/shardatlas/internal/atlas/pagestate"
)

// Entry is one page-mapping record in the atlas table.
//
// The identity fields (virtual address, shard ID, page offset, insertion
// sequence) are immutable once the entry is published into a slot. All
// mutable bookkeeping lives in the packed state word, mutated only
// through compare-and-swap, so state transitions, reference counting and
// victim claiming never take a lock.
//
// Pending acts as the per-entry advisory lock: the engine owns an entry
// exactly while its state is Pending, and any other party attempting a
// transition fails fast with Busy. The physical address is updated only
// at commit time, so a rolled-back transition leaves the pre-claim
// placement intact.
type Entry struct {
	virtualAddr uint64
	shardID     uint32
	pageOffset  uint32

	// seq is the insertion sequence number, the eviction tie-breaker:
	// among equal-priority victims the oldest insertion is evicted first.
	seq uint64

	word     atomic.Uint64 // pagestate.Word
	physical atomic.Uint64
}

// VirtualAddr returns the entry's logical address.
//
//go:nosplit
func (e *Entry) VirtualAddr() uint64 { return e.virtualAddr }

// ShardID returns the owning shard.
//
//go:nosplit
func (e *Entry) ShardID() uint32 { return e.shardID }

// PageOffset returns this page's position within its shard.
//
//go:nosplit
func (e *Entry) PageOffset() uint32 { return e.pageOffset }

// Seq returns the insertion sequence number.
//
//go:nosplit
func (e *Entry) Seq() uint64 { return e.seq }

// Word returns the current packed state word.
//
//go:nosplit
func (e *Entry) Word() pagestate.Word {
	return pagestate.Word(e.word.Load())
}

// State returns the current placement state.
//
//go:nosplit
func (e *Entry) State() pagestate.State {
	return e.Word().State()
}

// Physical returns the current physical address. Authoritative only
// while the state is Resident, Swapped or Locked; during Pending it is
// transitional and owned by the swap engine.
//
//go:nosplit
func (e *Entry) Physical() uint64 {
	return e.physical.Load()
}

// View builds the device-visible record for this entry. Mid-transition
// entries report Pending with a zeroed physical address rather than a
// stale placement.
func (e *Entry) View() fence.EntryView {
	w := e.Word()
	v := fence.EntryView{
		VirtualAddr: e.virtualAddr,
		ShardID:     e.shardID,
		PageOffset:  e.pageOffset,
		State:       w.State(),
		Priority:    w.Priority(),
		RefCount:    w.RefCount(),
	}
	if w.State() != pagestate.StatePending {
		v.PhysicalAddr = e.physical.Load()
	}
	return v
}

// ClaimFetch marks a Swapped entry Pending on behalf of a swap-in.
//
// Returns (true, nil) when the claim succeeded, (false, nil) when the
// entry is already resident (including pinned-resident) and nothing
// needs fetching, and (false, ErrBusy) when the entry is mid-transition
// or pinned in swap. Fail-fast: never blocks or spins on contention.
func (e *Entry) ClaimFetch() (bool, error) {
	for {
		w := e.Word()
		switch w.State() {
		case pagestate.StateSwapped:
			next := w.WithState(pagestate.StatePending).WithSaved(pagestate.StateSwapped)
			if e.word.CompareAndSwap(uint64(w), uint64(next)) {
				return true, nil
			}
			// Lost a race with a ref-count change or another claim; re-read.

		case pagestate.StateResident:
			return false, nil

		case pagestate.StateLocked:
			if w.Saved() == pagestate.StateResident {
				// Pinned in device memory - already resident.
				return false, nil
			}
			return false, fmt.Errorf("%w: shard %d page %d pinned in swap",
				errdefs.ErrBusy, e.shardID, e.pageOffset)

		default:
			return false, fmt.Errorf("%w: shard %d page %d already in transition",
				errdefs.ErrBusy, e.shardID, e.pageOffset)
		}
	}
}

// ClaimEvict atomically claims a Resident entry as an eviction victim.
//
// Eligibility (Resident, refcount 0, not Locked) and the Pending mark
// are a single compare-and-swap, so a candidate whose reference count
// turns positive mid-scan is simply never claimed - the CAS fails and
// the caller moves to the next victim.
func (e *Entry) ClaimEvict() bool {
	for {
		w := e.Word()
		if w.State() != pagestate.StateResident || w.RefCount() != 0 {
			return false
		}
		next := w.WithState(pagestate.StatePending).WithSaved(pagestate.StateResident)
		if e.word.CompareAndSwap(uint64(w), uint64(next)) {
			return true
		}
	}
}

// Commit completes an in-flight transition: installs the new physical
// address and moves Pending to the target state. Only the engine that
// claimed the entry may call this.
func (e *Entry) Commit(to pagestate.State, physicalAddr uint64) error {
	if !to.Placed() {
		return fmt.Errorf("%w: cannot commit to %v", errdefs.ErrInvalidTransition, to)
	}
	// Publish the new placement before it becomes readable: once the
	// state leaves Pending, readers treat the physical address as
	// authoritative.
	e.physical.Store(physicalAddr)
	for {
		w := e.Word()
		if w.State() != pagestate.StatePending {
			return fmt.Errorf("%w: commit of non-pending entry (shard %d page %d, state %v)",
				errdefs.ErrInvalidTransition, e.shardID, e.pageOffset, w.State())
		}
		next := w.WithState(to).WithSaved(pagestate.StateInvalid)
		if e.word.CompareAndSwap(uint64(w), uint64(next)) {
			return nil
		}
	}
}

// Rollback restores a Pending entry to its pre-claim state. The physical
// address was never touched, so the old placement is still valid.
func (e *Entry) Rollback() {
	for {
		w := e.Word()
		if w.State() != pagestate.StatePending {
			return
		}
		next := w.WithState(w.Saved()).WithSaved(pagestate.StateInvalid)
		if e.word.CompareAndSwap(uint64(w), uint64(next)) {
			return
		}
	}
}

// claimRemove claims a settled entry Pending on behalf of removal.
//
// The eligibility check (not mid-transition, no holders) and the Pending
// mark are one compare-and-swap, so removal and the engine's victim
// claims race on the same word and exactly one wins; a Retain landing
// first makes the CAS fail and the re-read sees the holder. Returns the
// pre-claim word so a multi-page removal can restore siblings when a
// later page fails.
func (e *Entry) claimRemove() (pagestate.Word, error) {
	for {
		w := e.Word()
		if w.State() == pagestate.StatePending {
			return 0, fmt.Errorf("%w: shard %d page %d in transition",
				errdefs.ErrBusy, e.shardID, e.pageOffset)
		}
		if w.RefCount() > 0 {
			return 0, fmt.Errorf("%w: shard %d page %d has %d active holders",
				errdefs.ErrBusy, e.shardID, e.pageOffset, w.RefCount())
		}
		next := w.WithState(pagestate.StatePending).WithSaved(pagestate.StateInvalid)
		if e.word.CompareAndSwap(uint64(w), uint64(next)) {
			return w, nil
		}
	}
}

// rollbackTo restores a removal-claimed entry to its pre-claim state and
// saved fields, keeping whatever the rest of the word holds now.
func (e *Entry) rollbackTo(orig pagestate.Word) {
	for {
		w := e.Word()
		if w.State() != pagestate.StatePending {
			return
		}
		next := w.WithState(orig.State()).WithSaved(orig.Saved())
		if e.word.CompareAndSwap(uint64(w), uint64(next)) {
			return
		}
	}
}

// Retain increments the reference count. Permitted in any state - ref
// counting does not change placement and so bypasses the Pending lock.
func (e *Entry) Retain() error {
	for {
		w := e.Word()
		rc := w.RefCount()
		if rc == pagestate.MaxRefCount {
			return fmt.Errorf("%w: shard %d page %d ref count at maximum",
				errdefs.ErrCapacityExceeded, e.shardID, e.pageOffset)
		}
		if e.word.CompareAndSwap(uint64(w), uint64(w.WithRefCount(rc+1))) {
			return nil
		}
	}
}

// ReleaseRef decrements the reference count, saturating at zero.
func (e *Entry) ReleaseRef() {
	for {
		w := e.Word()
		rc := w.RefCount()
		if rc == 0 {
			return
		}
		if e.word.CompareAndSwap(uint64(w), uint64(w.WithRefCount(rc-1))) {
			return
		}
	}
}

// SetPriority replaces the eviction priority.
func (e *Entry) SetPriority(priority uint8) {
	for {
		w := e.Word()
		if e.word.CompareAndSwap(uint64(w), uint64(w.WithPriority(priority))) {
			return
		}
	}
}

// adminTransition performs a caller-requested state change (pin/unpin).
//
// Allowed: Resident/Swapped -> Locked, and Locked -> its saved state.
// A Pending entry fails Busy; anything else is an invalid transition.
func (e *Entry) adminTransition(to pagestate.State) error {
	for {
		w := e.Word()
		cur := w.State()

		if cur == pagestate.StatePending {
			return fmt.Errorf("%w: shard %d page %d in transition",
				errdefs.ErrBusy, e.shardID, e.pageOffset)
		}

		var next pagestate.Word
		switch {
		case to == pagestate.StateLocked && cur.Placed():
			next = w.WithState(pagestate.StateLocked).WithSaved(cur)
		case to.Placed() && cur == pagestate.StateLocked && w.Saved() == to:
			next = w.WithState(to).WithSaved(pagestate.StateInvalid)
		default:
			return fmt.Errorf("%w: shard %d page %d: %v -> %v",
				errdefs.ErrInvalidTransition, e.shardID, e.pageOffset, cur, to)
		}

		if e.word.CompareAndSwap(uint64(w), uint64(next)) {
			return nil
		}
	}
}
