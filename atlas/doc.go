// Package atlas manages a two-tier memory hierarchy for large,
// shard-partitioned model weight data that does not fit inside fast
// accelerator memory: a bounded resident pool on the compute device and
// an overflow swap store.
//
// The atlas maintains a consistent mapping from a logical (virtual)
// address space to the physical location of each shard-page - resident
// device memory or swap storage - and moves pages between the tiers
// atomically while execution proceeds concurrently on many worker
// goroutines.
//
// # Quick Start
//
//	a, err := atlas.Init(atlas.Config{
//		Capacity:   1024,
//		MemorySize: 64 << 20, // 64 MiB device pool
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer a.Cleanup()
//
//	// Map shard 7's first page to device page 0.
//	_ = a.AddEntry(0x1000, a.ResidentPageAddr(0), 7, 128)
//
//	// Make a working set resident, evicting victims as needed.
//	if err := a.AtomicSwap(ctx, []uint32{7, 9, 12}); err != nil {
//		if shards, ok := atlas.PartialSwapShards(err); ok {
//			// Retry just the shards that did not complete.
//			_ = a.AtomicSwap(ctx, shards)
//		}
//	}
//
//	view, err := a.Lookup(0x1000) // lock-free
//
// # State Machine
//
// Each entry is in one of four states:
//
//	Pending  -> Resident   swap-in completes
//	Pending  -> Swapped    swap-out completes
//	Resident -> Pending    eviction begins
//	Swapped  -> Pending    fetch begins
//	Resident/Swapped -> Locked -> previous   explicit pin/unpin
//
// Pending is a tagged-state mutual exclusion mechanism, not a blocking
// lock: it is claimed by a single compare-and-swap on the entry's packed
// state word, and a conflicting transition fails fast with [ErrBusy] so
// callers can retry or pick a different victim. Reference-count changes
// ([Atlas.Retain], [Atlas.Release]) are the only mutations that bypass
// the Pending protocol - they never change placement - but they are
// packed into the same word, so victim selection can never race with a
// concurrent Retain.
//
// # Coherency
//
// The host-side table is authoritative. Device-side readers observe an
// immutable snapshot republished at fence points; [Atlas.MemoryFence]
// and every mutating operation apply the fence, guaranteeing that all
// readers observe a consistent post-mutation view. A reader holding an
// older snapshot sees a stale but never torn mapping.
//
// # Atomic Swap
//
// [Atlas.AtomicSwap] is synchronous for the caller: it returns once all
// requested shards are resident and fenced, or fails having rolled the
// claimed entries back. Internally, page transfers run in parallel
// across a bounded worker pool, each page copied by a cooperative group
// of goroutines; a shared completion counter converts the parallelism
// into the single synchronous result. Within one call there is no
// ordering between individual transfers - the only contract is "all
// complete, then fence, then the state transition is visible."
package atlas
