package atlas

import "github.com/kolkov/shardatlas/internal/atlas/errdefs"

// Error kinds reported by atlas operations. Match with errors.Is; the
// concrete errors carry wrapped context (addresses, shard IDs, counts).
var (
	// ErrCapacityExceeded: the entry table is full, or a swap cannot
	// free enough resident space even after evicting all eligible
	// victims.
	ErrCapacityExceeded = errdefs.ErrCapacityExceeded

	// ErrDuplicateAddress: AddEntry with a virtual address (or physical
	// page) that is already mapped.
	ErrDuplicateAddress = errdefs.ErrDuplicateAddress

	// ErrNotFound: unknown virtual address or shard ID.
	ErrNotFound = errdefs.ErrNotFound

	// ErrBusy: the target entry is mid-transition (Pending) or has
	// active holders. Retry or choose a different target.
	ErrBusy = errdefs.ErrBusy

	// ErrInvalidTransition: the requested state change is not reachable
	// from the entry's current state.
	ErrInvalidTransition = errdefs.ErrInvalidTransition

	// ErrOutOfSwapSpace: evicted pages cannot be placed in the swap
	// store.
	ErrOutOfSwapSpace = errdefs.ErrOutOfSwapSpace

	// ErrPartialSwap: some but not all requested transfers completed.
	// Use PartialSwapShards to recover the unfinished set.
	ErrPartialSwap = errdefs.ErrPartialSwap

	// ErrAllocationFailure: Init could not allocate the pools or the
	// table. Fatal for that Atlas instance.
	ErrAllocationFailure = errdefs.ErrAllocationFailure
)

// PartialSwapShards extracts the shard IDs that did not complete from a
// partial swap failure. Their entries were rolled back to their
// pre-call state, so retrying exactly those is safe.
func PartialSwapShards(err error) ([]uint32, bool) {
	pe, ok := errdefs.AsPartialSwap(err)
	if !ok {
		return nil, false
	}
	return pe.Shards, true
}
