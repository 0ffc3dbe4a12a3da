// Package errdefs defines the error kinds shared by all atlas packages.
//
// Every operation reports failure as one of these kinds so callers can
// match with errors.Is regardless of the wrapping context added along the
// way. The propagation policy: failures either leave the table unchanged
// or roll back partial Pending marks before returning - the table is
// always left internally consistent.
package errdefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCapacityExceeded reports a full entry table or device pool.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrDuplicateAddress reports a virtual address collision on add.
	ErrDuplicateAddress = errors.New("duplicate address")

	// ErrNotFound reports an unknown shard or virtual address.
	ErrNotFound = errors.New("not found")

	// ErrBusy reports an entry already Pending (or otherwise in use);
	// callers should retry or pick a different victim rather than block.
	ErrBusy = errors.New("busy")

	// ErrInvalidTransition reports a state change not reachable from the
	// entry's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrOutOfSwapSpace reports that evicted pages cannot be placed in
	// the swap store.
	ErrOutOfSwapSpace = errors.New("out of swap space")

	// ErrPartialSwap reports that some but not all requested transfers
	// completed. Use AsPartialSwap to recover the unfinished shard set.
	ErrPartialSwap = errors.New("partial swap failure")

	// ErrAllocationFailure reports that the initial pool or table
	// allocation failed at Init. Fatal for that atlas instance.
	ErrAllocationFailure = errors.New("allocation failure")
)

// PartialSwapError reports an atomic swap that completed only partially.
// Shards lists the requested shard IDs whose transfers did not complete;
// their entries have been rolled back to their pre-call state, so the
// caller can retry exactly those.
type PartialSwapError struct {
	Shards []uint32
}

// Error formats the unfinished shard set, sorted for stable output.
func (e *PartialSwapError) Error() string {
	ids := make([]uint32, len(e.Shards))
	copy(ids, e.Shards)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	return fmt.Sprintf("%v: shards [%s] not completed", ErrPartialSwap, b.String())
}

// Unwrap makes errors.Is(err, ErrPartialSwap) hold.
func (e *PartialSwapError) Unwrap() error {
	return ErrPartialSwap
}

// AsPartialSwap extracts a PartialSwapError from an error chain.
func AsPartialSwap(err error) (*PartialSwapError, bool) {
	var pe *PartialSwapError
	ok := errors.As(err, &pe)
	return pe, ok
}
