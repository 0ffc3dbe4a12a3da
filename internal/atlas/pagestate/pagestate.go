// Package pagestate implements the packed per-page state word for the atlas.
//
// Every atlas entry carries a single 64-bit word encoding its placement
// state, the state saved for rollback, the eviction priority and the
// reference count:
//
//	[unused:24][refcount:16][priority:8][saved:8][state:8]
//
// Packing all mutable bookkeeping into one word is what makes the
// transition protocol lock-free: claiming an entry for a swap, checking
// that its reference count is zero and marking it Pending are a single
// compare-and-swap on this word. A victim-selection scan therefore can
// never race with a concurrent Retain - either the CAS sees refcount 0
// and wins, or it fails and the candidate is skipped.
package pagestate

// State is the placement state of a single shard-page.
//
// The per-entry state machine:
//
//	Pending  -> Resident  (swap-in completes)
//	Pending  -> Swapped   (swap-out completes)
//	Resident -> Pending   (eviction begins)
//	Swapped  -> Pending   (fetch begins)
//	Resident/Swapped -> Locked, Locked -> saved  (explicit pin/unpin)
//
// Pending doubles as an advisory lock: only one in-flight transition per
// entry is allowed, and attempts to transition an already-Pending entry
// fail fast with Busy instead of blocking.
type State uint8

const (
	// StateInvalid is the zero value; no live entry carries it.
	StateInvalid State = iota

	// StateResident means the page is in fast device memory.
	StateResident

	// StateSwapped means the page is in the overflow swap store.
	StateSwapped

	// StatePending means the page is mid-transition; its physical
	// address is transitional and owned by the swap engine.
	StatePending

	// StateLocked means the page is pinned and exempt from eviction
	// regardless of priority or reference count.
	StateLocked
)

// String returns a human-readable state name for logs and reports.
func (s State) String() string {
	switch s {
	case StateResident:
		return "RESIDENT"
	case StateSwapped:
		return "SWAPPED"
	case StatePending:
		return "PENDING"
	case StateLocked:
		return "LOCKED"
	default:
		return "INVALID"
	}
}

// Placed reports whether the state carries an authoritative physical
// address (Resident and Swapped do; Pending is transitional).
//
//go:nosplit
func (s State) Placed() bool {
	return s == StateResident || s == StateSwapped
}

const (
	stateBits    = 8
	savedBits    = 8
	priorityBits = 8
	refCountBits = 16

	savedShift    = stateBits
	priorityShift = savedShift + savedBits
	refCountShift = priorityShift + priorityBits

	stateMask    = (1 << stateBits) - 1
	savedMask    = (1 << savedBits) - 1
	priorityMask = (1 << priorityBits) - 1
	refCountMask = (1 << refCountBits) - 1

	// MaxRefCount is the largest representable reference count.
	MaxRefCount = refCountMask
)

// Word is the packed 64-bit state word stored atomically in each entry.
type Word uint64

// Pack builds a state word from its components.
//
//go:nosplit
func Pack(state, saved State, priority uint8, refCount uint16) Word {
	return Word(uint64(state)&stateMask |
		(uint64(saved)&savedMask)<<savedShift |
		(uint64(priority)&priorityMask)<<priorityShift |
		(uint64(refCount)&refCountMask)<<refCountShift)
}

// Decode splits a word back into its components.
//
//go:nosplit
func (w Word) Decode() (state, saved State, priority uint8, refCount uint16) {
	state = State(w & stateMask)
	saved = State((w >> savedShift) & savedMask)
	priority = uint8((w >> priorityShift) & priorityMask)
	refCount = uint16((w >> refCountShift) & refCountMask)
	return
}

// State extracts the placement state.
//
//go:nosplit
func (w Word) State() State {
	return State(w & stateMask)
}

// Saved extracts the state preserved for rollback or unpin.
//
//go:nosplit
func (w Word) Saved() State {
	return State((w >> savedShift) & savedMask)
}

// Priority extracts the eviction priority (lower evicts first).
//
//go:nosplit
func (w Word) Priority() uint8 {
	return uint8((w >> priorityShift) & priorityMask)
}

// RefCount extracts the reference count.
//
//go:nosplit
func (w Word) RefCount() uint16 {
	return uint16((w >> refCountShift) & refCountMask)
}

// WithState returns a copy of the word with the state replaced.
//
//go:nosplit
func (w Word) WithState(s State) Word {
	return (w &^ stateMask) | Word(s)&stateMask
}

// WithSaved returns a copy of the word with the saved state replaced.
//
//go:nosplit
func (w Word) WithSaved(s State) Word {
	return (w &^ Word(savedMask<<savedShift)) | (Word(s)&savedMask)<<savedShift
}

// WithPriority returns a copy of the word with the priority replaced.
//
//go:nosplit
func (w Word) WithPriority(p uint8) Word {
	return (w &^ Word(priorityMask<<priorityShift)) | Word(p)<<priorityShift
}

// WithRefCount returns a copy of the word with the reference count replaced.
//
//go:nosplit
func (w Word) WithRefCount(rc uint16) Word {
	return (w &^ Word(refCountMask<<refCountShift)) | Word(rc)<<refCountShift
}

// String returns a debug representation, e.g. "RESIDENT p=10 rc=2".
func (w Word) String() string {
	state, saved, priority, refCount := w.Decode()
	s := state.String() + " p=" + itoa(uint64(priority)) + " rc=" + itoa(uint64(refCount))
	if state == StatePending || state == StateLocked {
		s += " saved=" + saved.String()
	}
	return s
}

// itoa converts an integer to string without an fmt import.
// Debug output only, never on the hot path.
func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
