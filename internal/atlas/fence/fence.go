// Package fence implements the coherency fence and the device-readable
// mirror of the atlas table.
//
// The dual-copy strategy: the table's host copy is authoritative and
// mutated only through the serialized transition protocol; device-side
// readers (the parallel copy workers, long-running consumers) read an
// immutable Snapshot published through an atomic pointer. The fence is
// the publish - after a batch of mutations, a new snapshot is built from
// the authoritative entries and swapped in, so every subsequent reader
// observes the complete post-mutation view. Readers holding an older
// snapshot see an internally consistent, merely stale view, never a torn
// one.
package fence

import (
	"sync/atomic"

	"github.com/kolkov/shardatlas/internal/atlas/pagestate"
)

// EntryView is one immutable page-mapping record in a snapshot.
type EntryView struct {
	VirtualAddr  uint64
	PhysicalAddr uint64
	ShardID      uint32
	PageOffset   uint32
	State        pagestate.State
	Priority     uint8
	RefCount     uint16
}

// Snapshot is a point-in-time, read-only copy of the table as seen by
// device-side readers. Generation increases by one per fence.
type Snapshot struct {
	Generation uint64
	Entries    []EntryView

	byVaddr map[uint64]int
}

// Lookup finds an entry by virtual address within the snapshot.
func (s *Snapshot) Lookup(virtualAddr uint64) (EntryView, bool) {
	i, ok := s.byVaddr[virtualAddr]
	if !ok {
		return EntryView{}, false
	}
	return s.Entries[i], true
}

// Mirror holds the currently published snapshot.
//
// Thread Safety: Publish may race with Load; atomic.Pointer makes the
// swap a pure ordering guarantee with no data mutation, which is exactly
// the fence contract.
type Mirror struct {
	snap atomic.Pointer[Snapshot]
	gen  atomic.Uint64
}

// NewMirror creates a mirror pre-published with an empty generation-0
// snapshot so Load never returns nil.
func NewMirror() *Mirror {
	m := &Mirror{}
	m.snap.Store(&Snapshot{byVaddr: map[uint64]int{}})
	return m
}

// Publish installs a new snapshot built from the given entries and
// returns its generation. This is the coherency fence: once Publish
// returns, every Load observes the new view.
func (m *Mirror) Publish(entries []EntryView) uint64 {
	s := &Snapshot{
		Generation: m.gen.Add(1),
		Entries:    entries,
		byVaddr:    make(map[uint64]int, len(entries)),
	}
	for i, e := range entries {
		s.byVaddr[e.VirtualAddr] = i
	}
	m.snap.Store(s)
	return s.Generation
}

// Load returns the current snapshot. Never nil.
//
//go:nosplit
func (m *Mirror) Load() *Snapshot {
	return m.snap.Load()
}

// Generation returns the generation of the latest published snapshot.
//
//go:nosplit
func (m *Mirror) Generation() uint64 {
	return m.gen.Load()
}
