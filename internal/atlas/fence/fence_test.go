package fence

import (
	"sync"
	"testing"

	"github.com/kolkov/shardatlas/internal/atlas/pagestate"
)

// TestMirror_Empty verifies a fresh mirror serves a generation-0 empty
// snapshot instead of nil.
func TestMirror_Empty(t *testing.T) {
	m := NewMirror()

	s := m.Load()
	if s == nil {
		t.Fatal("Load() returned nil on fresh mirror")
	}
	if s.Generation != 0 || len(s.Entries) != 0 {
		t.Errorf("fresh snapshot: gen=%d entries=%d, want 0/0", s.Generation, len(s.Entries))
	}
	if _, ok := s.Lookup(0x1000); ok {
		t.Error("Lookup on empty snapshot succeeded")
	}
}

// TestMirror_Publish verifies publication and per-snapshot lookup.
func TestMirror_Publish(t *testing.T) {
	m := NewMirror()

	gen := m.Publish([]EntryView{
		{VirtualAddr: 0x1000, PhysicalAddr: 0xA000, ShardID: 1, State: pagestate.StateResident},
		{VirtualAddr: 0x2000, PhysicalAddr: 0xB000, ShardID: 2, State: pagestate.StateSwapped},
	})
	if gen != 1 {
		t.Errorf("first Publish() generation = %d, want 1", gen)
	}

	s := m.Load()
	if s.Generation != 1 || len(s.Entries) != 2 {
		t.Fatalf("snapshot: gen=%d entries=%d", s.Generation, len(s.Entries))
	}

	e, ok := s.Lookup(0x2000)
	if !ok {
		t.Fatal("Lookup(0x2000) not found")
	}
	if e.ShardID != 2 || e.State != pagestate.StateSwapped {
		t.Errorf("Lookup(0x2000) = %+v", e)
	}
	if _, ok := s.Lookup(0x3000); ok {
		t.Error("Lookup(0x3000) found a phantom entry")
	}
}

// TestMirror_StaleSnapshot verifies that a held snapshot is immutable:
// readers see a stale but never torn view across a republish.
func TestMirror_StaleSnapshot(t *testing.T) {
	m := NewMirror()
	m.Publish([]EntryView{{VirtualAddr: 0x1000, State: pagestate.StateResident}})

	old := m.Load()

	m.Publish([]EntryView{{VirtualAddr: 0x1000, State: pagestate.StateSwapped}})

	if old.Entries[0].State != pagestate.StateResident {
		t.Error("held snapshot mutated by republish")
	}
	if cur := m.Load(); cur.Entries[0].State != pagestate.StateSwapped {
		t.Error("new snapshot not visible after Publish")
	}
	if m.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", m.Generation())
	}
}

// TestMirror_ConcurrentReaders verifies Load is safe against concurrent
// republishing and always observes a complete snapshot.
func TestMirror_ConcurrentReaders(t *testing.T) {
	m := NewMirror()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writer: republish snapshots where every entry carries the same
	// generation-tagged shard ID, so a torn view would be detectable.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(1); i <= 500; i++ {
			m.Publish([]EntryView{
				{VirtualAddr: 0x1000, ShardID: i},
				{VirtualAddr: 0x2000, ShardID: i},
			})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := m.Load()
				if len(s.Entries) == 2 && s.Entries[0].ShardID != s.Entries[1].ShardID {
					t.Errorf("torn snapshot: %d vs %d", s.Entries[0].ShardID, s.Entries[1].ShardID)
					return
				}
			}
		}()
	}
	wg.Wait()
}
