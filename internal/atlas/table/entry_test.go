package table

import (
	"errors"
	"testing"

	"github.com/kolkov/shardatlas/internal/atlas/errdefs"
	"github.com/kolkov/shardatlas/internal/atlas/pagestate"
)

// newEntry builds a standalone entry for transition tests.
func newEntry(state pagestate.State, priority uint8, refCount uint16, physical uint64) *Entry {
	e := &Entry{virtualAddr: 0x1000, shardID: 1}
	e.word.Store(uint64(pagestate.Pack(state, pagestate.StateInvalid, priority, refCount)))
	e.physical.Store(physical)
	return e
}

// TestClaimFetch covers every starting state of the fetch claim.
func TestClaimFetch(t *testing.T) {
	t.Run("swapped is claimed", func(t *testing.T) {
		e := newEntry(pagestate.StateSwapped, 0, 0, 0xA000)

		claimed, err := e.ClaimFetch()
		if err != nil || !claimed {
			t.Fatalf("ClaimFetch() = (%v, %v), want (true, nil)", claimed, err)
		}
		if e.State() != pagestate.StatePending {
			t.Errorf("state = %v, want PENDING", e.State())
		}
		if e.Word().Saved() != pagestate.StateSwapped {
			t.Errorf("saved = %v, want SWAPPED", e.Word().Saved())
		}
	})

	t.Run("resident needs nothing", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)

		claimed, err := e.ClaimFetch()
		if err != nil || claimed {
			t.Errorf("ClaimFetch() = (%v, %v), want (false, nil)", claimed, err)
		}
	})

	t.Run("pending fails busy", func(t *testing.T) {
		e := newEntry(pagestate.StateSwapped, 0, 0, 0xA000)
		if claimed, _ := e.ClaimFetch(); !claimed {
			t.Fatal("setup claim failed")
		}

		_, err := e.ClaimFetch()
		if !errors.Is(err, errdefs.ErrBusy) {
			t.Errorf("second ClaimFetch() = %v, want ErrBusy", err)
		}
	})

	t.Run("pinned resident needs nothing", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)
		if err := e.adminTransition(pagestate.StateLocked); err != nil {
			t.Fatalf("pin failed: %v", err)
		}

		claimed, err := e.ClaimFetch()
		if err != nil || claimed {
			t.Errorf("ClaimFetch() on pinned-resident = (%v, %v), want (false, nil)", claimed, err)
		}
	})

	t.Run("pinned in swap fails busy", func(t *testing.T) {
		e := newEntry(pagestate.StateSwapped, 0, 0, 0xA000)
		if err := e.adminTransition(pagestate.StateLocked); err != nil {
			t.Fatalf("pin failed: %v", err)
		}

		_, err := e.ClaimFetch()
		if !errors.Is(err, errdefs.ErrBusy) {
			t.Errorf("ClaimFetch() on pinned-swapped = %v, want ErrBusy", err)
		}
	})
}

// TestClaimEvict verifies the atomic eligibility check.
func TestClaimEvict(t *testing.T) {
	tests := []struct {
		name  string
		state pagestate.State
		rc    uint16
		want  bool
	}{
		{"resident unreferenced", pagestate.StateResident, 0, true},
		{"resident referenced", pagestate.StateResident, 1, false},
		{"swapped", pagestate.StateSwapped, 0, false},
		{"locked", pagestate.StateLocked, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEntry(tt.state, 10, tt.rc, 0xA000)

			if got := e.ClaimEvict(); got != tt.want {
				t.Errorf("ClaimEvict() = %v, want %v", got, tt.want)
			}
			if tt.want && e.State() != pagestate.StatePending {
				t.Errorf("state after claim = %v, want PENDING", e.State())
			}
		})
	}
}

// TestCommitRollback verifies transition completion and rollback.
func TestCommitRollback(t *testing.T) {
	t.Run("commit installs placement", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)
		if !e.ClaimEvict() {
			t.Fatal("claim failed")
		}

		if err := e.Commit(pagestate.StateSwapped, 0xB000); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		if e.State() != pagestate.StateSwapped || e.Physical() != 0xB000 {
			t.Errorf("after commit: state=%v phys=%#x", e.State(), e.Physical())
		}
	})

	t.Run("rollback restores pre-claim state", func(t *testing.T) {
		e := newEntry(pagestate.StateSwapped, 5, 0, 0xA000)
		if claimed, _ := e.ClaimFetch(); !claimed {
			t.Fatal("claim failed")
		}

		e.Rollback()
		if e.State() != pagestate.StateSwapped {
			t.Errorf("state after rollback = %v, want SWAPPED", e.State())
		}
		if e.Physical() != 0xA000 {
			t.Errorf("physical after rollback = %#x, want 0xA000", e.Physical())
		}
		if e.Word().Priority() != 5 {
			t.Errorf("priority lost across rollback: %d", e.Word().Priority())
		}
	})

	t.Run("commit of settled entry fails", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)

		err := e.Commit(pagestate.StateSwapped, 0xB000)
		if !errors.Is(err, errdefs.ErrInvalidTransition) {
			t.Errorf("Commit() on non-pending = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("commit to pending is invalid", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)
		if !e.ClaimEvict() {
			t.Fatal("claim failed")
		}

		if err := e.Commit(pagestate.StatePending, 0); !errors.Is(err, errdefs.ErrInvalidTransition) {
			t.Errorf("Commit(PENDING) = %v, want ErrInvalidTransition", err)
		}
	})
}

// TestRefCounting verifies retain/release semantics.
func TestRefCounting(t *testing.T) {
	e := newEntry(pagestate.StateResident, 0, 0, 0xA000)

	// Release at zero saturates, never goes negative.
	e.ReleaseRef()
	if rc := e.Word().RefCount(); rc != 0 {
		t.Fatalf("refCount after release-at-zero = %d", rc)
	}

	for i := 1; i <= 3; i++ {
		if err := e.Retain(); err != nil {
			t.Fatalf("Retain(%d) failed: %v", i, err)
		}
	}
	if rc := e.Word().RefCount(); rc != 3 {
		t.Errorf("refCount = %d, want 3", rc)
	}

	e.ReleaseRef()
	if rc := e.Word().RefCount(); rc != 2 {
		t.Errorf("refCount = %d, want 2", rc)
	}

	// Overflow guard at the 16-bit limit.
	e.word.Store(uint64(pagestate.Pack(pagestate.StateResident, pagestate.StateInvalid, 0, pagestate.MaxRefCount)))
	if err := e.Retain(); !errors.Is(err, errdefs.ErrCapacityExceeded) {
		t.Errorf("Retain() at max = %v, want ErrCapacityExceeded", err)
	}
}

// TestAdminTransition walks the pin/unpin graph.
func TestAdminTransition(t *testing.T) {
	t.Run("pin and unpin resident", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)

		if err := e.adminTransition(pagestate.StateLocked); err != nil {
			t.Fatalf("pin failed: %v", err)
		}
		if e.State() != pagestate.StateLocked || e.Word().Saved() != pagestate.StateResident {
			t.Fatalf("after pin: %v", e.Word())
		}

		// Unpinning to the wrong placement is invalid.
		if err := e.adminTransition(pagestate.StateSwapped); !errors.Is(err, errdefs.ErrInvalidTransition) {
			t.Errorf("unpin to SWAPPED = %v, want ErrInvalidTransition", err)
		}

		if err := e.adminTransition(pagestate.StateResident); err != nil {
			t.Fatalf("unpin failed: %v", err)
		}
		if e.State() != pagestate.StateResident {
			t.Errorf("after unpin: %v", e.State())
		}
	})

	t.Run("pending fails busy", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)
		if !e.ClaimEvict() {
			t.Fatal("claim failed")
		}

		if err := e.adminTransition(pagestate.StateLocked); !errors.Is(err, errdefs.ErrBusy) {
			t.Errorf("admin on pending = %v, want ErrBusy", err)
		}
	})

	t.Run("double pin is invalid", func(t *testing.T) {
		e := newEntry(pagestate.StateSwapped, 0, 0, 0xA000)
		if err := e.adminTransition(pagestate.StateLocked); err != nil {
			t.Fatalf("pin failed: %v", err)
		}

		if err := e.adminTransition(pagestate.StateLocked); !errors.Is(err, errdefs.ErrInvalidTransition) {
			t.Errorf("double pin = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("direct pending is invalid", func(t *testing.T) {
		e := newEntry(pagestate.StateResident, 0, 0, 0xA000)

		if err := e.adminTransition(pagestate.StatePending); !errors.Is(err, errdefs.ErrInvalidTransition) {
			t.Errorf("admin to PENDING = %v, want ErrInvalidTransition", err)
		}
	})
}
