package pagestate

import "testing"

// TestPack tests word packing and field extraction.
func TestPack(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		saved    State
		priority uint8
		refCount uint16
	}{
		{
			name: "zero word",
		},
		{
			name:  "resident only",
			state: StateResident,
		},
		{
			name:     "full word",
			state:    StatePending,
			saved:    StateSwapped,
			priority: 200,
			refCount: 7,
		},
		{
			name:     "max fields",
			state:    StateLocked,
			saved:    StateResident,
			priority: 255,
			refCount: MaxRefCount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Pack(tt.state, tt.saved, tt.priority, tt.refCount)

			state, saved, priority, refCount := w.Decode()
			if state != tt.state {
				t.Errorf("state = %v, want %v", state, tt.state)
			}
			if saved != tt.saved {
				t.Errorf("saved = %v, want %v", saved, tt.saved)
			}
			if priority != tt.priority {
				t.Errorf("priority = %d, want %d", priority, tt.priority)
			}
			if refCount != tt.refCount {
				t.Errorf("refCount = %d, want %d", refCount, tt.refCount)
			}

			// Single-field accessors must agree with Decode.
			if w.State() != tt.state || w.Saved() != tt.saved ||
				w.Priority() != tt.priority || w.RefCount() != tt.refCount {
				t.Errorf("accessor mismatch for %v", w)
			}
		})
	}
}

// TestWordWith verifies that field replacement touches only its field.
func TestWordWith(t *testing.T) {
	w := Pack(StateResident, StateInvalid, 10, 3)

	w2 := w.WithState(StatePending)
	if w2.State() != StatePending {
		t.Errorf("WithState: state = %v, want PENDING", w2.State())
	}
	if w2.Priority() != 10 || w2.RefCount() != 3 || w2.Saved() != StateInvalid {
		t.Errorf("WithState disturbed other fields: %v", w2)
	}

	w3 := w.WithSaved(StateSwapped)
	if w3.Saved() != StateSwapped || w3.State() != StateResident {
		t.Errorf("WithSaved: %v", w3)
	}

	w4 := w.WithPriority(255)
	if w4.Priority() != 255 || w4.RefCount() != 3 {
		t.Errorf("WithPriority: %v", w4)
	}

	w5 := w.WithRefCount(MaxRefCount)
	if w5.RefCount() != MaxRefCount || w5.Priority() != 10 {
		t.Errorf("WithRefCount: %v", w5)
	}

	// Original word is a value; must be unchanged.
	if w.State() != StateResident || w.Priority() != 10 || w.RefCount() != 3 {
		t.Errorf("original word mutated: %v", w)
	}
}

// TestStatePlaced verifies which states carry an authoritative physical
// address.
func TestStatePlaced(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateInvalid, false},
		{StateResident, true},
		{StateSwapped, true},
		{StatePending, false},
		{StateLocked, false},
	}

	for _, tt := range tests {
		if got := tt.state.Placed(); got != tt.want {
			t.Errorf("%v.Placed() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

// TestStateString verifies state names used in logs and errors.
func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateResident, "RESIDENT"},
		{StateSwapped, "SWAPPED"},
		{StatePending, "PENDING"},
		{StateLocked, "LOCKED"},
		{StateInvalid, "INVALID"},
		{State(99), "INVALID"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// TestWordString spot-checks the debug representation.
func TestWordString(t *testing.T) {
	w := Pack(StateResident, StateInvalid, 10, 2)
	if got := w.String(); got != "RESIDENT p=10 rc=2" {
		t.Errorf("String() = %q", got)
	}

	wp := Pack(StatePending, StateSwapped, 0, 0)
	if got := wp.String(); got != "PENDING p=0 rc=0 saved=SWAPPED" {
		t.Errorf("String() = %q", got)
	}
}
