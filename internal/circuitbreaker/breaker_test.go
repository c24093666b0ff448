package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// Keys mirror how the webhook dispatcher uses the breaker: one circuit
// per subscription ID.

func TestAllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("wh_1") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestTripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	if !b.Allow("wh_1") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("wh_1")
	if b.Allow("wh_1") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("wh_1") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("wh_1"))
	}
}

func TestOpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	if b.Allow("wh_1") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// One probe delivery is allowed once the open window lapses.
	if !b.Allow("wh_1") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("wh_1") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("wh_1"))
	}

	if b.Allow("wh_1") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	time.Sleep(60 * time.Millisecond)
	b.Allow("wh_1") // probe

	b.RecordSuccess("wh_1")
	if b.State("wh_1") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("wh_1"))
	}
	if !b.Allow("wh_1") {
		t.Fatal("should allow after recovery")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	time.Sleep(60 * time.Millisecond)
	b.Allow("wh_1") // probe

	b.RecordFailure("wh_1")
	if b.State("wh_1") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("wh_1"))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")
	b.RecordSuccess("wh_1")

	b.RecordFailure("wh_1")
	if !b.Allow("wh_1") {
		t.Fatal("should still be closed after reset")
	}
}

func TestSubscriptionsHaveIndependentCircuits(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")

	if b.Allow("wh_1") {
		t.Fatal("wh_1 should be open")
	}
	if !b.Allow("wh_2") {
		t.Fatal("wh_2 should be closed")
	}
}

func TestUnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("wh_never_seen") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("wh_never_seen"))
	}
}

func TestOnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("wh_1")
	b.RecordFailure("wh_1")

	// The callback fires on a goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed to open, got %v to %v", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
