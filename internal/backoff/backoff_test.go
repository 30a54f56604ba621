package backoff

import (
	"testing"
	"time"
)

func TestNextDoublesUpToMax(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: 8 * time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		got := b.Next()
		if got != w {
			t.Fatalf("Next() call %d = %v, want %v", i, got, w)
		}
	}
}

func TestResetRestartsSequence(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: 8 * time.Second})
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Fatalf("Next() after Reset = %v, want %v", got, time.Second)
	}
}

func TestMaxBelowInitialClampsToInitial(t *testing.T) {
	b := New(Policy{Initial: 5 * time.Second, Max: time.Second})

	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("Next() = %v, want %v", got, 5*time.Second)
	}
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("Next() after doubling = %v, want clamp to %v", got, 5*time.Second)
	}
}
