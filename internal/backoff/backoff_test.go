package backoff

import (
	"testing"
	"time"
)

func TestNextGrowsExponentiallyAndCaps(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: 10 * time.Second})

	prevBase := time.Duration(0)
	for i := 0; i < 6; i++ {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("Next() ok = false on attempt %d, want true (unbounded policy)", i)
		}
		if d < prevBase {
			t.Fatalf("attempt %d: delay %v should not be less than the previous base %v", i, d, prevBase)
		}
		// Upper bound: capped base plus jitter (up to base/2).
		if d > 15*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds Max+jitter bound", i, d)
		}
	}
}

func TestNextRespectsMaxAttempts(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Second, MaxAttempts: 2})

	if _, ok := b.Next(); !ok {
		t.Fatal("Next() ok = false on attempt 1, want true")
	}
	if _, ok := b.Next(); !ok {
		t.Fatal("Next() ok = false on attempt 2, want true")
	}
	if _, ok := b.Next(); ok {
		t.Fatal("Next() ok = true after MaxAttempts exhausted, want false")
	}
}

func TestResetClearsAttemptCounter(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Second, MaxAttempts: 1})

	if _, ok := b.Next(); !ok {
		t.Fatal("Next() ok = false, want true")
	}
	if _, ok := b.Next(); ok {
		t.Fatal("Next() ok = true before Reset, want false")
	}

	b.Reset()
	if _, ok := b.Next(); !ok {
		t.Fatal("Next() ok = false after Reset, want true")
	}
}

func TestUnboundedPolicyNeverExhausts(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Second})
	for i := 0; i < 100; i++ {
		if _, ok := b.Next(); !ok {
			t.Fatalf("Next() ok = false on attempt %d with MaxAttempts=0, want true", i)
		}
	}
}
