package conn

import (
	"testing"
	"time"
)

func TestBackoffCeilingGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.Ceiling(attempt); got != w {
			t.Errorf("Ceiling(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoffNonDecreasing(t *testing.T) {
	b := Backoff{Base: 300 * time.Millisecond, Max: 7 * time.Second}
	prev := time.Duration(0)
	for attempt := range 200 {
		c := b.Ceiling(attempt)
		if c < prev {
			t.Fatalf("Ceiling(%d) = %v < previous %v", attempt, c, prev)
		}
		if c > b.Max {
			t.Fatalf("Ceiling(%d) = %v exceeds cap %v", attempt, c, b.Max)
		}
		prev = c
	}
}

func TestFullJitterBounds(t *testing.T) {
	b := DefaultBackoff
	for attempt := range 10 {
		ceiling := b.Ceiling(attempt)
		for range 50 {
			d := b.Delay(attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("Delay(%d) = %v outside [0, %v]", attempt, d, ceiling)
			}
		}
	}
}

func TestNoJitterDelayEqualsCeiling(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: NoJitter}
	if got := b.Delay(3); got != 8*time.Second {
		t.Errorf("Delay(3) = %v, want 8s", got)
	}
}
