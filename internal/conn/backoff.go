package conn

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: an exponential ceiling from Base capped
// at Max, with Jitter applied to the ceiling.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter func(ceiling time.Duration) time.Duration
}

// DefaultBackoff is 1s doubling to 30s with full jitter.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: FullJitter}

// Ceiling returns the upper bound for the given zero-based attempt.
// It is non-decreasing in attempt and never exceeds Max.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for range attempt {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	return min(d, b.Max)
}

// Delay returns the wait before the given attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	c := b.Ceiling(attempt)
	if b.Jitter == nil {
		return c
	}
	return b.Jitter(c)
}

// FullJitter picks uniformly in [0, ceiling].
func FullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling + 1)
}

// NoJitter returns the ceiling unchanged.
func NoJitter(ceiling time.Duration) time.Duration { return ceiling }
