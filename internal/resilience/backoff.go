package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays with symmetric jitter:
// Base * Factor^attempt, capped at Max, then ±Jitter of the delay.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0,1). Nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff is the refresh retry schedule: 30s doubling to 30m, ±20%.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   30 * time.Second,
		Factor: 2.0,
		Max:    30 * time.Minute,
		Jitter: 0.2,
	}
}

// WithRand returns a copy of b drawing jitter from fn.
func (b Backoff) WithRand(fn func() float64) Backoff {
	b.rand = fn
	return b
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Max < b.Base {
		b.Max = max(d.Max, b.Base)
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

// Delay returns the delay before retry number attempt (zero-based).
// The result is never negative and never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if delay > float64(b.Max) || math.IsInf(delay, 0) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		jitterRange := delay * b.Jitter
		delay += (b.rand()*2 - 1) * jitterRange
	}

	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Next returns the wait after the given number of consecutive failures.
// Successive delays are non-decreasing: the result is never shorter than
// previous, and never longer than Max.
func (b Backoff) Next(failures int, previous time.Duration) time.Duration {
	b = b.withDefaults()
	d := b.Delay(failures - 1)
	if d < previous {
		d = previous
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
