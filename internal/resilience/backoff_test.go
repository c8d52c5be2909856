package resilience

import (
	"testing"
	"time"

	"github.com/sells-group/planfinder/internal/config"
)

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func TestBackoff_DelayExponentialGrowth(t *testing.T) {
	b := DefaultBackoff().WithRand(fixedRand(0.5)) // 0.5 => zero jitter

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		30 * time.Minute,
		30 * time.Minute,
	}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, w)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	low := DefaultBackoff().WithRand(fixedRand(0)).Delay(0)
	high := DefaultBackoff().WithRand(fixedRand(0.999999)).Delay(0)

	if low != 24*time.Second {
		t.Errorf("low jitter = %s, want 24s", low)
	}
	if high < 35*time.Second || high > 36*time.Second {
		t.Errorf("high jitter = %s, want ~36s", high)
	}

	// Random jitter stays within ±20%.
	b := DefaultBackoff()
	for i := 0; i < 200; i++ {
		d := b.Delay(1)
		if d < 48*time.Second || d > 72*time.Second {
			t.Fatalf("Delay(1) = %s outside [48s,72s]", d)
		}
	}
}

func TestBackoff_NeverExceedsCapWithJitter(t *testing.T) {
	b := DefaultBackoff().WithRand(fixedRand(0.999999))
	for attempt := 0; attempt < 64; attempt++ {
		if d := b.Delay(attempt); d > 30*time.Minute {
			t.Fatalf("Delay(%d) = %s exceeds cap", attempt, d)
		}
	}
}

func TestBackoff_NextMonotonicAndCapped(t *testing.T) {
	b := DefaultBackoff()
	var prev time.Duration
	for failures := 1; failures <= 50; failures++ {
		d := b.Next(failures, prev)
		if d < prev {
			t.Fatalf("failure %d: delay %s shorter than previous %s", failures, d, prev)
		}
		if d > 30*time.Minute {
			t.Fatalf("failure %d: delay %s exceeds cap", failures, d)
		}
		prev = d
	}
	if prev != 30*time.Minute {
		t.Errorf("expected delays to settle at cap, got %s", prev)
	}
}

func TestBackoff_NextClampsHighJitterFollowedByLow(t *testing.T) {
	hi := DefaultBackoff().WithRand(fixedRand(0.999999))
	lo := DefaultBackoff().WithRand(fixedRand(0))

	first := hi.Next(1, 0)
	second := lo.Next(2, first)
	third := lo.Next(3, 100*time.Second)

	if second < first {
		t.Errorf("second %s < first %s", second, first)
	}
	if third != 100*time.Second {
		t.Errorf("third = %s, want previous delay 100s", third)
	}
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	d := b.WithRand(fixedRand(0.5)).Delay(0)
	if d != 30*time.Second {
		t.Errorf("zero Backoff Delay(0) = %s, want 30s", d)
	}
}

func TestBackoffFromConfig(t *testing.T) {
	b := BackoffFromConfig(config.BackoffConfig{BaseSecs: 1, Factor: 3, MaxSecs: 10, Jitter: 0})
	if b.Base != time.Second || b.Max != 10*time.Second || b.Factor != 3 || b.Jitter != 0 {
		t.Fatalf("unexpected backoff %+v", b)
	}
	if d := b.Delay(1); d != 3*time.Second {
		t.Errorf("Delay(1) = %s, want 3s", d)
	}

	cb := BreakerFromConfig(config.FallbackConfig{CircuitFailureThreshold: 2, CircuitResetSecs: 9})
	if cb.FailureThreshold != 2 || cb.ResetTimeout != 9*time.Second {
		t.Errorf("unexpected breaker config %+v", cb)
	}

	if r := RetryFromAttempts(7); r.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", r.MaxAttempts)
	}
}
