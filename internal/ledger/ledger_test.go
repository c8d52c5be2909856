package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/resilience"
	"github.com/sells-group/planfinder/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, planIDs ...string) (*Ledger, *store.MemoryStore, *clock) {
	t.Helper()
	st := store.NewMemory()
	clk := &clock{now: t0}
	for _, id := range planIDs {
		_, err := st.Commit(context.Background(), store.Commit{
			Plan: &model.PlanRecord{
				ID: id, CarrierID: "acme", Name: "Acme Bronze", State: "TX",
				PlanType: model.PlanHMO, MetalTier: model.TierBronze, MonthlyPremium: 300, IsActive: true,
			},
			Carrier:    &model.Carrier{ID: "acme", Name: "Acme Health", Rating: 4},
			Source:     model.SourceSeed,
			Confidence: 1,
			At:         t0,
		})
		require.NoError(t, err)
	}
	l := New(st, Options{
		Backoff: resilience.DefaultBackoff().WithRand(func() float64 { return 0.5 }),
		Now:     clk.Now,
	})
	return l, st, clk
}

func TestTryTransition_SingleWinner(t *testing.T) {
	l, _, _ := newTestLedger(t, "TX-001")
	ctx := context.Background()
	_, err := l.TryTransition(ctx, "TX-001", model.StateFresh, model.StateStale, "")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.TryTransition(ctx, "TX-001", model.StateStale, model.StateRefreshing, fmt.Sprintf("job-%d", i))
			if err == nil {
				wins.Add(1)
				return
			}
			assert.True(t, errors.Is(err, model.ErrConflict))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTryTransition_NotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.TryTransition(context.Background(), "nope", model.StateFresh, model.StateStale, "")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRecordFailure_DecaysAndBacksOff(t *testing.T) {
	l, _, clk := newTestLedger(t, "TX-001")
	ctx := context.Background()

	meta, err := l.Get(ctx, "TX-001")
	require.NoError(t, err)

	var prev time.Duration
	for n := 1; n <= 7; n++ {
		meta, err = l.Claim(ctx, meta, "job-a")
		require.NoError(t, err)
		meta, err = l.RecordFailure(ctx, "TX-001", "job-a", errors.New("timeout"))
		require.NoError(t, err)

		assert.Equal(t, model.StateFailed, meta.State)
		assert.Equal(t, n, meta.ConsecutiveFailures)
		assert.Empty(t, meta.OwnerJobID)
		assert.InDelta(t, pow(0.8, n), meta.Confidence, 1e-9)
		assert.GreaterOrEqual(t, meta.LastBackoff, prev, "backoff never shrinks")
		assert.LessOrEqual(t, meta.LastBackoff, 30*time.Minute)
		assert.Equal(t, clk.Now().Add(meta.LastBackoff), meta.NextEligibleAt)
		assert.True(t, l.InBackoff(meta, clk.Now()))
		prev = meta.LastBackoff

		clk.Advance(meta.LastBackoff)
		assert.False(t, l.InBackoff(meta, clk.Now()))
	}
	assert.Equal(t, 30*time.Minute, prev, "seven doublings from 30s reach the cap")
}

func pow(b float64, n int) float64 {
	out := 1.0
	for range n {
		out *= b
	}
	return out
}

func TestRecordFailure_RequiresOwnership(t *testing.T) {
	l, _, _ := newTestLedger(t, "TX-001")
	ctx := context.Background()
	meta, err := l.Get(ctx, "TX-001")
	require.NoError(t, err)
	_, err = l.Claim(ctx, meta, "job-a")
	require.NoError(t, err)

	_, err = l.RecordFailure(ctx, "TX-001", "job-b", errors.New("boom"))
	assert.True(t, errors.Is(err, model.ErrConflict))
}

func TestEligibility(t *testing.T) {
	l, _, _ := newTestLedger(t)
	now := t0

	tests := []struct {
		name      string
		meta      model.FreshnessMeta
		eligible  bool
		exhausted bool
	}{
		{"fresh 23h", model.FreshnessMeta{State: model.StateFresh, LastVerifiedAt: now.Add(-23 * time.Hour)}, false, false},
		{"fresh 25h", model.FreshnessMeta{State: model.StateFresh, LastVerifiedAt: now.Add(-25 * time.Hour)}, true, false},
		{"stale", model.FreshnessMeta{State: model.StateStale, LastVerifiedAt: now}, true, false},
		{"refreshing", model.FreshnessMeta{State: model.StateRefreshing, OwnerJobID: "j", RefreshStartedAt: now}, false, false},
		{"failed in backoff", model.FreshnessMeta{State: model.StateFailed, ConsecutiveFailures: 1, NextEligibleAt: now.Add(time.Second)}, false, false},
		{"failed after backoff", model.FreshnessMeta{State: model.StateFailed, ConsecutiveFailures: 1, NextEligibleAt: now}, true, false},
		{"failed exhausted", model.FreshnessMeta{State: model.StateFailed, ConsecutiveFailures: 5, NextEligibleAt: now}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.eligible, l.Eligible(&tt.meta, now))
			assert.Equal(t, tt.exhausted, l.Exhausted(&tt.meta))
		})
	}
}

func TestClaim_TakesOverAbandonedRefresh(t *testing.T) {
	l, _, clk := newTestLedger(t, "TX-001")
	ctx := context.Background()
	meta, err := l.Get(ctx, "TX-001")
	require.NoError(t, err)

	meta, err = l.Claim(ctx, meta, "job-crashed")
	require.NoError(t, err)

	_, err = l.Claim(ctx, meta, "job-b")
	assert.True(t, errors.Is(err, model.ErrConflict), "live refresh cannot be taken over")

	clk.Advance(2 * time.Minute)
	assert.True(t, l.Abandoned(meta, clk.Now()))
	taken, err := l.Claim(ctx, meta, "job-b")
	require.NoError(t, err)
	assert.Equal(t, "job-b", taken.OwnerJobID)

	_, err = l.Release(ctx, "TX-001", "job-crashed", model.StateStale)
	assert.True(t, errors.Is(err, model.ErrConflict), "old owner lost the plan")
	released, err := l.Release(ctx, "TX-001", "job-b", model.StateStale)
	require.NoError(t, err)
	assert.Equal(t, model.StateStale, released.State)
}

func TestSweepStale(t *testing.T) {
	l, st, clk := newTestLedger(t, "TX-001", "TX-002")
	ctx := context.Background()

	clk.Advance(23 * time.Hour)
	n, err := l.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(2 * time.Hour)
	n, err = l.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, err := st.GetMeta(ctx, "TX-001")
	require.NoError(t, err)
	assert.Equal(t, model.StateStale, m.State)
}

func TestAnnotate(t *testing.T) {
	l, _, clk := newTestLedger(t)
	m := &model.FreshnessMeta{
		State: model.StateFresh, LastVerifiedAt: t0, Confidence: 0.9, Source: model.SourceBatch,
	}
	clk.Advance(25 * time.Hour)
	a := l.Annotate(m, 3)
	assert.Equal(t, model.StateStale, a.State)
	assert.Equal(t, 3, a.Revision)
	assert.InDelta(t, (25 * time.Hour).Seconds(), a.AgeSeconds, 1e-6)
	assert.False(t, a.Exhausted)

	m = &model.FreshnessMeta{State: model.StateFailed, ConsecutiveFailures: 5, LastVerifiedAt: t0}
	assert.True(t, l.Annotate(m, 1).Exhausted)
}
