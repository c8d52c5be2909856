package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/planfinder/internal/extract"
	"github.com/sells-group/planfinder/internal/fallback"
	"github.com/sells-group/planfinder/internal/jobs"
	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/quality"
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    *store.MemoryStore
	provider *extract.StaticProvider
	ledger   *ledger.Ledger
	gate     *quality.Gate
	clock    *clock
	orch     *Orchestrator
}

type harnessOpts struct {
	orch     Options
	invoker  fallback.Options
	ledger   ledger.Options
	provider extract.Provider
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	st := store.NewMemory()
	clk := &clock{now: t0}
	ho.ledger.Now = clk.Now
	lg := ledger.New(st, ho.ledger)
	gate := quality.NewGate(st, quality.DefaultConfidenceFloor).WithClock(clk.Now)

	sp := extract.NewStaticProvider(nil)
	var provider extract.Provider = sp
	if ho.provider != nil {
		provider = ho.provider
	}
	if ho.orch.FallbackTimeout == 0 {
		ho.orch.FallbackTimeout = 2 * time.Second
	}
	if ho.orch.JoinPoll == 0 {
		ho.orch.JoinPoll = 5 * time.Millisecond
	}
	inv := fallback.New(provider, ho.invoker)
	tr := jobs.NewTracker(st, nil).WithPoll(5 * time.Millisecond).WithClock(clk.Now)

	h := &harness{
		store:    st,
		provider: sp,
		ledger:   lg,
		gate:     gate,
		clock:    clk,
		orch:     New(st, lg, gate, inv, tr, ho.orch),
	}
	t.Cleanup(h.orch.Wait)
	return h
}

func plan(id string, premium float64) *model.PlanRecord {
	return &model.PlanRecord{
		ID:               id,
		CarrierID:        "acme",
		Carrier:          &model.Carrier{ID: "acme", Name: "Acme Health", Rating: 4},
		Name:             "Acme Silver " + id,
		State:            "TX",
		PlanType:         model.PlanPPO,
		MetalTier:        model.TierSilver,
		MonthlyPremium:   premium,
		Deductible:       2500,
		OutOfPocketMax:   8000,
		Coinsurance:      20,
		PrimaryCareCopay: 30,
		SpecialistCopay:  60,
		QualityRating:    3.5,
		IsActive:         true,
	}
}

// seed commits the first revision of a plan at the current clock and
// queues premium as the provider's next answer for it.
func (h *harness) seed(t *testing.T, id string, premium float64) {
	t.Helper()
	_, err := h.orch.Ingest(context.Background(), &extract.Result{Draft: plan(id, 420), Confidence: 1}, model.SourceSeed, "")
	require.NoError(t, err)
	h.provider.Set(plan(id, premium), 0.9)
}

func (h *harness) meta(t *testing.T, id string) *model.FreshnessMeta {
	t.Helper()
	m, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestGetPlan_NotFound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.orch.GetPlan(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestGetPlan_ThresholdBoundary(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		wantCalls  int
		wantRev    int
		wantReason string
	}{
		{"23h is served from the store", 23 * time.Hour, 0, 1, model.ReasonFresh},
		{"25h triggers a refresh", 25 * time.Hour, 1, 2, model.ReasonRefreshed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.seed(t, "TX-001", 455)
			h.clock.Advance(tt.age)

			view, err := h.orch.GetPlan(context.Background(), "TX-001")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, h.provider.Calls("TX-001"))
			assert.Equal(t, tt.wantRev, view.Record.Revision)
			assert.Equal(t, tt.wantReason, view.Annotation.Reason)
			assert.Equal(t, model.StateFresh, view.Annotation.State)
			assert.False(t, view.Annotation.Degraded)
		})
	}
}

func TestGetPlan_RefreshCommitsFallbackRevision(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)

	view, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, 455.0, view.Record.MonthlyPremium)
	assert.Equal(t, model.SourceFallback, view.Annotation.Source)
	assert.Equal(t, 0.9, view.Annotation.Confidence)
	assert.Zero(t, view.Annotation.AgeSeconds)

	js, err := h.store.ListJobs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, js, 1)
	assert.Equal(t, model.ScopeSingle, js[0].Scope)
	assert.Equal(t, model.JobCompleted, js[0].Status)
	assert.Equal(t, 1, js[0].Updated)
}

// Scenario B: two concurrent reads of a stale plan share one extraction
// that succeeds after a second.
func TestGetPlan_ConcurrentStaleReadsShareOneExtraction(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, harnessOpts{orch: Options{FallbackTimeout: 5 * time.Second}})
	h.seed(t, "P2", 490)
	h.clock.Advance(30 * time.Hour)
	h.provider.Delay(time.Second)

	var wg sync.WaitGroup
	views := make([]*PlanView, 2)
	errs := make([]error, 2)
	for i := range views {
		wg.Add(1)
		go func() {
			defer wg.Done()
			views[i], errs[i] = h.orch.GetPlan(context.Background(), "P2")
		}()
	}
	wg.Wait()
	h.orch.Wait()

	for i := range views {
		require.NoError(t, errs[i])
		assert.Equal(t, 2, views[i].Record.Revision)
		assert.Equal(t, 490.0, views[i].Record.MonthlyPremium)
	}
	assert.Equal(t, 1, h.provider.Calls("P2"))
}

func TestGetPlan_SingleFlightUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)
	h.provider.Delay(50 * time.Millisecond)

	const readers = 25
	var wg sync.WaitGroup
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, err := h.orch.GetPlan(context.Background(), "TX-001")
			assert.NoError(t, err)
			if assert.NotNil(t, view) {
				assert.NotNil(t, view.Record)
			}
		}()
	}
	wg.Wait()
	h.orch.Wait()

	assert.Equal(t, 1, h.provider.Calls("TX-001"))
	assert.Equal(t, model.StateFresh, h.meta(t, "TX-001").State)
}

func TestGetPlan_FailureServesLastRevision(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)
	h.provider.Fail("TX-001", errors.New("page moved"))

	view, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Record.Revision)
	assert.Equal(t, 420.0, view.Record.MonthlyPremium)
	assert.Equal(t, model.ReasonRefreshFailed, view.Annotation.Reason)
	assert.True(t, view.Annotation.Degraded)
	assert.Equal(t, model.StateFailed, view.Annotation.State)

	m := h.meta(t, "TX-001")
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.InDelta(t, 0.8, m.Confidence, 1e-9)
	assert.True(t, m.NextEligibleAt.After(h.clock.Now()))

	view, err = h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonBackoff, view.Annotation.Reason)
	assert.Equal(t, 1, h.provider.Calls("TX-001"), "no retry inside the backoff window")

	h.clock.Advance(time.Hour)
	h.provider.Set(plan("TX-001", 455), 0.9)
	view, err = h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonRefreshed, view.Annotation.Reason)
	assert.Equal(t, 0, h.meta(t, "TX-001").ConsecutiveFailures)
}

func TestGetPlan_RejectedDraftCountsAsFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", -5)
	h.clock.Advance(25 * time.Hour)

	view, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Record.Revision)
	assert.Equal(t, 420.0, view.Record.MonthlyPremium)
	assert.Equal(t, model.ReasonRefreshFailed, view.Annotation.Reason)

	audit, err := h.store.ListQualityChecks(context.Background(), "TX-001")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.False(t, audit[1].Passed)
	assert.Equal(t, model.StateFailed, h.meta(t, "TX-001").State)
}

func TestGetPlan_JoinTimeoutServesLastRevision(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, harnessOpts{orch: Options{FallbackTimeout: 30 * time.Millisecond}})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)
	h.provider.Delay(200 * time.Millisecond)

	start := time.Now()
	view, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 1, view.Record.Revision)
	assert.Equal(t, model.ReasonJoinTimeout, view.Annotation.Reason)
	assert.True(t, view.Annotation.Degraded)

	h.orch.Wait()
	m := h.meta(t, "TX-001")
	assert.Equal(t, model.StateFresh, m.State, "the refresh completes in the background")

	view, err = h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Record.Revision)
}

func TestGetPlan_CallerDeadlineIsProviderFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)
	h.provider.Delay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	view, err := h.orch.GetPlan(ctx, "TX-001")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Record.Revision)
	assert.True(t, view.Annotation.Degraded)

	h.orch.Wait()
	m := h.meta(t, "TX-001")
	assert.Equal(t, model.StateFailed, m.State)
	assert.Equal(t, 1, m.ConsecutiveFailures)
}

func TestGetPlan_JoinsForeignOwner(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)
	ctx := context.Background()

	_, err := h.ledger.Claim(ctx, h.meta(t, "TX-001"), "batch-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = h.gate.Apply(ctx, quality.Submission{
			Draft: plan("TX-001", 470), Confidence: 0.95, Source: model.SourceBatch, Owner: "batch-1", JobID: "batch-1",
		})
	}()

	view, err := h.orch.GetPlan(ctx, "TX-001")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonJoined, view.Annotation.Reason)
	assert.Equal(t, 2, view.Record.Revision)
	assert.Equal(t, model.SourceBatch, view.Annotation.Source)
	assert.Equal(t, 0, h.provider.Calls("TX-001"), "a joined reader never extracts")
}

func TestGetPlan_ForeignOwnerTimeout(t *testing.T) {
	h := newHarness(t, harnessOpts{orch: Options{FallbackTimeout: 30 * time.Millisecond}})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)

	_, err := h.ledger.Claim(context.Background(), h.meta(t, "TX-001"), "batch-1")
	require.NoError(t, err)

	view, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonJoinTimeout, view.Annotation.Reason)
	assert.Equal(t, model.StateRefreshing, view.Annotation.State)
	assert.Equal(t, 1, view.Record.Revision)
	assert.Equal(t, 0, h.provider.Calls("TX-001"))
}

func TestGetPlan_TakesOverAbandonedRefresh(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)

	_, err := h.ledger.Claim(context.Background(), h.meta(t, "TX-001"), "crashed-job")
	require.NoError(t, err)
	h.clock.Advance(3 * time.Minute)

	view, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonRefreshed, view.Annotation.Reason)
	assert.Equal(t, 2, view.Record.Revision)
}

func TestGetPlan_ExhaustedRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{ledger: ledger.Options{MaxConsecutiveFailures: 1}})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)
	h.provider.Fail("TX-001", errors.New("gone"))

	_, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	view, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonRetriesExhausted, view.Annotation.Reason)
	assert.True(t, view.Annotation.Exhausted)
	assert.Equal(t, 1, h.provider.Calls("TX-001"))
}

func TestGetPlan_BudgetExhausted(t *testing.T) {
	h := newHarness(t, harnessOpts{invoker: fallback.Options{RatePerMinute: 1, Burst: 1}})
	h.seed(t, "A", 455)
	h.seed(t, "B", 455)
	h.clock.Advance(25 * time.Hour)

	view, err := h.orch.GetPlan(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonRefreshed, view.Annotation.Reason)

	view, err = h.orch.GetPlan(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonBudgetExhausted, view.Annotation.Reason)
	assert.Equal(t, model.StateStale, view.Annotation.State)
	assert.Equal(t, 1, view.Record.Revision)
	assert.Equal(t, 0, h.provider.Calls("B"))
	assert.Equal(t, model.StateFresh, h.meta(t, "B").State, "refusal does not touch the ledger")
}

func TestGetPlan_CircuitOpen(t *testing.T) {
	h := newHarness(t, harnessOpts{invoker: fallback.Options{Breaker: resilience.CircuitBreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      time.Hour,
		HalfOpenMaxProbes: 1,
	}}})
	h.seed(t, "A", 455)
	h.seed(t, "B", 455)
	h.clock.Advance(25 * time.Hour)
	h.provider.Fail("A", errors.New("upstream 503"))

	view, err := h.orch.GetPlan(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonRefreshFailed, view.Annotation.Reason)

	view, err = h.orch.GetPlan(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonCircuitOpen, view.Annotation.Reason)
	assert.Equal(t, 1, view.Record.Revision)
	assert.Equal(t, 0, h.provider.Calls("B"))
}

func TestTriggerManualRefresh_IgnoresBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, harnessOpts{ledger: ledger.Options{MaxConsecutiveFailures: 1}})
	h.seed(t, "TX-001", 455)
	h.clock.Advance(25 * time.Hour)
	h.provider.Fail("TX-001", errors.New("gone"))
	_, err := h.orch.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)

	h.provider.Set(plan("TX-001", 460), 0.9)
	handle, err := h.orch.TriggerManualRefresh(context.Background(), "TX-001")
	require.NoError(t, err)

	job, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Updated)

	m := h.meta(t, "TX-001")
	assert.Equal(t, model.StateFresh, m.State)
	assert.Equal(t, 0, m.ConsecutiveFailures)
	rec, err := h.store.GetPlan(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, 460.0, rec.MonthlyPremium)
}

func TestTriggerManualRefresh_ReturnsOwningJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)

	_, err := h.ledger.Claim(context.Background(), h.meta(t, "TX-001"), "batch-7")
	require.NoError(t, err)

	handle, err := h.orch.TriggerManualRefresh(context.Background(), "TX-001")
	require.NoError(t, err)
	assert.Equal(t, "batch-7", handle.ID)
	assert.Equal(t, 0, h.provider.Calls("TX-001"))
}

func TestTriggerManualRefresh_FailureFailsJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)
	h.provider.Fail("TX-001", errors.New("gone"))

	handle, err := h.orch.TriggerManualRefresh(context.Background(), "TX-001")
	require.NoError(t, err)
	job, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, model.StateFailed, h.meta(t, "TX-001").State)
}

func TestTriggerManualRefresh_NotFound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.orch.TriggerManualRefresh(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestIngest_RejectsExistingPlan(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.seed(t, "TX-001", 455)

	_, err := h.orch.Ingest(context.Background(), &extract.Result{Draft: plan("TX-001", 430), Confidence: 1}, model.SourceSeed, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConflict))
}
