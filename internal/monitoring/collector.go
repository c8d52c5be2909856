package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

// jobScanLimit bounds how many recent jobs a snapshot inspects.
const jobScanLimit = 10000

// MetricsSnapshot holds a point-in-time view of catalog freshness.
type MetricsSnapshot struct {
	// Ledger state across every tracked plan.
	PlansTotal int     `json:"plans_total"`
	Fresh      int     `json:"fresh"`
	Stale      int     `json:"stale"`
	Refreshing int     `json:"refreshing"`
	Failed     int     `json:"failed"`
	Exhausted  int     `json:"exhausted"`
	Abandoned  int     `json:"abandoned"`
	StaleRatio float64 `json:"stale_ratio"`

	// Refresh jobs created within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsRunning   int     `json:"jobs_running"`
	JobFailRate   float64 `json:"job_fail_rate"`
	PlanFailures  int     `json:"plan_failures"`
	Conflicts     int     `json:"conflicts"`

	// FallbackSpendUSD is the fallback extraction spend since process start.
	FallbackSpendUSD float64 `json:"fallback_spend_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SpendReporter reports accumulated extraction spend.
type SpendReporter interface {
	Spent() float64
}

// Collector gathers metrics from the ledger and job history.
type Collector struct {
	ledger *ledger.Ledger
	store  store.Store
	spend  SpendReporter
}

// NewCollector creates a new metrics collector. spend may be nil.
func NewCollector(lg *ledger.Ledger, st store.Store, spend SpendReporter) *Collector {
	return &Collector{ledger: lg, store: st, spend: spend}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.ledger.Now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	metas, err := c.ledger.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list freshness")
	}
	snap.PlansTotal = len(metas)
	for i := range metas {
		m := &metas[i]
		switch m.State {
		case model.StateFresh:
			if c.ledger.IsStale(m, now) {
				snap.Stale++
			} else {
				snap.Fresh++
			}
		case model.StateStale:
			snap.Stale++
		case model.StateRefreshing:
			snap.Refreshing++
			if c.ledger.Abandoned(m, now) {
				snap.Abandoned++
			}
		case model.StateFailed:
			snap.Failed++
		}
		if c.ledger.Exhausted(m) {
			snap.Exhausted++
		}
	}
	if snap.PlansTotal > 0 {
		snap.StaleRatio = float64(snap.Stale+snap.Failed) / float64(snap.PlansTotal)
	}

	jobs, err := c.store.ListJobs(ctx, jobScanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	for _, j := range jobs {
		if j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		switch j.Status {
		case model.JobCompleted:
			snap.JobsCompleted++
		case model.JobFailed:
			snap.JobsFailed++
		case model.JobRunning, model.JobQueued:
			snap.JobsRunning++
		}
		snap.PlanFailures += j.Failed
		snap.Conflicts += j.Conflicts
	}
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	if c.spend != nil {
		snap.FallbackSpendUSD = c.spend.Spent()
	}
	return snap, nil
}
