package orchestrator

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/model"
)

// FreshnessEntry is one plan's line in the freshness report.
type FreshnessEntry struct {
	PlanID              string               `json:"plan_id"`
	State               model.FreshnessState `json:"state"`
	Age                 time.Duration        `json:"-"`
	AgeSeconds          float64              `json:"age_seconds"`
	Confidence          float64              `json:"confidence"`
	LastSource          model.Source         `json:"last_source"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	NextEligibleAt      time.Time            `json:"next_eligible_at,omitzero"`
	Exhausted           bool                 `json:"exhausted"`
	LastError           string               `json:"last_error,omitempty"`
}

// FreshnessReport maps plan ids to their freshness.
type FreshnessReport map[string]FreshnessEntry

// IDs returns the report's plan ids in ascending order.
func (r FreshnessReport) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Counts returns the number of plans per state.
func (r FreshnessReport) Counts() map[model.FreshnessState]int {
	out := make(map[model.FreshnessState]int, 4)
	for _, e := range r {
		out[e.State]++
	}
	return out
}

// GetFreshnessReport snapshots the ledger. Fresh plans past the staleness
// threshold are reported as stale.
func (o *Orchestrator) GetFreshnessReport(ctx context.Context) (FreshnessReport, error) {
	metas, err := o.ledger.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: freshness report")
	}
	now := o.ledger.Now()
	report := make(FreshnessReport, len(metas))
	for i := range metas {
		m := &metas[i]
		state := m.State
		if o.ledger.IsStale(m, now) {
			state = model.StateStale
		}
		age := m.Age(now)
		report[m.PlanID] = FreshnessEntry{
			PlanID:              m.PlanID,
			State:               state,
			Age:                 age,
			AgeSeconds:          age.Seconds(),
			Confidence:          m.Confidence,
			LastSource:          m.Source,
			ConsecutiveFailures: m.ConsecutiveFailures,
			NextEligibleAt:      m.NextEligibleAt,
			Exhausted:           o.ledger.Exhausted(m),
			LastError:           m.LastError,
		}
	}
	return report, nil
}

// StateCounts returns the number of plans per reported state. It matches
// telemetry.StateCounter.
func (o *Orchestrator) StateCounts(ctx context.Context) (map[model.FreshnessState]int, error) {
	report, err := o.GetFreshnessReport(ctx)
	if err != nil {
		return nil, err
	}
	return report.Counts(), nil
}
