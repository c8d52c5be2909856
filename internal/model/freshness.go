package model

import "time"

// FreshnessState is the ledger state of a plan.
type FreshnessState string

const (
	StateFresh      FreshnessState = "fresh"
	StateStale      FreshnessState = "stale"
	StateRefreshing FreshnessState = "refreshing"
	StateFailed     FreshnessState = "failed"
)

// Source records which path last verified a plan.
type Source string

const (
	SourceSeed     Source = "seed"
	SourceBatch    Source = "batch"
	SourceFallback Source = "fallback"
)

// FreshnessMeta is the ledger entry for a plan. A row exists iff the plan
// has at least one committed revision.
type FreshnessMeta struct {
	PlanID              string         `json:"plan_id"`
	LastVerifiedAt      time.Time      `json:"last_verified_at"`
	Confidence          float64        `json:"confidence"`
	Source              Source         `json:"source"`
	State               FreshnessState `json:"state"`
	ConsecutiveFailures int            `json:"consecutive_failures"`

	// OwnerJobID is non-empty iff State is refreshing.
	OwnerJobID       string        `json:"owner_job_id,omitempty"`
	RefreshStartedAt time.Time     `json:"refresh_started_at,omitzero"`
	NextEligibleAt   time.Time     `json:"next_eligible_at,omitzero"`
	LastBackoff      time.Duration `json:"last_backoff"`
	LastError        string        `json:"last_error,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Age returns how long ago the plan was last verified.
func (m *FreshnessMeta) Age(now time.Time) time.Duration {
	if m.LastVerifiedAt.IsZero() {
		return 0
	}
	d := now.Sub(m.LastVerifiedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Annotation reasons say how a read was answered.
const (
	ReasonFresh            = "fresh"
	ReasonRefreshed        = "refreshed"
	ReasonJoined           = "joined"
	ReasonJoinTimeout      = "join_timeout"
	ReasonRefreshFailed    = "refresh_failed"
	ReasonBackoff          = "backoff"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonBudgetExhausted  = "budget_exhausted"
	ReasonCircuitOpen      = "circuit_open"
)

// Annotation describes the freshness of a record handed to a reader.
type Annotation struct {
	State      FreshnessState `json:"state"`
	AgeSeconds float64        `json:"age_seconds"`
	Confidence float64        `json:"confidence"`
	Source     Source         `json:"source"`
	Revision   int            `json:"revision"`
	Degraded   bool           `json:"degraded"`
	Exhausted  bool           `json:"exhausted,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// AnnotationFor builds an annotation from a ledger snapshot. The reported
// state is stale when a fresh plan has aged past threshold.
func AnnotationFor(m *FreshnessMeta, revision int, now time.Time, threshold time.Duration) Annotation {
	state := m.State
	if state == StateFresh && threshold > 0 && m.Age(now) >= threshold {
		state = StateStale
	}
	return Annotation{
		State:      state,
		AgeSeconds: m.Age(now).Seconds(),
		Confidence: m.Confidence,
		Source:     m.Source,
		Revision:   revision,
	}
}
