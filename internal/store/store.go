// Package store persists plan revisions, carriers, the freshness ledger,
// refresh jobs, and the quality audit trail. Every implementation provides
// the same atomicity: ledger transitions are compare-and-set, and a commit
// writes the plan revision and its ledger row in one transaction.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/model"
)

// PlanFilter narrows ListPlans. Zero values match everything.
type PlanFilter struct {
	State      string
	ActiveOnly bool
	IDs        []string
}

// Transition is a compare-and-set on a plan's ledger state.
type Transition struct {
	PlanID string
	From   model.FreshnessState
	To     model.FreshnessState
	// ExpectOwner must equal the current owner when From is refreshing.
	ExpectOwner string
	// Owner becomes the owning job when To is refreshing.
	Owner string
	// VerifiedBefore, when set, additionally requires the last verification
	// to be at or before this instant.
	VerifiedBefore time.Time
	At             time.Time
}

// Validate rejects transitions that would break the single-owner rule.
func (t Transition) Validate() error {
	if t.PlanID == "" {
		return eris.New("store: transition without plan id")
	}
	if t.To == model.StateRefreshing && t.Owner == "" {
		return eris.Errorf("store: transition of %s to refreshing without owner", t.PlanID)
	}
	if t.From == model.StateRefreshing && t.ExpectOwner == "" {
		return eris.Errorf("store: transition of %s from refreshing without expected owner", t.PlanID)
	}
	return nil
}

// Failure records a failed refresh by its owner: refreshing becomes failed.
type Failure struct {
	PlanID              string
	Owner               string
	Confidence          float64
	ConsecutiveFailures int
	NextEligibleAt      time.Time
	Backoff             time.Duration
	Error               string
	At                  time.Time
}

// Commit is one atomic swap of a plan revision and its ledger row.
type Commit struct {
	Plan *model.PlanRecord
	// Carrier is created when it does not exist yet. Nil requires the
	// plan's carrier to exist.
	Carrier    *model.Carrier
	Source     model.Source
	Confidence float64
	// Owner must own the plan's refreshing state. Empty means first
	// ingestion, which requires that no ledger row exists.
	Owner string
	// Check is appended to the audit trail in the same transaction.
	Check *model.QualityCheckResult
	At    time.Time
}

// Store defines the persistence interface for the orchestration engine.
type Store interface {
	// Plans
	GetPlan(ctx context.Context, planID string) (*model.PlanRecord, error)
	GetPlanRevision(ctx context.Context, planID string, revision int) (*model.PlanRecord, error)
	ListPlans(ctx context.Context, filter PlanFilter) ([]model.PlanRecord, error)

	// Carriers
	GetCarrier(ctx context.Context, carrierID string) (*model.Carrier, error)
	ListCarriers(ctx context.Context) ([]model.Carrier, error)

	// Freshness ledger
	GetMeta(ctx context.Context, planID string) (*model.FreshnessMeta, error)
	ListMeta(ctx context.Context) ([]model.FreshnessMeta, error)
	CompareAndSwapState(ctx context.Context, t Transition) (*model.FreshnessMeta, error)
	RecordFailure(ctx context.Context, f Failure) (*model.FreshnessMeta, error)

	// Commit writes a new plan revision and marks it fresh.
	Commit(ctx context.Context, c Commit) (*model.PlanRecord, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.RefreshJob) error
	UpdateJob(ctx context.Context, job *model.RefreshJob) error
	GetJob(ctx context.Context, jobID string) (*model.RefreshJob, error)
	ListJobs(ctx context.Context, limit int) ([]model.RefreshJob, error)

	// Quality audit trail
	AppendQualityCheck(ctx context.Context, r *model.QualityCheckResult) error
	ListQualityChecks(ctx context.Context, planID string) ([]model.QualityCheckResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func notFound(entity, id string) error {
	return eris.Wrapf(model.ErrNotFound, "store: %s %s", entity, id)
}

func conflict(format string, args ...any) error {
	return eris.Wrapf(model.ErrConflict, "store: "+format, args...)
}

// applyTransition mutates m per t. The caller has already checked guards.
func applyTransition(m *model.FreshnessMeta, t Transition) {
	m.State = t.To
	if t.To == model.StateRefreshing {
		m.OwnerJobID = t.Owner
		m.RefreshStartedAt = t.At
	} else {
		m.OwnerJobID = ""
		m.RefreshStartedAt = time.Time{}
	}
	m.UpdatedAt = t.At
}

// transitionAllowed reports whether m satisfies t's guards.
func transitionAllowed(m *model.FreshnessMeta, t Transition) bool {
	if m.State != t.From {
		return false
	}
	if t.From == model.StateRefreshing && m.OwnerJobID != t.ExpectOwner {
		return false
	}
	if !t.VerifiedBefore.IsZero() && m.LastVerifiedAt.After(t.VerifiedBefore) {
		return false
	}
	return true
}

// freshMeta is the ledger row written by a successful commit.
func freshMeta(planID string, c Commit) model.FreshnessMeta {
	return model.FreshnessMeta{
		PlanID:         planID,
		LastVerifiedAt: c.At,
		Confidence:     c.Confidence,
		Source:         c.Source,
		State:          model.StateFresh,
		UpdatedAt:      c.At,
	}
}

func validateCommit(c Commit) error {
	if c.Plan == nil || c.Plan.ID == "" {
		return eris.New("store: commit without plan")
	}
	if c.At.IsZero() {
		return eris.Errorf("store: commit of %s without timestamp", c.Plan.ID)
	}
	return nil
}
