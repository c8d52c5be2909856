// Package ledger owns the per-plan freshness state machine:
//
//	fresh ──age──▶ stale ──claim──▶ refreshing ──commit──▶ fresh
//	                  ▲                 │
//	                  └──backoff── failed ◀──failure──┘
//
// Every transition is a compare-and-set in the store, so at most one owner
// holds a plan in refreshing at any time.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/config"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/resilience"
	"github.com/sells-group/planfinder/internal/store"
)

// Options tunes a Ledger. Zero values fall back to the defaults below.
type Options struct {
	StalenessThreshold     time.Duration
	RefreshLease           time.Duration
	MaxConsecutiveFailures int
	DecayFactor            float64
	Backoff                resilience.Backoff
	Now                    func() time.Time
}

// OptionsFromConfig maps the freshness and backoff sections to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StalenessThreshold:     cfg.Freshness.StalenessThreshold(),
		RefreshLease:           cfg.Freshness.RefreshLease(),
		MaxConsecutiveFailures: cfg.Freshness.MaxConsecutiveFailures,
		DecayFactor:            cfg.Freshness.DecayFactor,
		Backoff:                resilience.BackoffFromConfig(cfg.Backoff),
	}
}

// Ledger reads and transitions freshness metadata.
type Ledger struct {
	store   store.Store
	opts    Options
	backoff resilience.Backoff
	now     func() time.Time
}

// New creates a Ledger over st.
func New(st store.Store, opts Options) *Ledger {
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = 24 * time.Hour
	}
	if opts.RefreshLease <= 0 {
		opts.RefreshLease = 2 * time.Minute
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 5
	}
	if opts.DecayFactor <= 0 || opts.DecayFactor > 1 {
		opts.DecayFactor = 0.8
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = resilience.DefaultBackoff()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{store: st, opts: opts, backoff: opts.Backoff, now: now}
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// Threshold returns the staleness threshold.
func (l *Ledger) Threshold() time.Duration { return l.opts.StalenessThreshold }

// Get returns the ledger entry for planID or model.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, planID string) (*model.FreshnessMeta, error) {
	return l.store.GetMeta(ctx, planID)
}

// List returns every ledger entry ordered by plan id.
func (l *Ledger) List(ctx context.Context) ([]model.FreshnessMeta, error) {
	return l.store.ListMeta(ctx)
}

// TryTransition moves planID from one state to another. owner is the new
// owner when entering refreshing and the expected owner when leaving it.
// A lost race returns model.ErrConflict.
func (l *Ledger) TryTransition(ctx context.Context, planID string, from, to model.FreshnessState, owner string) (*model.FreshnessMeta, error) {
	t := store.Transition{PlanID: planID, From: from, To: to, At: l.now()}
	if to == model.StateRefreshing {
		t.Owner = owner
	}
	if from == model.StateRefreshing {
		t.ExpectOwner = owner
	}
	return l.store.CompareAndSwapState(ctx, t)
}

// Claim makes owner the sole refresher of the plan described by meta. An
// abandoned refresh (older than the lease) is taken over from its owner.
func (l *Ledger) Claim(ctx context.Context, meta *model.FreshnessMeta, owner string) (*model.FreshnessMeta, error) {
	if meta.State != model.StateRefreshing {
		return l.TryTransition(ctx, meta.PlanID, meta.State, model.StateRefreshing, owner)
	}
	if !l.Abandoned(meta, l.now()) {
		return nil, eris.Wrapf(model.ErrConflict, "ledger: %s is being refreshed by %s", meta.PlanID, meta.OwnerJobID)
	}
	m, err := l.store.CompareAndSwapState(ctx, store.Transition{
		PlanID:      meta.PlanID,
		From:        model.StateRefreshing,
		ExpectOwner: meta.OwnerJobID,
		To:          model.StateRefreshing,
		Owner:       owner,
		At:          l.now(),
	})
	if err == nil {
		zap.L().Warn("ledger: took over abandoned refresh",
			zap.String("plan_id", meta.PlanID),
			zap.String("previous_owner", meta.OwnerJobID),
			zap.String("owner", owner),
		)
	}
	return m, err
}

// Release hands an owned refresh back without counting a failure.
func (l *Ledger) Release(ctx context.Context, planID, owner string, to model.FreshnessState) (*model.FreshnessMeta, error) {
	return l.TryTransition(ctx, planID, model.StateRefreshing, to, owner)
}

// RecordFailure marks an owned refresh as failed: failures increment,
// confidence decays, and the plan is not eligible again until the backoff
// delay has elapsed.
func (l *Ledger) RecordFailure(ctx context.Context, planID, owner string, cause error) (*model.FreshnessMeta, error) {
	cur, err := l.store.GetMeta(ctx, planID)
	if err != nil {
		return nil, err
	}
	if cur.State != model.StateRefreshing || cur.OwnerJobID != owner {
		return nil, eris.Wrapf(model.ErrConflict, "ledger: %s not owned by %s", planID, owner)
	}

	now := l.now()
	failures := cur.ConsecutiveFailures + 1
	delay := l.backoff.Next(failures, cur.LastBackoff)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m, err := l.store.RecordFailure(ctx, store.Failure{
		PlanID:              planID,
		Owner:               owner,
		Confidence:          cur.Confidence * l.opts.DecayFactor,
		ConsecutiveFailures: failures,
		NextEligibleAt:      now.Add(delay),
		Backoff:             delay,
		Error:               msg,
		At:                  now,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("ledger: refresh failed",
		zap.String("plan_id", planID),
		zap.String("job_id", owner),
		zap.Int("consecutive_failures", failures),
		zap.Duration("backoff", delay),
		zap.Float64("confidence", m.Confidence),
		zap.String("error", msg),
	)
	return m, nil
}

// IsStale reports whether a fresh plan has aged past the threshold.
func (l *Ledger) IsStale(m *model.FreshnessMeta, now time.Time) bool {
	return m.State == model.StateFresh && m.Age(now) >= l.opts.StalenessThreshold
}

// NeedsRefresh reports whether a read should try to refresh the plan.
func (l *Ledger) NeedsRefresh(m *model.FreshnessMeta, now time.Time) bool {
	switch m.State {
	case model.StateStale, model.StateFailed:
		return true
	case model.StateFresh:
		return l.IsStale(m, now)
	}
	return false
}

// Exhausted reports whether read-path retries have stopped for the plan.
func (l *Ledger) Exhausted(m *model.FreshnessMeta) bool {
	return m.State == model.StateFailed && m.ConsecutiveFailures >= l.opts.MaxConsecutiveFailures
}

// InBackoff reports whether a failed plan is still inside its backoff window.
func (l *Ledger) InBackoff(m *model.FreshnessMeta, now time.Time) bool {
	return m.State == model.StateFailed && now.Before(m.NextEligibleAt)
}

// Eligible reports whether the read path may claim the plan now.
func (l *Ledger) Eligible(m *model.FreshnessMeta, now time.Time) bool {
	return l.NeedsRefresh(m, now) && !l.InBackoff(m, now) && !l.Exhausted(m)
}

// Abandoned reports whether a refresh has outlived its lease.
func (l *Ledger) Abandoned(m *model.FreshnessMeta, now time.Time) bool {
	return m.State == model.StateRefreshing && !m.RefreshStartedAt.IsZero() &&
		now.Sub(m.RefreshStartedAt) >= l.opts.RefreshLease
}

// Annotate builds the reader-facing annotation for m.
func (l *Ledger) Annotate(m *model.FreshnessMeta, revision int) model.Annotation {
	a := model.AnnotationFor(m, revision, l.now(), l.opts.StalenessThreshold)
	a.Exhausted = l.Exhausted(m)
	return a
}

// SweepStale moves every aged fresh plan to stale and returns how many moved.
// A plan committed after the sweep read it is left alone.
func (l *Ledger) SweepStale(ctx context.Context) (int, error) {
	metas, err := l.store.ListMeta(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "ledger: sweep list")
	}
	now := l.now()
	cutoff := now.Add(-l.opts.StalenessThreshold)
	moved := 0
	for i := range metas {
		m := &metas[i]
		if !l.IsStale(m, now) {
			continue
		}
		_, err := l.store.CompareAndSwapState(ctx, store.Transition{
			PlanID:         m.PlanID,
			From:           model.StateFresh,
			To:             model.StateStale,
			VerifiedBefore: cutoff,
			At:             now,
		})
		switch {
		case err == nil:
			moved++
		case errors.Is(err, model.ErrConflict):
			zap.L().Debug("ledger: sweep skipped plan", zap.String("plan_id", m.PlanID), zap.Error(err))
		default:
			return moved, eris.Wrapf(err, "ledger: sweep %s", m.PlanID)
		}
	}
	return moved, nil
}
