// Package orchestrator routes plan reads through the freshness ledger. A
// fresh plan is served from the store; a stale or failed plan is refreshed
// on demand through the fallback invoker, with at most one extraction per
// plan in flight and no reader waiting longer than the fallback timeout.
// Whatever happens to the refresh, a committed plan is always served.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/planfinder/internal/config"
	"github.com/sells-group/planfinder/internal/extract"
	"github.com/sells-group/planfinder/internal/fallback"
	"github.com/sells-group/planfinder/internal/jobs"
	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/quality"
	"github.com/sells-group/planfinder/internal/resilience"
	"github.com/sells-group/planfinder/internal/store"
	"github.com/sells-group/planfinder/internal/telemetry"
)

const (
	defaultFallbackTimeout = 5 * time.Second
	defaultJoinPoll        = 100 * time.Millisecond
	writeTimeout           = 10 * time.Second
)

// Options tunes an Orchestrator.
type Options struct {
	// FallbackTimeout is the longest a reader waits for a refresh before
	// it is served the last committed revision.
	FallbackTimeout time.Duration
	// JoinPoll is how often a reader re-reads the ledger while another
	// owner refreshes the plan.
	JoinPoll time.Duration
	Metrics  *telemetry.Metrics
}

// OptionsFromConfig maps the freshness section to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FallbackTimeout: cfg.Freshness.FallbackTimeout(),
		JoinPoll:        cfg.Freshness.JoinPoll(),
	}
}

// PlanView is a committed plan with its freshness annotation.
type PlanView struct {
	Record     *model.PlanRecord `json:"plan"`
	Annotation model.Annotation  `json:"freshness"`
}

// Orchestrator serves plans and coordinates their refreshes.
type Orchestrator struct {
	store   store.Store
	ledger  *ledger.Ledger
	gate    *quality.Gate
	invoker *fallback.Invoker
	jobs    *jobs.Tracker
	opts    Options

	flight   singleflight.Group
	inflight sync.WaitGroup
}

// New creates an Orchestrator.
func New(st store.Store, lg *ledger.Ledger, gate *quality.Gate, inv *fallback.Invoker, tr *jobs.Tracker, opts Options) *Orchestrator {
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = defaultFallbackTimeout
	}
	if opts.JoinPoll <= 0 {
		opts.JoinPoll = defaultJoinPoll
	}
	return &Orchestrator{
		store:   st,
		ledger:  lg,
		gate:    gate,
		invoker: inv,
		jobs:    tr,
		opts:    opts,
	}
}

// Ledger returns the freshness ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Jobs returns the job tracker.
func (o *Orchestrator) Jobs() *jobs.Tracker { return o.jobs }

// Wait blocks until refreshes started by this orchestrator have finished.
func (o *Orchestrator) Wait() { o.inflight.Wait() }

// GetPlan returns the plan with its freshness annotation, refreshing it
// first when it is stale and eligible. It fails only with model.ErrNotFound
// for a plan that was never committed, or with a store error.
func (o *Orchestrator) GetPlan(ctx context.Context, planID string) (*PlanView, error) {
	meta, err := o.ledger.Get(ctx, planID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: get %s", planID)
	}
	now := o.ledger.Now()

	if meta.State == model.StateFresh && !o.ledger.IsStale(meta, now) {
		return o.answer(ctx, planID, model.ReasonFresh, false)
	}
	if meta.State != model.StateRefreshing {
		if reason := o.blocked(meta, now); reason != "" {
			return o.answer(ctx, planID, reason, true)
		}
	}
	return o.refreshOrJoin(ctx, planID)
}

// result is how a shared refresh ended for its readers.
type result struct {
	reason   string
	degraded bool
}

func (o *Orchestrator) refreshOrJoin(ctx context.Context, planID string) (*PlanView, error) {
	timer := time.NewTimer(o.opts.FallbackTimeout)
	defer timer.Stop()

	ch := o.flight.DoChan(planID, func() (any, error) {
		o.inflight.Add(1)
		defer o.inflight.Done()
		shared, cancel := detach(ctx)
		defer cancel()
		return o.refresh(shared, planID)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			zap.L().Warn("orchestrator: refresh errored, serving last revision",
				zap.String("plan_id", planID), zap.Error(r.Err))
			return o.answer(ctx, planID, model.ReasonRefreshFailed, true)
		}
		res := r.Val.(result)
		return o.answer(ctx, planID, res.reason, res.degraded)
	case <-timer.C:
	case <-ctx.Done():
	}
	return o.answer(ctx, planID, model.ReasonJoinTimeout, true)
}

// refresh runs once per plan per process at a time. It either claims the
// plan and runs the fallback, or waits for the current owner.
func (o *Orchestrator) refresh(ctx context.Context, planID string) (result, error) {
	meta, err := o.ledger.Get(ctx, planID)
	if err != nil {
		return result{}, err
	}
	now := o.ledger.Now()

	switch {
	case meta.State == model.StateFresh && !o.ledger.IsStale(meta, now):
		return result{reason: model.ReasonJoined}, nil
	case meta.State == model.StateRefreshing && !o.ledger.Abandoned(meta, now):
		return o.await(ctx, planID)
	}
	if reason := o.blocked(meta, now); reason != "" {
		return result{reason: reason, degraded: true}, nil
	}
	switch o.invoker.Admit() {
	case fallback.RefusedBudget:
		return result{reason: model.ReasonBudgetExhausted, degraded: true}, nil
	case fallback.RefusedCircuit:
		return result{reason: model.ReasonCircuitOpen, degraded: true}, nil
	}

	job, err := o.start(ctx, meta)
	if errors.Is(err, model.ErrConflict) {
		return o.await(ctx, planID)
	}
	if err != nil {
		return result{}, err
	}
	return o.execute(ctx, job, meta.State), nil
}

// blocked returns why the read path may not refresh meta, or "".
func (o *Orchestrator) blocked(meta *model.FreshnessMeta, now time.Time) string {
	switch {
	case o.ledger.Exhausted(meta):
		return model.ReasonRetriesExhausted
	case o.ledger.InBackoff(meta, now):
		return model.ReasonBackoff
	}
	return ""
}

// await polls the ledger until the plan leaves refreshing or the fallback
// timeout elapses.
func (o *Orchestrator) await(ctx context.Context, planID string) (result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.FallbackTimeout)
	defer cancel()
	ticker := time.NewTicker(o.opts.JoinPoll)
	defer ticker.Stop()

	for {
		meta, err := o.ledger.Get(ctx, planID)
		if err != nil {
			if ctx.Err() != nil {
				return result{reason: model.ReasonJoinTimeout, degraded: true}, nil
			}
			return result{}, err
		}
		switch meta.State {
		case model.StateFresh:
			return result{reason: model.ReasonJoined}, nil
		case model.StateFailed:
			return result{reason: model.ReasonRefreshFailed, degraded: true}, nil
		case model.StateStale:
			return result{reason: model.ReasonJoined, degraded: true}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return result{reason: model.ReasonJoinTimeout, degraded: true}, nil
		}
	}
}

// start records a single-plan fallback job and claims the plan for it. A
// lost claim finishes the job with one conflict and returns
// model.ErrConflict.
func (o *Orchestrator) start(ctx context.Context, meta *model.FreshnessMeta) (*model.RefreshJob, error) {
	job := jobs.NewJob(model.ScopeSingle, model.SourceFallback, []string{meta.PlanID})
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := o.jobs.Start(ctx, job); err != nil {
		return nil, err
	}
	if _, err := o.ledger.Claim(ctx, meta, job.ID); err != nil {
		if errors.Is(err, model.ErrConflict) {
			job.Conflicts++
			o.opts.Metrics.RecordRefresh(ctx, model.SourceFallback, telemetry.OutcomeConflict)
			_ = o.jobs.Finish(ctx, job, nil)
			return nil, err
		}
		_ = o.jobs.Finish(ctx, job, err)
		return nil, err
	}
	return job, nil
}

// execute runs the fallback for a job that owns its plan and finishes the
// job. prior is the state the plan was claimed from.
func (o *Orchestrator) execute(ctx context.Context, job *model.RefreshJob, prior model.FreshnessState) result {
	planID := job.PlanIDs[0]
	log := zap.L().With(zap.String("plan_id", planID), zap.String("job_id", job.ID))

	var previous *model.PlanRecord
	if rec, err := o.store.GetPlan(ctx, planID); err == nil {
		previous = rec
	}

	res, err := o.invoker.Invoke(ctx, extract.Request{PlanID: planID, Previous: previous})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		if prior == model.StateRefreshing {
			prior = model.StateStale
		}
		wctx, cancel := persistent(ctx)
		defer cancel()
		if _, rerr := o.ledger.Release(wctx, planID, job.ID, prior); rerr != nil {
			log.Warn("orchestrator: release after open circuit", zap.Error(rerr))
		}
		_ = o.jobs.Finish(ctx, job, err)
		return result{reason: model.ReasonCircuitOpen, degraded: true}
	}
	job.Scraped++
	if err != nil {
		job.Failed++
		o.FailRefresh(ctx, planID, job.ID, model.SourceFallback, err)
		_ = o.jobs.Finish(ctx, job, err)
		return result{reason: model.ReasonRefreshFailed, degraded: true}
	}

	rec, err := o.CommitRefresh(ctx, job.ID, model.SourceFallback, res)
	if err != nil {
		job.Failed++
		_ = o.jobs.Finish(ctx, job, err)
		return result{reason: model.ReasonRefreshFailed, degraded: true}
	}
	job.Updated++
	_ = o.jobs.Finish(ctx, job, nil)
	log.Info("orchestrator: plan refreshed", zap.Int("revision", rec.Revision))
	return result{reason: model.ReasonRefreshed}
}

// CommitRefresh passes an owned refresh's draft through the quality gate.
// A passing draft becomes the plan's next revision and the plan is fresh;
// a rejected draft counts as a failed refresh. The writes survive
// cancellation of ctx.
func (o *Orchestrator) CommitRefresh(ctx context.Context, jobID string, source model.Source, res *extract.Result) (*model.PlanRecord, error) {
	wctx, cancel := persistent(ctx)
	defer cancel()

	rec, err := o.gate.Apply(wctx, quality.Submission{
		Draft:      res.Draft,
		Confidence: res.Confidence,
		Source:     source,
		Owner:      jobID,
		JobID:      jobID,
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			o.opts.Metrics.RecordRefresh(ctx, source, telemetry.OutcomeConflict)
			return nil, err
		}
		o.recordFailure(wctx, res.Draft.ID, jobID, err)
		outcome := telemetry.OutcomeFailed
		if errors.Is(err, model.ErrValidation) {
			outcome = telemetry.OutcomeRejected
		}
		o.opts.Metrics.RecordRefresh(ctx, source, outcome)
		return nil, err
	}
	o.opts.Metrics.RecordRefresh(ctx, source, telemetry.OutcomeCommitted)
	return rec, nil
}

// FailRefresh records a failed extraction for an owned refresh. The plan
// keeps its committed revision and backs off.
func (o *Orchestrator) FailRefresh(ctx context.Context, planID, jobID string, source model.Source, cause error) {
	wctx, cancel := persistent(ctx)
	defer cancel()
	o.recordFailure(wctx, planID, jobID, cause)
	o.opts.Metrics.RecordRefresh(ctx, source, telemetry.OutcomeFailed)
}

func (o *Orchestrator) recordFailure(ctx context.Context, planID, jobID string, cause error) {
	if _, err := o.ledger.RecordFailure(ctx, planID, jobID, cause); err != nil {
		zap.L().Warn("orchestrator: record failure",
			zap.String("plan_id", planID), zap.String("job_id", jobID), zap.Error(err))
	}
}

// Ingest commits the first revision of a plan that has no ledger entry.
func (o *Orchestrator) Ingest(ctx context.Context, res *extract.Result, source model.Source, jobID string) (*model.PlanRecord, error) {
	rec, err := o.gate.Apply(ctx, quality.Submission{
		Draft:      res.Draft,
		Confidence: res.Confidence,
		Source:     source,
		JobID:      jobID,
	})
	if err != nil {
		outcome := telemetry.OutcomeFailed
		switch {
		case errors.Is(err, model.ErrValidation):
			outcome = telemetry.OutcomeRejected
		case errors.Is(err, model.ErrConflict):
			outcome = telemetry.OutcomeConflict
		}
		o.opts.Metrics.RecordRefresh(ctx, source, outcome)
		return nil, err
	}
	o.opts.Metrics.RecordRefresh(ctx, source, telemetry.OutcomeCommitted)
	return rec, nil
}

// TriggerManualRefresh starts an operator refresh of planID, ignoring its
// backoff window and exhausted retries. When another job already owns the
// plan the handle refers to that job.
func (o *Orchestrator) TriggerManualRefresh(ctx context.Context, planID string) (*jobs.Handle, error) {
	meta, err := o.ledger.Get(ctx, planID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: manual refresh %s", planID)
	}
	if meta.State == model.StateRefreshing && !o.ledger.Abandoned(meta, o.ledger.Now()) {
		return o.jobs.Watch(meta.OwnerJobID), nil
	}

	job, err := o.start(ctx, meta)
	if errors.Is(err, model.ErrConflict) {
		cur, gerr := o.ledger.Get(ctx, planID)
		if gerr == nil && cur.State == model.StateRefreshing {
			return o.jobs.Watch(cur.OwnerJobID), nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("orchestrator: manual refresh started",
		zap.String("plan_id", planID), zap.String("job_id", job.ID))
	done := make(chan struct{})
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer close(done)
		o.execute(context.WithoutCancel(ctx), job, meta.State)
	}()
	return o.jobs.Run(job.ID, done), nil
}

// answer loads the committed revision and annotates it. The load survives
// an expired caller deadline so a committed plan is never replaced by an
// error.
func (o *Orchestrator) answer(ctx context.Context, planID, reason string, degraded bool) (*PlanView, error) {
	rctx, cancel := persistent(ctx)
	defer cancel()

	meta, err := o.ledger.Get(rctx, planID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: annotate %s", planID)
	}
	rec, err := o.store.GetPlan(rctx, planID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load %s", planID)
	}
	ann := o.ledger.Annotate(meta, rec.Revision)
	ann.Reason = reason
	ann.Degraded = degraded || ann.State != model.StateFresh
	o.opts.Metrics.RecordRead(ctx, reason, ann.Degraded)
	return &PlanView{Record: rec, Annotation: ann}, nil
}

// detach returns a context that outlives the caller's cancellation but
// keeps its deadline, so a refresh shared by several readers is not torn
// down when the first of them goes away.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(base, dl)
	}
	return context.WithCancel(base)
}

func persistent(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
