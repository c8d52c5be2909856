// Package batch refreshes many plans in one job on the cheap extraction
// path. Drafts are committed through the same ledger ownership and quality
// gate as on-demand refreshes; a plan already being refreshed by someone
// else is skipped as a conflict.
package batch

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/extract"
	"github.com/sells-group/planfinder/internal/jobs"
	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

// Committer is the shared commit path for owned refreshes.
type Committer interface {
	CommitRefresh(ctx context.Context, jobID string, source model.Source, res *extract.Result) (*model.PlanRecord, error)
	FailRefresh(ctx context.Context, planID, jobID string, source model.Source, cause error)
	Ingest(ctx context.Context, res *extract.Result, source model.Source, jobID string) (*model.PlanRecord, error)
}

// Pipeline runs batch refresh jobs.
type Pipeline struct {
	store     store.Store
	ledger    *ledger.Ledger
	committer Committer
	scheduler Scheduler
	jobs      *jobs.Tracker

	running sync.WaitGroup
}

// New creates a Pipeline.
func New(st store.Store, lg *ledger.Ledger, committer Committer, scheduler Scheduler, tr *jobs.Tracker) *Pipeline {
	return &Pipeline{
		store:     st,
		ledger:    lg,
		committer: committer,
		scheduler: scheduler,
		jobs:      tr,
	}
}

// Wait blocks until every submitted job has finished.
func (p *Pipeline) Wait() { p.running.Wait() }

// Submit records a batch job for planIDs and runs it in the background.
// Duplicate ids are dropped; the rest keep their submitted order. The job
// is not cancelled when ctx is.
func (p *Pipeline) Submit(ctx context.Context, planIDs []string) (*jobs.Handle, error) {
	ids := dedupe(planIDs)
	if len(ids) == 0 {
		return nil, eris.New("batch: no plan ids submitted")
	}
	job := jobs.NewJob(model.ScopeBatch, model.SourceBatch, ids)
	if err := p.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	zap.L().Info("batch: job submitted", zap.String("job_id", job.ID), zap.Int("plans", len(ids)))

	done := make(chan struct{})
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		defer close(done)
		p.run(context.WithoutCancel(ctx), job)
	}()
	return p.jobs.Run(job.ID, done), nil
}

func (p *Pipeline) run(ctx context.Context, job *model.RefreshJob) {
	if err := p.jobs.Start(ctx, job); err != nil {
		zap.L().Error("batch: start job", zap.String("job_id", job.ID), zap.Error(err))
		_ = p.jobs.Finish(ctx, job, err)
		return
	}

	reqs := make([]extract.Request, 0, len(job.PlanIDs))
	for _, id := range job.PlanIDs {
		req := extract.Request{PlanID: id}
		if rec, err := p.store.GetPlan(ctx, id); err == nil {
			req.Previous = rec
		}
		reqs = append(reqs, req)
	}

	var mu sync.Mutex
	err := p.scheduler.Extract(ctx, reqs, func(item extract.BatchItem) {
		outcome := p.apply(ctx, job, item)
		mu.Lock()
		defer mu.Unlock()
		job.Scraped++
		switch outcome {
		case outcomeUpdated:
			job.Updated++
		case outcomeFailed:
			job.Failed++
		case outcomeConflict:
			job.Conflicts++
		}
	})
	if err != nil {
		err = eris.Wrapf(err, "batch: scheduler for job %s", job.ID)
	}
	if ferr := p.jobs.Finish(ctx, job, err); ferr != nil {
		zap.L().Error("batch: finish job", zap.String("job_id", job.ID), zap.Error(ferr))
	}
}

type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeFailed
	outcomeConflict
)

// apply commits one delivered draft. The plan is claimed for the job
// first; a plan someone else is refreshing, or one verified after the job
// started, is left alone.
func (p *Pipeline) apply(ctx context.Context, job *model.RefreshJob, item extract.BatchItem) outcome {
	log := zap.L().With(zap.String("plan_id", item.PlanID), zap.String("job_id", job.ID))
	if item.Err == nil && (item.Result == nil || item.Result.Draft == nil) {
		item.Err = eris.Wrapf(model.ErrExtraction, "batch: no draft for %s", item.PlanID)
	}
	if item.Err == nil && item.Result.Draft.ID == "" {
		item.Result.Draft.ID = item.PlanID
	}
	// The claim is taken on item.PlanID, so the draft must commit there too.
	if item.Err == nil && item.Result.Draft.ID != item.PlanID {
		item.Err = eris.Wrapf(model.ErrExtraction, "batch: draft for %s answered as %s", item.PlanID, item.Result.Draft.ID)
	}

	meta, err := p.ledger.Get(ctx, item.PlanID)
	if errors.Is(err, model.ErrNotFound) {
		if item.Err != nil {
			log.Warn("batch: extraction of unknown plan failed", zap.Error(item.Err))
			return outcomeFailed
		}
		if _, err := p.committer.Ingest(ctx, item.Result, model.SourceBatch, job.ID); err != nil {
			if errors.Is(err, model.ErrConflict) {
				return outcomeConflict
			}
			log.Warn("batch: first ingestion rejected", zap.Error(err))
			return outcomeFailed
		}
		return outcomeUpdated
	}
	if err != nil {
		log.Error("batch: ledger lookup", zap.Error(err))
		return outcomeFailed
	}

	if job.StartedAt != nil && meta.State == model.StateFresh && meta.LastVerifiedAt.After(*job.StartedAt) {
		log.Info("batch: discarding draft older than committed revision")
		return outcomeConflict
	}
	if _, err := p.ledger.Claim(ctx, meta, job.ID); err != nil {
		if errors.Is(err, model.ErrConflict) {
			log.Info("batch: plan owned by another refresh", zap.String("owner", meta.OwnerJobID))
			return outcomeConflict
		}
		log.Error("batch: claim", zap.Error(err))
		return outcomeFailed
	}

	if item.Err != nil {
		p.committer.FailRefresh(ctx, item.PlanID, job.ID, model.SourceBatch, item.Err)
		return outcomeFailed
	}
	if _, err := p.committer.CommitRefresh(ctx, job.ID, model.SourceBatch, item.Result); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return outcomeConflict
		}
		return outcomeFailed
	}
	return outcomeUpdated
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
