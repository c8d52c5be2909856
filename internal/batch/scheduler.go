package batch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/planfinder/internal/extract"
)

const defaultConcurrency = 5

// Scheduler extracts drafts for a set of plans and delivers each outcome as
// it arrives. deliver may be called concurrently. A returned error means
// the scheduler itself failed; per-plan failures are delivered.
type Scheduler interface {
	Extract(ctx context.Context, reqs []extract.Request, deliver func(extract.BatchItem)) error
}

// NewScheduler returns a scheduler over provider. Providers that extract in
// bulk are used directly; others are fanned out locally.
func NewScheduler(provider extract.Provider, concurrency int) Scheduler {
	if be, ok := provider.(extract.BatchExtractor); ok {
		return bulkScheduler{be}
	}
	return NewLocalScheduler(provider, concurrency)
}

// LocalScheduler calls the provider once per plan with bounded
// concurrency.
type LocalScheduler struct {
	provider    extract.Provider
	concurrency int
}

// NewLocalScheduler creates a LocalScheduler. concurrency <= 0 uses 5.
func NewLocalScheduler(provider extract.Provider, concurrency int) *LocalScheduler {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &LocalScheduler{provider: provider, concurrency: concurrency}
}

// Extract implements Scheduler.
func (s *LocalScheduler) Extract(ctx context.Context, reqs []extract.Request, deliver func(extract.BatchItem)) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, req := range reqs {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.provider.Extract(gCtx, req)
			if err != nil {
				zap.L().Debug("batch: extraction failed",
					zap.String("plan_id", req.PlanID),
					zap.String("provider", s.provider.Name()),
					zap.Error(err),
				)
			}
			deliver(extract.BatchItem{PlanID: req.PlanID, Result: res, Err: err})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

type bulkScheduler struct {
	extractor extract.BatchExtractor
}

func (s bulkScheduler) Extract(ctx context.Context, reqs []extract.Request, deliver func(extract.BatchItem)) error {
	return s.extractor.ExtractBatch(ctx, reqs, deliver)
}
