// Package jobs records the lifecycle of refresh jobs and hands callers a
// handle to wait on them.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
	"github.com/sells-group/planfinder/internal/telemetry"
)

const (
	defaultPoll  = 100 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// Tracker persists job state transitions.
type Tracker struct {
	store   store.Store
	metrics *telemetry.Metrics
	poll    time.Duration
	now     func() time.Time
}

// NewTracker creates a Tracker. metrics may be nil.
func NewTracker(st store.Store, metrics *telemetry.Metrics) *Tracker {
	return &Tracker{
		store:   st,
		metrics: metrics,
		poll:    defaultPoll,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithPoll sets how often a watching handle re-reads its job.
func (t *Tracker) WithPoll(d time.Duration) *Tracker {
	if d > 0 {
		t.poll = d
	}
	return t
}

// WithClock returns t using now for job timestamps.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// NewJob allocates a queued job. It is not persisted until Create.
func NewJob(scope model.JobScope, source model.Source, planIDs []string) *model.RefreshJob {
	return &model.RefreshJob{
		ID:      uuid.New().String(),
		Scope:   scope,
		Source:  source,
		PlanIDs: planIDs,
		Status:  model.JobQueued,
	}
}

// Create persists job.
func (t *Tracker) Create(ctx context.Context, job *model.RefreshJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = t.now()
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return eris.Wrapf(err, "jobs: create %s job", job.Scope)
	}
	return nil
}

// Start marks job running.
func (t *Tracker) Start(ctx context.Context, job *model.RefreshJob) error {
	now := t.now()
	job.Status = model.JobRunning
	job.StartedAt = &now
	return t.save(ctx, job)
}

// Finish marks job completed, or failed when cause is non-nil. The write
// survives cancellation of ctx.
func (t *Tracker) Finish(ctx context.Context, job *model.RefreshJob, cause error) error {
	now := t.now()
	job.FinishedAt = &now
	job.Status = model.JobCompleted
	if cause != nil {
		job.Status = model.JobFailed
		job.Error = cause.Error()
	}
	t.metrics.RecordJob(ctx, job.Scope, job.Status)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := t.save(ctx, job); err != nil {
		return err
	}
	zap.L().Info("jobs: finished",
		zap.String("job_id", job.ID),
		zap.String("scope", string(job.Scope)),
		zap.String("status", string(job.Status)),
		zap.Int("scraped", job.Scraped),
		zap.Int("updated", job.Updated),
		zap.Int("failed", job.Failed),
		zap.Int("conflicts", job.Conflicts),
	)
	return nil
}

// Get returns the persisted job.
func (t *Tracker) Get(ctx context.Context, jobID string) (*model.RefreshJob, error) {
	return t.store.GetJob(ctx, jobID)
}

// List returns the most recent jobs.
func (t *Tracker) List(ctx context.Context, limit int) ([]model.RefreshJob, error) {
	return t.store.ListJobs(ctx, limit)
}

// Watch returns a handle on a job run elsewhere, possibly by another
// process. Its Wait polls the store.
func (t *Tracker) Watch(jobID string) *Handle {
	return &Handle{ID: jobID, tracker: t}
}

// Run returns a handle whose Wait returns once done is closed.
func (t *Tracker) Run(jobID string, done <-chan struct{}) *Handle {
	return &Handle{ID: jobID, tracker: t, done: done}
}

func (t *Tracker) save(ctx context.Context, job *model.RefreshJob) error {
	if err := t.store.UpdateJob(ctx, job); err != nil {
		return eris.Wrapf(err, "jobs: update %s", job.ID)
	}
	return nil
}

// Handle refers to a running or finished job.
type Handle struct {
	ID      string
	tracker *Tracker
	done    <-chan struct{}
}

// Wait blocks until the job is terminal or ctx is done, and returns the
// job as persisted.
func (h *Handle) Wait(ctx context.Context) (*model.RefreshJob, error) {
	if h.done != nil {
		select {
		case <-h.done:
			return h.tracker.Get(ctx, h.ID)
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "jobs: wait %s", h.ID)
		}
	}

	ticker := time.NewTicker(h.tracker.poll)
	defer ticker.Stop()
	for {
		job, err := h.tracker.Get(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "jobs: wait %s", h.ID)
		}
	}
}
