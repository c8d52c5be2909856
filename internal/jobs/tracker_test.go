package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory(), nil)

	job := NewJob(model.ScopeBatch, model.SourceBatch, []string{"A", "B"})
	require.NoError(t, tr.Create(ctx, job))
	assert.Equal(t, model.JobQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	require.NoError(t, tr.Start(ctx, job))
	got, err := tr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	job.Updated = 2
	require.NoError(t, tr.Finish(ctx, job, nil))
	got, err = tr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Updated)
	require.NotNil(t, got.FinishedAt)
}

func TestTracker_FinishWithError(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory(), nil)

	job := NewJob(model.ScopeSingle, model.SourceFallback, []string{"A"})
	require.NoError(t, tr.Create(ctx, job))
	require.NoError(t, tr.Finish(ctx, job, errors.New("scheduler down")))

	got, err := tr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, "scheduler down", got.Error)
}

func TestTracker_FinishSurvivesCancelledContext(t *testing.T) {
	tr := NewTracker(store.NewMemory(), nil)
	job := NewJob(model.ScopeSingle, model.SourceFallback, nil)
	require.NoError(t, tr.Create(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.Finish(ctx, job, nil))

	got, err := tr.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
}

func TestHandle_WaitOnDone(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory(), nil)
	job := NewJob(model.ScopeSingle, model.SourceFallback, []string{"A"})
	require.NoError(t, tr.Create(ctx, job))

	done := make(chan struct{})
	h := tr.Run(job.ID, done)
	go func() {
		_ = tr.Finish(ctx, job, nil)
		close(done)
	}()

	got, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
}

func TestHandle_WatchPollsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory(), nil).WithPoll(5 * time.Millisecond)
	job := NewJob(model.ScopeBatch, model.SourceBatch, []string{"A"})
	require.NoError(t, tr.Create(ctx, job))
	require.NoError(t, tr.Start(ctx, job))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tr.Finish(ctx, job, nil)
	}()

	got, err := tr.Watch(job.ID).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
}

func TestHandle_WaitRespectsContext(t *testing.T) {
	tr := NewTracker(store.NewMemory(), nil).WithPoll(5 * time.Millisecond)
	job := NewJob(model.ScopeBatch, model.SourceBatch, nil)
	require.NoError(t, tr.Create(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Watch(job.ID).Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHandle_WatchUnknownJob(t *testing.T) {
	tr := NewTracker(store.NewMemory(), nil)
	_, err := tr.Watch("missing").Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
