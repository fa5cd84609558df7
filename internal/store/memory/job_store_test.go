package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prismnote/aggregator/internal/pipeline"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newJobFixture(t *testing.T) (*JobStore, *fixedClock, pipeline.Job) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewJobStore(clock, WithRetention(time.Hour), WithMaxFailures(3))
	job := pipeline.Job{
		ID:        "job-1",
		Scope:     pipeline.JobScopeAll,
		Status:    pipeline.JobStatusQueued,
		CreatedAt: clock.now,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return store, clock, job
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock, job := newJobFixture(t)

	require.NoError(t, store.MarkRunning(ctx, job.ID, clock.now))
	require.NoError(t, store.SetTotalSources(ctx, job.ID, 2))
	require.NoError(t, store.AddCounts(ctx, job.ID, 2, 1))
	require.NoError(t, store.AddCounts(ctx, job.ID, 1, 0))
	require.NoError(t, store.CompleteJob(ctx, job.ID, pipeline.JobStatusSucceeded, "", clock.now))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusSucceeded, got.Status)
	require.Equal(t, 2, got.TotalSources)
	require.Equal(t, 3, got.RefreshedItems)
	require.Equal(t, 1, got.FailedItems)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestJobStoreSingleTerminalWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock, job := newJobFixture(t)

	require.NoError(t, store.MarkRunning(ctx, job.ID, clock.now))
	require.NoError(t, store.CompleteJob(ctx, job.ID, pipeline.JobStatusSucceeded, "", clock.now))

	err := store.CompleteJob(ctx, job.ID, pipeline.JobStatusFailed, "late failure", clock.now)
	require.ErrorIs(t, err, pipeline.ErrBadTransition)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusSucceeded, got.Status)
	require.Empty(t, got.ErrorMessage)
}

func TestJobStoreRejectsRunningTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock, job := newJobFixture(t)

	require.NoError(t, store.MarkRunning(ctx, job.ID, clock.now))
	require.ErrorIs(t, store.MarkRunning(ctx, job.ID, clock.now), pipeline.ErrBadTransition)
}

func TestJobStoreFailureCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock, job := newJobFixture(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendFailure(ctx, job.ID, pipeline.FailureRecord{
			Stage:     pipeline.StageContentFetch,
			CreatedAt: clock.now,
		}))
	}

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Failures, 3, "records beyond the cap are dropped")
}

func TestJobStoreRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock, job := newJobFixture(t)

	require.NoError(t, store.MarkRunning(ctx, job.ID, clock.now))
	require.NoError(t, store.CompleteJob(ctx, job.ID, pipeline.JobStatusSucceeded, "", clock.now))

	clock.now = clock.now.Add(2 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, pipeline.Job{
		ID:        "job-2",
		Status:    pipeline.JobStatusQueued,
		CreatedAt: clock.now,
	}))

	_, err := store.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, pipeline.ErrJobNotFound, "finished jobs age out")

	_, err = store.GetJob(ctx, "job-2")
	require.NoError(t, err)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock, _ := newJobFixture(t)

	require.ErrorIs(t, store.MarkRunning(ctx, "missing", clock.now), pipeline.ErrJobNotFound)
	require.ErrorIs(t, store.AddCounts(ctx, "missing", 1, 0), pipeline.ErrJobNotFound)
	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrJobNotFound)
}
