package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

func TestClaimPendingJobOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	ids := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		j := &Job{
			JobType:   JobGenerate,
			Payload:   map[string]any{"seq": float64(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.EnqueueJob(ctx, j))
		ids = append(ids, j.ID)
	}

	// Oldest first.
	for i := 0; i < 3; i++ {
		j, err := s.ClaimPendingJob(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, ids[i], j.ID)
		assert.Equal(t, JobRunning, j.Status)
		assert.Equal(t, "worker-1", j.WorkerID)
		require.NotNil(t, j.StartedAt)
		assert.Equal(t, float64(i), j.Payload["seq"])
	}

	// Queue drained.
	j, err := s.ClaimPendingJob(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestCompleteAndFailJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := &Job{JobType: JobParse, Payload: map[string]any{"template_id": "t1"}}
	require.NoError(t, s.EnqueueJob(ctx, j))

	// Completing a job that was never claimed is a transition error.
	err := s.CompleteJob(ctx, j.ID, nil)
	assert.True(t, errs.HasCode(err, errs.CodeInvalidTransition), "got %v", err)

	claimed, err := s.ClaimPendingJob(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.CompleteJob(ctx, j.ID, map[string]any{"sections": float64(5)}))
	done, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, done.Status)
	assert.Equal(t, float64(5), done.Result["sections"])
	require.NotNil(t, done.CompletedAt)

	// Terminal states reject further transitions.
	err = s.FailJob(ctx, j.ID, "late failure")
	assert.True(t, errs.HasCode(err, errs.CodeInvalidTransition), "got %v", err)

	f := &Job{JobType: JobClassify}
	require.NoError(t, s.EnqueueJob(ctx, f))
	_, err = s.ClaimPendingJob(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, f.ID, "classifier blew up"))

	failed, err := s.GetJob(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, failed.Status)
	assert.Equal(t, "classifier blew up", failed.Error)

	assert.True(t, errs.IsNotFound(s.CompleteJob(ctx, uuid.New(), nil)))
	_, err = s.GetJob(ctx, uuid.New())
	assert.True(t, errs.IsNotFound(err))
}

func TestRequeueStuckJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	j := &Job{JobType: JobGenerate}
	require.NoError(t, s.EnqueueJob(ctx, j))
	claimed, err := s.ClaimPendingJob(ctx, "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Cutoff before the claim: nothing is stuck yet.
	n, err := s.RequeueStuckJobs(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Cutoff after the claim: the job goes back to pending.
	n, err = s.RequeueStuckJobs(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loaded, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobPending, loaded.Status)
	assert.Empty(t, loaded.WorkerID)
	assert.Nil(t, loaded.StartedAt)

	// And it is claimable again.
	again, err := s.ClaimPendingJob(ctx, "fresh-worker")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, j.ID, again.ID)
}

func TestJobsByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.EnqueueJob(ctx, &Job{
			JobType:   JobGenerate,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	_, err := s.ClaimPendingJob(ctx, "w")
	require.NoError(t, err)

	pending, err := s.JobsByStatus(ctx, JobPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.True(t, pending[0].CreatedAt.Before(pending[1].CreatedAt))

	running, err := s.JobsByStatus(ctx, JobRunning, 1)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}
