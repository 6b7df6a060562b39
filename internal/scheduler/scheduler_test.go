package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docgen/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "docgen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// runScheduler starts the pool in the background and stops it on cleanup.
func runScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not shut down")
		}
	})
}

func waitForTerminal(t *testing.T, st *store.Store, job *store.Job) *store.Job {
	t.Helper()
	var loaded *store.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), job.ID)
		if err != nil {
			return false
		}
		loaded = j
		return j.Status == store.JobCompleted || j.Status == store.JobFailed
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached a terminal state", job.ID)
	return loaded
}

func TestSchedulerCompletesJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sched := New(st, WithWorkers(2), WithPollInterval(10*time.Millisecond))
	sched.Register(store.JobGenerate, func(_ context.Context, job *store.Job) (map[string]any, error) {
		return map[string]any{"echo": job.Payload["value"]}, nil
	})
	runScheduler(t, sched)

	job := &store.Job{JobType: store.JobGenerate, Payload: map[string]any{"value": "v1"}}
	require.NoError(t, st.EnqueueJob(ctx, job))

	final := waitForTerminal(t, st, job)
	assert.Equal(t, store.JobCompleted, final.Status)
	assert.Equal(t, "v1", final.Result["echo"])
	assert.NotEmpty(t, final.WorkerID)
	require.NotNil(t, final.CompletedAt)
}

func TestSchedulerRecordsHandlerFailure(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sched := New(st, WithWorkers(1), WithPollInterval(10*time.Millisecond))
	sched.Register(store.JobParse, func(context.Context, *store.Job) (map[string]any, error) {
		return nil, errors.New("source blob missing")
	})
	runScheduler(t, sched)

	job := &store.Job{JobType: store.JobParse}
	require.NoError(t, st.EnqueueJob(ctx, job))

	final := waitForTerminal(t, st, job)
	assert.Equal(t, store.JobFailed, final.Status)
	assert.Equal(t, "source blob missing", final.Error)
}

func TestSchedulerContainsHandlerPanic(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sched := New(st, WithWorkers(1), WithPollInterval(10*time.Millisecond))
	sched.Register(store.JobClassify, func(context.Context, *store.Job) (map[string]any, error) {
		panic("nil structure")
	})
	sched.Register(store.JobGenerate, func(context.Context, *store.Job) (map[string]any, error) {
		return nil, nil
	})
	runScheduler(t, sched)

	job := &store.Job{JobType: store.JobClassify}
	require.NoError(t, st.EnqueueJob(ctx, job))

	// The worker survives the panic and keeps serving the queue.
	final := waitForTerminal(t, st, job)
	assert.Equal(t, store.JobFailed, final.Status)
	assert.Contains(t, final.Error, "panicked")

	next := &store.Job{JobType: store.JobGenerate}
	require.NoError(t, st.EnqueueJob(ctx, next))
	assert.Equal(t, store.JobCompleted, waitForTerminal(t, st, next).Status)
}

func TestSchedulerFailsUnregisteredJobType(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sched := New(st, WithWorkers(1), WithPollInterval(10*time.Millisecond))
	runScheduler(t, sched)

	job := &store.Job{JobType: store.JobGenerate}
	require.NoError(t, st.EnqueueJob(ctx, job))

	final := waitForTerminal(t, st, job)
	assert.Equal(t, store.JobFailed, final.Status)
	assert.Contains(t, final.Error, "no handler registered")
}

func TestReapRequeuesStuckJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	job := &store.Job{JobType: store.JobGenerate}
	require.NoError(t, st.EnqueueJob(ctx, job))
	claimed, err := st.ClaimPendingJob(ctx, "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A zero stuck timeout makes the claimed job immediately eligible.
	sched := New(st, WithStuckTimeout(time.Nanosecond))
	sched.reap(ctx)

	loaded, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, loaded.Status)
	assert.Empty(t, loaded.WorkerID)
}
