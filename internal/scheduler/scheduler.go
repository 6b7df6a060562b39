// Package scheduler runs the durable FIFO job queue: a worker pool claiming
// jobs from the store plus a periodic reaper that returns stuck running jobs
// to the queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/docgen/internal/metrics"
	"git.home.luguber.info/inful/docgen/internal/store"
)

// Handler executes one claimed job and returns its result payload.
type Handler func(ctx context.Context, job *store.Job) (map[string]any, error)

// Scheduler hosts N worker loops over the shared queue.
type Scheduler struct {
	store        *store.Store
	handlers     map[store.JobType]Handler
	workers      int
	pollInterval time.Duration
	stuckTimeout time.Duration
	metrics      metrics.Recorder
	logger       *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size (default 2).
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithPollInterval sets the idle claim poll interval (default 250ms).
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithStuckTimeout sets how long a running job may sit before the reaper
// requeues it (default 10m).
func WithStuckTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.stuckTimeout = d }
}

// WithMetrics injects a metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a scheduler over the store.
func New(st *store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		handlers:     map[store.JobType]Handler{},
		workers:      2,
		pollInterval: 250 * time.Millisecond,
		stuckTimeout: 10 * time.Minute,
		metrics:      metrics.NoopRecorder{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to a job type. Jobs of unregistered types fail.
func (s *Scheduler) Register(jobType store.JobType, h Handler) {
	s.handlers[jobType] = h
}

// Run starts the worker pool and the reaper and blocks until ctx is
// cancelled. All in-flight jobs finish their current dispatch before return.
func (s *Scheduler) Run(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create reaper scheduler: %w", err)
	}
	reapEvery := s.stuckTimeout / 2
	if reapEvery < time.Second {
		reapEvery = time.Second
	}
	if _, err := cron.NewJob(
		gocron.DurationJob(reapEvery),
		gocron.NewTask(func() { s.reap(ctx) }),
	); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	cron.Start()
	defer func() { _ = cron.Shutdown() }()

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// workerLoop claims, dispatches and finalizes jobs until ctx cancellation.
func (s *Scheduler) workerLoop(ctx context.Context, workerID string) {
	log := s.logger.With("worker_id", workerID)
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.store.ClaimPendingJob(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", "error", err)
			s.sleep(ctx, s.pollInterval)
			continue
		}
		if job == nil {
			s.sleep(ctx, s.pollInterval)
			continue
		}
		s.dispatch(ctx, log, job)
	}
}

// dispatch runs one claimed job to its terminal state. Handler panics are
// contained and fail the job.
func (s *Scheduler) dispatch(ctx context.Context, log *slog.Logger, job *store.Job) {
	log = log.With("job_id", job.ID, "job_type", job.JobType)
	started := time.Now()

	result, err := s.runHandler(ctx, job)
	elapsed := time.Since(started)
	s.metrics.ObserveJobDuration(string(job.JobType), elapsed)

	if err != nil {
		s.metrics.IncJobOutcome(string(job.JobType), string(store.JobFailed))
		log.Warn("job failed", "error", err, "duration", elapsed)
		if failErr := s.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			log.Error("cannot finalize failed job", "error", failErr)
		}
		return
	}
	s.metrics.IncJobOutcome(string(job.JobType), string(store.JobCompleted))
	log.Info("job completed", "duration", elapsed)
	if completeErr := s.store.CompleteJob(ctx, job.ID, result); completeErr != nil {
		log.Error("cannot finalize completed job", "error", completeErr)
	}
}

func (s *Scheduler) runHandler(ctx context.Context, job *store.Job) (result map[string]any, err error) {
	handler, ok := s.handlers[job.JobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %s", job.JobType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// reap requeues running jobs older than the stuck timeout and samples queue
// depth. Pipeline idempotency makes re-running a claimed job safe.
func (s *Scheduler) reap(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.store.RequeueStuckJobs(ctx, time.Now().Add(-s.stuckTimeout))
	if err != nil {
		s.logger.Error("stuck job reap failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("requeued stuck jobs", "count", n)
	}
	if pending, err := s.store.JobsByStatus(ctx, store.JobPending, 1000); err == nil {
		s.metrics.SetQueueDepth(len(pending))
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
