package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// EnqueueJob inserts a pending job.
func (s *Store) EnqueueJob(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = fromUnixNano(now())
	}
	payload, err := marshalJSON(j.Payload)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = "{}"
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO jobs (id, job_type, status, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		j.ID.String(), string(j.JobType), string(j.Status), payload, j.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, job_type, status, payload, result, COALESCE(error, ''),
	COALESCE(worker_id, ''), created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var id, jobType, status, payload string
	var result sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	if err := row.Scan(&id, &jobType, &status, &payload, &result, &j.Error, &j.WorkerID,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.ID = uuid.MustParse(id)
	j.JobType = JobType(jobType)
	j.Status = JobStatus(status)
	j.CreatedAt = fromUnixNano(createdAt)
	p, err := unmarshalJSON([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	j.Payload = p
	if result.Valid {
		r, err := unmarshalJSON([]byte(result.String))
		if err != nil {
			return nil, fmt.Errorf("unmarshal job result: %w", err)
		}
		j.Result = r
	}
	if startedAt.Valid {
		t := fromUnixNano(startedAt.Int64)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromUnixNano(completedAt.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id.String())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("job", id.String())
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimPendingJob atomically claims the oldest pending job for workerID. The
// single UPDATE..RETURNING statement is the only race-free assignment point:
// concurrent claimants receive distinct jobs. Returns (nil, nil) when no
// pending job exists.
func (s *Store) ClaimPendingJob(ctx context.Context, workerID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, worker_id = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1
		) AND status = ?
		RETURNING `+jobColumns,
		string(JobRunning), now(), workerID, string(JobPending), string(JobPending))
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending job: %w", err)
	}
	return j, nil
}

// CompleteJob transitions running -> completed with the result payload.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any) error {
	resultRaw, err := marshalJSON(result)
	if err != nil {
		return err
	}
	return s.finishJob(ctx, id, JobCompleted, resultRaw, "")
}

// FailJob transitions running -> failed with the error message.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, jobErr string) error {
	return s.finishJob(ctx, id, JobFailed, nil, jobErr)
}

func (s *Store) finishJob(ctx context.Context, id uuid.UUID, to JobStatus, result any, jobErr string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		row := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id.String())
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.NotFound("job", id.String())
			}
			return err
		}
		if JobStatus(status) != JobRunning {
			return errs.InvalidTransition("job", status, string(to))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ? WHERE id = ?",
			string(to), result, nullableString(jobErr), now(), id.String())
		return err
	})
}

// RequeueStuckJobs reverts running jobs older than cutoff back to pending so
// a fresh worker can pick them up. The pipeline's step-level idempotency makes
// this safe. Returns the number of re-queued jobs.
func (s *Store) RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL, worker_id = NULL
		WHERE status = ? AND started_at < ?`,
		string(JobPending), string(JobRunning), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// JobsByStatus lists jobs with the given status, oldest first.
func (s *Store) JobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT ?",
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
