// Package pgjobqueue persists ingest jobs in Postgres, claiming work with a
// single atomic UPDATE ... RETURNING so two workers never pick up the same
// queued job.
package pgjobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/jobqueue"
)

// Store implements jobqueue.Store on top of a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Postgres-backed job queue store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Insert(ctx context.Context, job ingest.IngestJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingest_jobs (job_id, payload, actor, status, attempts, max_attempts, queued_at, not_before)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, job.JobID, payload, job.Actor, job.Status, job.MaxAttempts, job.QueuedAt)
	return err
}

// ClaimOldestQueued atomically flips the oldest eligible queued job to
// running in a single statement, so concurrent workers never double-claim.
func (s *Store) ClaimOldestQueued(ctx context.Context) (ingest.IngestJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE ingest_jobs SET status = 'running', attempts = attempts + 1, started_at = NOW(), claimed_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM ingest_jobs
			WHERE status = 'queued' AND not_before <= NOW()
			ORDER BY queued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, payload, actor, status, attempts, max_attempts, queued_at, started_at, completed_at, last_error
	`)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return ingest.IngestJob{}, false, nil
	}
	if err != nil {
		return ingest.IngestJob{}, false, err
	}
	return job, true, nil
}

func (s *Store) MarkSucceeded(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE ingest_jobs SET status = 'succeeded', completed_at = NOW() WHERE job_id = $1`, jobID)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, jobID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET status = 'failed', completed_at = NOW(), last_error = $2 WHERE job_id = $1
	`, jobID, lastError)
	return err
}

// Requeue returns a running job to queued, preserving attempts, and hides
// it from claims until notBefore (the exponential backoff delay).
func (s *Store) Requeue(ctx context.Context, jobID string, notBefore time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET status = 'queued', started_at = NULL, not_before = $2 WHERE job_id = $1
	`, jobID, notBefore)
	return err
}

func (s *Store) Get(ctx context.Context, jobID string) (ingest.IngestJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, payload, actor, status, attempts, max_attempts, queued_at, started_at, completed_at, last_error
		FROM ingest_jobs WHERE job_id = $1
	`, jobID)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return ingest.IngestJob{}, false, nil
	}
	if err != nil {
		return ingest.IngestJob{}, false, err
	}
	return job, true, nil
}

// RecoverStale requeues running jobs whose claim predates staleAfter,
// preserving attempts, so a worker restart does not strand claimed work.
func (s *Store) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET status = 'queued', started_at = NULL, not_before = NOW()
		WHERE status = 'running' AND claimed_at < NOW() - $1::interval
	`, staleAfter.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (ingest.IngestJob, error) {
	var (
		job        ingest.IngestJob
		payload    []byte
		status     string
		lastError  *string
	)
	if err := row.Scan(&job.JobID, &payload, &job.Actor, &status, &job.Attempts, &job.MaxAttempts,
		&job.QueuedAt, &job.StartedAt, &job.CompletedAt, &lastError); err != nil {
		return ingest.IngestJob{}, err
	}
	job.Status = ingest.JobStatus(status)
	if lastError != nil {
		job.LastError = *lastError
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return ingest.IngestJob{}, fmt.Errorf("decode job payload: %w", err)
	}
	return job, nil
}

var _ jobqueue.Store = (*Store)(nil)
