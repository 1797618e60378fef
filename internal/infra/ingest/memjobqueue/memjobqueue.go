// Package memjobqueue is the in-memory jobqueue.Store used offline and in
// tests, mirroring the durable Postgres semantics without a database.
package memjobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/jobqueue"
)

type record struct {
	job         ingest.IngestJob
	notBefore   time.Time
	claimedAt   time.Time
}

// Store is a mutex-guarded map standing in for the durable job table.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*record
}

// New constructs an empty in-memory job queue store.
func New() *Store {
	return &Store{jobs: make(map[string]*record)}
}

func (s *Store) Insert(_ context.Context, job ingest.IngestJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = &record{job: job}
	return nil
}

// ClaimOldestQueued picks the eligible queued job with the earliest
// QueuedAt, marks it running, and returns a copy.
func (s *Store) ClaimOldestQueued(_ context.Context) (ingest.IngestJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*record
	for _, r := range s.jobs {
		if r.job.Status != ingest.JobStatusQueued {
			continue
		}
		if !r.notBefore.IsZero() && r.notBefore.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return ingest.IngestJob{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].job.QueuedAt.Before(candidates[j].job.QueuedAt)
	})
	r := candidates[0]
	r.job.Status = ingest.JobStatusRunning
	r.job.Attempts++
	started := now
	r.job.StartedAt = &started
	r.claimedAt = now
	return r.job, true, nil
}

func (s *Store) MarkSucceeded(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	r.job.Status = ingest.JobStatusSucceeded
	completed := time.Now()
	r.job.CompletedAt = &completed
	return nil
}

func (s *Store) MarkFailed(_ context.Context, jobID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	r.job.Status = ingest.JobStatusFailed
	r.job.LastError = lastError
	completed := time.Now()
	r.job.CompletedAt = &completed
	return nil
}

func (s *Store) Requeue(_ context.Context, jobID string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	r.job.Status = ingest.JobStatusQueued
	r.job.StartedAt = nil
	r.notBefore = notBefore
	return nil
}

func (s *Store) Get(_ context.Context, jobID string) (ingest.IngestJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return ingest.IngestJob{}, false, nil
	}
	return r.job, true, nil
}

// RecoverStale requeues running jobs whose claim predates staleAfter,
// preserving attempts so the next run retries rather than restarting.
func (s *Store) RecoverStale(_ context.Context, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	n := 0
	for _, r := range s.jobs {
		if r.job.Status == ingest.JobStatusRunning && r.claimedAt.Before(cutoff) {
			r.job.Status = ingest.JobStatusQueued
			r.job.StartedAt = nil
			r.notBefore = time.Time{}
			n++
		}
	}
	return n, nil
}

var _ jobqueue.Store = (*Store)(nil)
