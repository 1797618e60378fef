// Package jobqueue implements the durable asynchronous ingest job queue:
// enqueue, atomic claim, bounded retries with exponential backoff, and
// restart recovery of stale running claims.
package jobqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = 5 * time.Second
	DefaultBackoffCap   = 5 * time.Minute
	DefaultStaleClaim   = 15 * time.Minute
)

// Store is the durable persistence a Queue claims jobs from. The same
// persistence as the chunk store is acceptable per spec §4.10.
type Store interface {
	Insert(ctx context.Context, job ingest.IngestJob) error
	// ClaimOldestQueued atomically marks the oldest queued job running and
	// returns it; ok is false when no job is queued.
	ClaimOldestQueued(ctx context.Context) (ingest.IngestJob, bool, error)
	MarkSucceeded(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, lastError string) error
	// Requeue returns a running job to queued after a failed attempt,
	// preserving attempts, to be claimed again no earlier than notBefore.
	Requeue(ctx context.Context, jobID string, notBefore time.Time) error
	Get(ctx context.Context, jobID string) (ingest.IngestJob, bool, error)
	// RecoverStale returns any running job whose claim has exceeded
	// staleAfter back to queued, preserving attempts (restart recovery).
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Handler executes one job's work (extract -> chunk -> persist -> rebuild).
type Handler func(ctx context.Context, job ingest.IngestJob) error

// Doorbell is an optional low-latency wake-up signal: Ring after a
// successful enqueue, Wait in place of (or alongside) the poll ticker. A
// nil Doorbell leaves the Queue on fixed-interval polling only.
type Doorbell interface {
	Ring(ctx context.Context)
	Wait(ctx context.Context)
}

// Queue is the single background worker (or small fixed pool) driving
// Store claims into Handler invocations.
type Queue struct {
	store       Store
	handler     Handler
	maxAttempts int
	baseBackoff time.Duration
	backoffCap  time.Duration
	staleClaim  time.Duration
	doorbell    Doorbell

	pollInterval time.Duration
	stop         chan struct{}
}

// SetDoorbell attaches an optional wake-up signal so the worker loop does
// not wait out a full poll tick after an enqueue.
func (q *Queue) SetDoorbell(d Doorbell) { q.doorbell = d }

// New constructs a Queue bound to a durable Store. SetHandler starts the
// worker loop; a Queue with no handler only accepts Enqueue calls.
func New(store Store) *Queue {
	return &Queue{
		store:        store,
		maxAttempts:  DefaultMaxAttempts,
		baseBackoff:  DefaultBaseBackoff,
		backoffCap:   DefaultBackoffCap,
		staleClaim:   DefaultStaleClaim,
		pollInterval: time.Second,
		stop:         make(chan struct{}),
	}
}

// Enqueue persists a new job with status queued and returns immediately.
func (q *Queue) Enqueue(ctx context.Context, req ingest.IngestRequest, actor string) (ingest.JobEnqueueResponse, error) {
	job := ingest.IngestJob{
		JobID:       uuid.NewString(),
		Payload:     req,
		Actor:       actor,
		Status:      ingest.JobStatusQueued,
		MaxAttempts: q.maxAttempts,
		QueuedAt:    time.Now(),
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return ingest.JobEnqueueResponse{}, err
	}
	if q.doorbell != nil {
		q.doorbell.Ring(ctx)
	}
	return ingest.JobEnqueueResponse{JobID: job.JobID, Status: job.Status}, nil
}

// SetHandler starts the worker loop. RecoverStale runs once up front so a
// restart requeues jobs abandoned mid-claim.
func (q *Queue) SetHandler(ctx context.Context, handler Handler) {
	q.handler = handler
	if _, err := q.store.RecoverStale(ctx, q.staleClaim); err != nil {
		// Recovery failure is non-fatal: the error is discarded and the
		// worker loop still runs; recovery is not attempted again.
		_ = err
	}
	go q.run(ctx)
}

// Stop halts the worker loop.
func (q *Queue) Stop() { close(q.stop) }

func (q *Queue) run(ctx context.Context) {
	if q.doorbell != nil {
		q.runWithDoorbell(ctx)
		return
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

// runWithDoorbell blocks on the doorbell instead of a fixed ticker, falling
// back to the doorbell's own internal timeout as a backstop poll interval
// so a missed ring (or a Valkey outage) never stalls the queue entirely.
func (q *Queue) runWithDoorbell(ctx context.Context) {
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		q.drainOnce(ctx)
		q.doorbell.Wait(ctx)
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	for {
		job, ok, err := q.store.ClaimOldestQueued(ctx)
		if err != nil || !ok {
			return
		}
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job ingest.IngestJob) {
	err := q.handler(ctx, job)
	if err == nil {
		_ = q.store.MarkSucceeded(ctx, job.JobID)
		return
	}

	if job.Attempts < job.MaxAttempts {
		delay := q.baseBackoff * time.Duration(1<<uint(job.Attempts))
		if delay > q.backoffCap {
			delay = q.backoffCap
		}
		_ = q.store.Requeue(ctx, job.JobID, time.Now().Add(delay))
		return
	}
	_ = q.store.MarkFailed(ctx, job.JobID, err.Error())
}
