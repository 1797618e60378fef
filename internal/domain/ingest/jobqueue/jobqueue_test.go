package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/memjobqueue"
)

func TestEnqueueThenHandlerSucceeds(t *testing.T) {
	store := memjobqueue.New()
	q := New(store)
	q.pollInterval = 5 * time.Millisecond

	resp, err := q.Enqueue(context.Background(), ingest.IngestRequest{DocID: "d1"}, "tester")
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusQueued, resp.Status)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	q.SetHandler(context.Background(), func(_ context.Context, job ingest.IngestJob) error {
		mu.Lock()
		seen = append(seen, job.JobID)
		mu.Unlock()
		close(done)
		return nil
	})
	defer q.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	job, ok, err := store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		j, _, _ := store.Get(context.Background(), resp.JobID)
		return j.Status == ingest.JobStatusSucceeded
	}, time.Second, 5*time.Millisecond)
	_ = job
}

func TestHandlerFailureRequeuesUntilMaxAttempts(t *testing.T) {
	store := memjobqueue.New()
	q := New(store)
	q.pollInterval = 5 * time.Millisecond
	q.maxAttempts = 2
	q.baseBackoff = time.Millisecond

	resp, err := q.Enqueue(context.Background(), ingest.IngestRequest{DocID: "d2"}, "tester")
	require.NoError(t, err)

	var attempts int
	var mu sync.Mutex
	q.SetHandler(context.Background(), func(_ context.Context, job ingest.IngestJob) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	})
	defer q.Stop()

	require.Eventually(t, func() bool {
		j, _, _ := store.Get(context.Background(), resp.JobID)
		return j.Status == ingest.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, attempts, 2)
}

func TestRecoverStaleRequeuesAbandonedClaims(t *testing.T) {
	store := memjobqueue.New()
	ctx := context.Background()
	job := ingest.IngestJob{JobID: "j1", Status: ingest.JobStatusQueued, MaxAttempts: 3, QueuedAt: time.Now()}
	require.NoError(t, store.Insert(ctx, job))

	claimed, ok, err := store.ClaimOldestQueued(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ingest.JobStatusRunning, claimed.Status)

	n, err := store.RecoverStale(ctx, -time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recovered, ok, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ingest.JobStatusQueued, recovered.Status)
}
