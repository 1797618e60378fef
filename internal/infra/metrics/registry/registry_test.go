package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementCounterAccumulates(t *testing.T) {
	r := New()
	r.IncrementCounter("rerank_retry::attempt", 1)
	r.IncrementCounter("rerank_retry::attempt", 2)
	snap := r.Snapshot()
	require.Equal(t, float64(3), snap.Counters["rerank_retry::attempt"])
}

func TestRecordPhasePercentiles(t *testing.T) {
	r := New()
	for _, ms := range []float64{10, 20, 30, 40, 100} {
		r.RecordPhase("retrieval_ms", ms)
	}
	snap := r.Snapshot()
	stats := snap.Phases["retrieval_ms"]
	require.Equal(t, 5, stats.Count)
	require.Greater(t, stats.P95Ms, stats.P50Ms-1) // p95 at least as high as p50
}

func TestStatusDigestThresholds(t *testing.T) {
	r := New()
	r.SetThreshold("empty_retrieval", Threshold{Amber: 5, Red: 20})
	for i := 0; i < 6; i++ {
		r.IncrementCounter("empty_retrieval", 1)
	}
	digest := r.StatusDigest()
	require.Equal(t, StatusAmber, digest["empty_retrieval"])
}

func TestHistoryBounded(t *testing.T) {
	r := New()
	for i := 0; i < defaultHistorySize+5; i++ {
		r.Snapshot()
	}
	require.Len(t, r.History(), defaultHistorySize)
}
