package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval"
	"github.com/yanqian/study-abroad-rag/internal/infra/metrics/registry"
)

func items(n int) []retrieval.Retrieved {
	out := make([]retrieval.Retrieved, n)
	for i := range out {
		out[i] = retrieval.Retrieved{ChunkID: string(rune('a' + i)), Text: "text"}
	}
	return out
}

func TestRerankFallbackOnCircuitOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New()
	client := New(Config{BaseURL: srv.URL, Model: "m", MaxAttempts: 1, FailureLimit: 2, ResetSeconds: time.Hour, Timeout: time.Second}, reg)

	in := items(3)
	_ = client.Rerank(context.Background(), "q", in, "en")
	_ = client.Rerank(context.Background(), "q", in, "en")
	require.Equal(t, stateOpen, client.breaker.state())

	before := reg.Snapshot().Counters["rerank_fallback::circuit_open"]
	out := client.Rerank(context.Background(), "q", in, "en")
	require.Equal(t, in, out)
	after := reg.Snapshot().Counters["rerank_fallback::circuit_open"]
	require.Equal(t, before+1, after)
}

func TestRerankBreakerRecovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New()
	client := New(Config{BaseURL: srv.URL, Model: "m", MaxAttempts: 1, FailureLimit: 1, ResetSeconds: 10 * time.Millisecond, Timeout: time.Second}, reg)

	client.Rerank(context.Background(), "q", items(2), "en")
	require.Equal(t, stateOpen, client.breaker.state())

	time.Sleep(20 * time.Millisecond)
	require.True(t, client.breaker.admit())
}

func TestRerankAppliesUpstreamOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		}{{Index: 1, Score: 0.9}, {Index: 0, Score: 0.1}}})
	}))
	defer srv.Close()

	reg := registry.New()
	client := New(Config{BaseURL: srv.URL, Model: "m"}, reg)
	in := items(2)
	out := client.Rerank(context.Background(), "q", in, "en")
	require.Equal(t, in[1].ChunkID, out[0].ChunkID)
	require.Equal(t, in[0].ChunkID, out[1].ChunkID)
}
