package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval/index"
	"github.com/yanqian/study-abroad-rag/internal/domain/session"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/memchunkstore"
	"github.com/yanqian/study-abroad-rag/internal/infra/metrics/registry"
	"github.com/yanqian/study-abroad-rag/internal/infra/query/chatprovider"
	"github.com/yanqian/study-abroad-rag/internal/infra/retrieval/reranker"
	"github.com/yanqian/study-abroad-rag/internal/infra/session/memlog"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memchunkstore.Store) {
	t.Helper()
	store := memchunkstore.New()
	ctx := context.Background()
	doc := ingest.Document{DocID: "visa-guide", SourceName: "Visa Guide", Language: "en", UpdatedAt: time.Now()}
	require.NoError(t, store.PutDocument(ctx, doc))
	require.NoError(t, store.PutChunks(ctx, "visa-guide", []ingest.Chunk{
		{ChunkID: "visa-guide::0000", DocID: "visa-guide", Ordinal: 0, Text: "Visa processing takes 10 business days on average."},
	}))

	idx := index.New(store, fakeEmbedder{})
	require.NoError(t, idx.Rebuild(ctx))

	rerankSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(rerankSrv.Close)
	metrics := registry.New()
	rerankClient := reranker.New(reranker.Config{BaseURL: rerankSrv.URL, MaxAttempts: 1, Timeout: time.Second}, metrics)

	sessions := session.New(0, memlog.New())
	svc := New(Config{TopKDefault: 5, KCiteDefault: 2}, sessions, store, idx, rerankClient, chatprovider.NewEcho(), metrics, nil)
	return svc, store
}

func TestAnswerWithRetrievalReturnsCitation(t *testing.T) {
	svc, _ := newTestService(t)
	resp, err := svc.Answer(context.Background(), Request{
		UserID:   "u1",
		Question: "How long does visa processing take?",
		Language: "en",
		UseRAG:   true,
		TopK:     5,
		KCite:    2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Answer)
	require.NotEmpty(t, resp.Citations)
	require.Equal(t, "visa-guide", resp.Citations[0].DocID)
}

func TestAnswerWithoutRAGSkipsRetrieval(t *testing.T) {
	svc, _ := newTestService(t)
	resp, err := svc.Answer(context.Background(), Request{
		UserID:   "u1",
		Question: "Hello there",
		Language: "en",
		UseRAG:   false,
	})
	require.NoError(t, err)
	require.Empty(t, resp.Citations)
	require.Zero(t, resp.Diagnostics.RetrievalMs)
}

func TestAnswerEmptyIndexShortCircuits(t *testing.T) {
	store := memchunkstore.New()
	idx := index.New(store, fakeEmbedder{})
	require.NoError(t, idx.Rebuild(context.Background()))
	metrics := registry.New()
	sessions := session.New(0, memlog.New())
	rerankClient := reranker.New(reranker.Config{}, metrics)
	svc := New(Config{}, sessions, store, idx, rerankClient, chatprovider.NewEcho(), metrics, nil)

	resp, err := svc.Answer(context.Background(), Request{
		UserID:   "u1",
		Question: "Anything about visas?",
		Language: "en",
		UseRAG:   true,
	})
	require.NoError(t, err)
	require.Empty(t, resp.Citations)
	require.True(t, resp.Diagnostics.LowConfidence)
}

func TestAnswerReportsMissingSlots(t *testing.T) {
	svc, _ := newTestService(t)
	svc.catalog = []session.SlotSchema{{Name: "destination_country", Required: true, Kind: session.SlotString}}
	resp, err := svc.Answer(context.Background(), Request{
		UserID:   "u1",
		Question: "Hello",
		Language: "en",
		UseRAG:   false,
	})
	require.NoError(t, err)
	require.Contains(t, resp.MissingSlots, "destination_country")
}
