package ingest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/ingest/chunker"
	"github.com/yanqian/study-abroad-rag/internal/infra/ingest/memchunkstore"
)

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, data []byte, _ string, _ bool, _ string) (string, error) {
	return string(data), nil
}

type countingRebuilder struct{ calls int }

func (r *countingRebuilder) Rebuild(context.Context) error {
	r.calls++
	return nil
}

func newPipeline(rebuilder ingest.Rebuilder) (*ingest.Pipeline, ingest.ChunkStore) {
	store := memchunkstore.New()
	return &ingest.Pipeline{
		Store:   store,
		Chunker: chunker.New(chunker.DefaultMaxChars, chunker.DefaultOverlap),
		Extract: stubExtractor{},
		Index:   rebuilder,
	}, store
}

func TestPipelineRunPersistsDocumentAndChunks(t *testing.T) {
	rebuilder := &countingRebuilder{}
	pipeline, store := newPipeline(rebuilder)

	count, err := pipeline.Run(context.Background(), ingest.IngestRequest{
		DocID:      "visa-faq",
		SourceName: "Visa FAQ",
		Language:   "en",
		Text:       "Applicants must hold a valid passport. Processing takes 10 business days.",
	})
	require.NoError(t, err)
	require.Greater(t, count, 0)
	require.Equal(t, 1, rebuilder.calls)

	doc, found, err := store.GetDocument(context.Background(), "visa-faq")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, doc.Version)
	require.False(t, doc.UpdatedAt.IsZero())
}

func TestPipelineRunIsIdempotentOnUnchangedChecksum(t *testing.T) {
	rebuilder := &countingRebuilder{}
	pipeline, store := newPipeline(rebuilder)

	req := ingest.IngestRequest{
		DocID:    "visa-faq",
		Language: "en",
		Text:     "Applicants must hold a valid passport.",
	}

	first, err := pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	require.Greater(t, first, 0)

	second, err := pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, second) // unchanged content: no version bump, no chunks rewritten

	doc, found, err := store.GetDocument(context.Background(), "visa-faq")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, doc.Version)
	require.Equal(t, 1, rebuilder.calls) // second Run short circuited before reaching Rebuild
}

func TestPipelineRunBumpsVersionOnChangedContent(t *testing.T) {
	rebuilder := &countingRebuilder{}
	pipeline, store := newPipeline(rebuilder)

	_, err := pipeline.Run(context.Background(), ingest.IngestRequest{
		DocID:    "visa-faq",
		Language: "en",
		Text:     "Applicants must hold a valid passport.",
	})
	require.NoError(t, err)

	_, err = pipeline.Run(context.Background(), ingest.IngestRequest{
		DocID:    "visa-faq",
		Language: "en",
		Text:     "Applicants must hold a valid passport and a return ticket.",
	})
	require.NoError(t, err)

	doc, found, err := store.GetDocument(context.Background(), "visa-faq")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, doc.Version)
	require.Equal(t, 2, rebuilder.calls)
}

func TestPipelineRunRejectsEmptyContent(t *testing.T) {
	pipeline, _ := newPipeline(&countingRebuilder{})
	_, err := pipeline.Run(context.Background(), ingest.IngestRequest{DocID: "empty", Language: "en"})
	require.Error(t, err)
}
