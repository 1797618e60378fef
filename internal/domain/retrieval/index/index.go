// Package index implements the hybrid (BM25 + dense) retrieval index: an
// in-memory immutable Generation served atomically, rebuilt from the chunk
// store's iter_chunks under a single writer lock.
package index

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	"github.com/yanqian/study-abroad-rag/internal/domain/retrieval"
)

const (
	DefaultAlpha   = 0.6
	embedBatchSize = 32
)

// generation is an immutable snapshot of BM25 + embeddings served
// atomically to concurrent readers; rebuild constructs a new one and
// pointer-swaps it in.
type generation struct {
	bm25       *bm25Index
	embeddings [][]float32 // L2-normalized, aligned with chunks
	chunks     []ingest.Chunk
	docs       []ingest.Document
	builtAt    time.Time
}

// Index owns the generation pointer, the rebuild mutex, and the rolling
// health/error list. Exactly one rebuild runs at a time; no lock is held
// while calling the embedder.
type Index struct {
	store    ingest.ChunkStore
	embedder retrieval.Embedder

	gen atomic.Pointer[generation]

	rebuildMu sync.Mutex
	healthMu  sync.Mutex
	errs      []string
}

// New constructs an Index bound to a chunk store and embedder capability.
// The index starts with an empty generation until the first rebuild.
func New(store ingest.ChunkStore, embedder retrieval.Embedder) *Index {
	idx := &Index{store: store, embedder: embedder}
	idx.gen.Store(&generation{builtAt: time.Time{}})
	return idx
}

// Rebuild drains iter_chunks, recomputes BM25 statistics, embeds only the
// chunks iter_chunks returns with no persisted vector (a changed or
// previously-unseen chunk), persists those fresh vectors back through
// PutEmbedding, and atomically swaps in the new generation. On failure the
// prior generation is preserved and the error recorded.
func (idx *Index) Rebuild(ctx context.Context) error {
	idx.rebuildMu.Lock()
	defer idx.rebuildMu.Unlock()

	var (
		chunks       []ingest.Chunk
		docs         []ingest.Document
		embeddings   [][]float32
		missingIdx   []int
		missingTexts []string
	)
	err := idx.store.IterChunks(ctx, func(c ingest.Chunk, d ingest.Document) error {
		chunks = append(chunks, c)
		docs = append(docs, d)
		if len(c.Embedding) > 0 {
			embeddings = append(embeddings, c.Embedding)
		} else {
			embeddings = append(embeddings, nil)
			missingIdx = append(missingIdx, len(chunks)-1)
			missingTexts = append(missingTexts, c.Text)
		}
		return nil
	})
	if err != nil {
		idx.recordError(err.Error())
		return err
	}

	if len(chunks) == 0 {
		idx.gen.Store(&generation{builtAt: time.Now()})
		return nil
	}

	if len(missingTexts) > 0 {
		fresh, err := idx.embedAll(ctx, missingTexts)
		if err != nil {
			idx.recordError(err.Error())
			return err
		}
		for i, pos := range missingIdx {
			embeddings[pos] = fresh[i]
			if err := idx.store.PutEmbedding(ctx, chunks[pos].ChunkID, fresh[i]); err != nil {
				idx.recordError(err.Error())
			}
		}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	idx.gen.Store(&generation{
		bm25:       buildBM25(texts),
		embeddings: embeddings,
		chunks:     chunks,
		docs:       docs,
		builtAt:    time.Now(),
	})
	return nil
}

func (idx *Index) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := idx.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for _, v := range batch {
			out = append(out, l2Normalize(v))
		}
	}
	return out, nil
}

func (idx *Index) recordError(msg string) {
	idx.healthMu.Lock()
	defer idx.healthMu.Unlock()
	idx.errs = append(idx.errs, msg)
	if len(idx.errs) > 20 {
		idx.errs = idx.errs[len(idx.errs)-20:]
	}
}

// Health returns live counts and the timestamp of the last successful
// rebuild, reading the current generation without blocking a concurrent
// rebuild.
func (idx *Index) Health() ingest.IndexHealth {
	g := idx.gen.Load()
	idx.healthMu.Lock()
	errs := append([]string(nil), idx.errs...)
	idx.healthMu.Unlock()

	docSet := make(map[string]struct{})
	for _, d := range g.docs {
		docSet[d.DocID] = struct{}{}
	}
	return ingest.IndexHealth{
		DocumentCount: len(docSet),
		ChunkCount:    len(g.chunks),
		LastBuildAt:   g.builtAt,
		Errors:        errs,
	}
}

// Query performs hybrid retrieval: BM25 + dense cosine, min-max normalized
// over the candidate union, fused by alpha, returning the top_k.
func (idx *Index) Query(ctx context.Context, q string, topK int, alpha float64) ([]retrieval.Retrieved, retrieval.Diagnostics, error) {
	g := idx.gen.Load()
	var diag retrieval.Diagnostics
	if len(g.chunks) == 0 {
		return nil, diag, nil
	}
	if topK <= 0 {
		topK = 5
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	lexScores := g.bm25.score(q)
	candidateWindow := 2 * topK

	var denseScores map[int]float64
	queryVec, embedErr := idx.embedQuery(ctx, q)
	if embedErr != nil || queryVec == nil {
		diag.Degraded = true
		denseScores = map[int]float64{}
	} else {
		denseScores = make(map[int]float64, len(g.embeddings))
		for i, v := range g.embeddings {
			denseScores[i] = cosine(queryVec, v)
		}
	}

	lexTop := topN(lexScores, candidateWindow)
	denseTop := topN(denseScores, candidateWindow)

	candidates := make(map[int]struct{})
	for _, i := range lexTop {
		candidates[i] = struct{}{}
	}
	for _, i := range denseTop {
		candidates[i] = struct{}{}
	}

	if alpha == 0 {
		return idx.topByLexical(g, lexScores, topK), diag, nil
	}
	if alpha == 1 && !diag.Degraded {
		return idx.topByDense(g, denseScores, topK), diag, nil
	}

	lexNorm := minMaxNormalize(lexScores, candidates)
	denseNorm := minMaxNormalize(denseScores, candidates)

	type scored struct {
		idx     int
		fused   float64
		lexical float64
	}
	var all []scored
	for i := range candidates {
		fused := alpha*denseNorm[i] + (1-alpha)*lexNorm[i]
		all = append(all, scored{idx: i, fused: fused, lexical: lexScores[i]})
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].fused != all[b].fused {
			return all[a].fused > all[b].fused
		}
		if all[a].lexical != all[b].lexical {
			return all[a].lexical > all[b].lexical
		}
		return g.chunks[all[a].idx].ChunkID < g.chunks[all[b].idx].ChunkID
	})
	if len(all) > topK {
		all = all[:topK]
	}

	out := make([]retrieval.Retrieved, 0, len(all))
	for _, s := range all {
		c := g.chunks[s.idx]
		out = append(out, retrieval.Retrieved{
			ChunkID: c.ChunkID,
			DocID:   c.DocID,
			Text:    c.Text,
			Score:   s.fused,
			Lexical: lexNorm[s.idx],
			Dense:   denseNorm[s.idx],
		})
	}
	return out, diag, nil
}

func (idx *Index) embedQuery(ctx context.Context, q string) ([]float32, error) {
	vecs, err := idx.embedder.Embed(ctx, []string{q})
	if err != nil || len(vecs) == 0 {
		return nil, err
	}
	return l2Normalize(vecs[0]), nil
}

func (idx *Index) topByLexical(g *generation, scores map[int]float64, topK int) []retrieval.Retrieved {
	ids := topN(scores, topK)
	out := make([]retrieval.Retrieved, 0, len(ids))
	for _, i := range ids {
		c := g.chunks[i]
		out = append(out, retrieval.Retrieved{ChunkID: c.ChunkID, DocID: c.DocID, Text: c.Text, Score: scores[i], Lexical: scores[i]})
	}
	return out
}

func (idx *Index) topByDense(g *generation, scores map[int]float64, topK int) []retrieval.Retrieved {
	ids := topN(scores, topK)
	out := make([]retrieval.Retrieved, 0, len(ids))
	for _, i := range ids {
		c := g.chunks[i]
		out = append(out, retrieval.Retrieved{ChunkID: c.ChunkID, DocID: c.DocID, Text: c.Text, Score: scores[i], Dense: scores[i]})
	}
	return out
}

func minMaxNormalize(scores map[int]float64, candidates map[int]struct{}) map[int]float64 {
	out := make(map[int]float64, len(candidates))
	if len(candidates) == 0 {
		return out
	}
	min, max := math.Inf(1), math.Inf(-1)
	for i := range candidates {
		v := scores[i]
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	for i := range candidates {
		if span <= 0 {
			out[i] = 0
			continue
		}
		out[i] = (scores[i] - min) / span
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	den := math.Sqrt(magA) * math.Sqrt(magB)
	if den == 0 {
		return 0
	}
	return dot / den
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
