// Package retrieval holds the hybrid (BM25 + dense) index and the
// reranker capability it feeds into.
package retrieval

import "context"

// Retrieved is one scored chunk, fused across lexical and dense signals
// and scoped to a single query.
type Retrieved struct {
	ChunkID string         `json:"chunk_id"`
	DocID   string         `json:"doc_id"`
	Text    string         `json:"text"`
	Score   float64        `json:"score"`
	Lexical float64        `json:"lexical_score,omitempty"`
	Dense   float64        `json:"dense_score,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Embedder produces L2-normalizable embeddings for free-form text. Two
// variants exist: Remote (batched; a failed batch call is not retried) and
// a deterministic hash-based dummy for offline/test use.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Diagnostics carries query-time degradation signals the orchestrator
// surfaces to the client (spec: embedding failure during query falls back
// to pure lexical and sets degraded=true).
type Diagnostics struct {
	Degraded bool `json:"degraded,omitempty"`
}
