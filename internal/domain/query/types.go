// Package query implements the orchestrator that composes session
// resolution, hybrid retrieval, reranking, prompt composition, and
// upstream generation into a single answer, with per-phase timing and
// citation mapping.
package query

import "time"

// Request is one incoming question, bound to an authenticated principal.
type Request struct {
	UserID         string
	SessionID      string
	Question       string
	Language       string // "en" | "zh"; empty inherits the session's
	UseRAG         bool
	TopK           int
	Alpha          float64
	KCite          int
	ExplainLikeNew bool
	SlotUpdates    map[string]any
	ResetSlots     []string
	Attachments    []string // extracted OCR/STT text, one per attachment

	Model       string
	Temperature float32
	TopP        float32
	MaxTokens   int
	Stop        []string
}

// Citation is the user-visible reference to a chunk backing a claim.
type Citation struct {
	ChunkID        string    `json:"chunk_id"`
	DocID          string    `json:"doc_id"`
	Snippet        string    `json:"snippet"`
	Score          float64   `json:"score"`
	SourceName     string    `json:"source_name"`
	URL            string    `json:"url,omitempty"`
	StartChar      int       `json:"start_char,omitempty"`
	EndChar        int       `json:"end_char,omitempty"`
	LastVerifiedAt time.Time `json:"last_verified_at,omitempty"`
	Highlights     [][2]int  `json:"highlights,omitempty"`
}

// Diagnostics carries the per-phase timing and confidence signals the
// client uses to judge whether to trust or double check an answer.
type Diagnostics struct {
	RetrievalMs      int64   `json:"retrieval_ms,omitempty"`
	RerankMs         int64   `json:"rerank_ms,omitempty"`
	GenerationMs     int64   `json:"generation_ms,omitempty"`
	EndToEndMs       int64   `json:"end_to_end_ms"`
	CitationCoverage float64 `json:"citation_coverage"`
	LowConfidence    bool    `json:"low_confidence"`
	ReviewSuggested  bool    `json:"review_suggested,omitempty"`
	Degraded         bool    `json:"degraded,omitempty"`
}

// Response is the full answer returned to the client, streaming or not.
type Response struct {
	SessionID    string      `json:"session_id"`
	Answer       string      `json:"answer"`
	Citations    []Citation  `json:"citations"`
	Diagnostics  Diagnostics `json:"diagnostics"`
	MissingSlots []string    `json:"missing_slots,omitempty"`
}

// ChatMessage is one role-tagged turn sent to the chat-completion provider.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is the generation call made in orchestrator phase 7.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float32
	TopP        float32
	MaxTokens   int
	Stop        []string
}
