// Package ingest holds the data model and component interfaces for the
// ingestion and indexing pipeline: extraction, chunking, the chunk store,
// and the asynchronous job queue.
package ingest

import "time"

// Document is the stable record for one ingested source. A doc_id maps to
// exactly one current row; re-ingesting the same doc_id with changed
// content bumps Version by one, while re-ingesting unchanged content (same
// checksum) leaves the row and its Version as they are.
type Document struct {
	DocID     string            `json:"doc_id"`
	SourceName string           `json:"source_name"`
	Language  string            `json:"language"`
	URL       string            `json:"url,omitempty"`
	Domain    string            `json:"domain,omitempty"`
	Freshness string            `json:"freshness,omitempty"`
	Checksum  string            `json:"checksum"`
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// ChunkMeta carries the anchor metadata a chunk was extracted with.
type ChunkMeta struct {
	Page      int    `json:"page,omitempty"`
	Section   string `json:"section,omitempty"`
	Paragraph int    `json:"paragraph,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Chunk is the unit of retrieval: a contiguous span of a document version.
type Chunk struct {
	ChunkID  string    `json:"chunk_id"`
	DocID    string    `json:"doc_id"`
	Ordinal  int       `json:"ordinal"`
	Text     string    `json:"text"`
	StartIdx int       `json:"start_idx"`
	EndIdx   int       `json:"end_idx"`
	Meta     ChunkMeta `json:"metadata"`
	// Embedding is the last dense vector computed for this chunk's text,
	// persisted by the hybrid index so an unchanged chunk is not
	// re-embedded on the next rebuild. Nil until the first rebuild that
	// covers it.
	Embedding []float32 `json:"-"`
}

// UploadRecord describes an opaque uploaded blob. The byte store itself is
// out of scope; this is the sidecar metadata the core persists alongside it.
type UploadRecord struct {
	UploadID      string    `json:"upload_id"`
	Filename      string    `json:"filename"`
	SHA256        string    `json:"sha256"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	Purpose       string    `json:"purpose"` // "chat" | "rag"
	RetentionDays int       `json:"retention_days"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	StoredAt      time.Time `json:"stored_at"`
}

// JobStatus enumerates the IngestJob lifecycle.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IngestJob is a durable record of one asynchronous ingest request.
type IngestJob struct {
	JobID       string         `json:"job_id"`
	Payload     IngestRequest  `json:"payload"`
	Actor       string         `json:"actor"`
	Status      JobStatus      `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	QueuedAt    time.Time      `json:"queued_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// IngestRequest is the payload carried by an IngestJob and accepted by the
// synchronous ingest endpoint.
type IngestRequest struct {
	DocID       string            `json:"doc_id"`
	SourceName  string            `json:"source_name"`
	Language    string            `json:"language"`
	URL         string            `json:"url,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Content     []byte            `json:"-"`
	Text        string            `json:"content,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	OCRFallback bool              `json:"ocr_fallback,omitempty"`
}

// IndexHealth reflects the most recently committed index generation.
type IndexHealth struct {
	DocumentCount int       `json:"document_count"`
	ChunkCount    int       `json:"chunk_count"`
	LastBuildAt   time.Time `json:"last_build_at"`
	Errors        []string  `json:"errors,omitempty"`
}

// IngestResponse is returned by synchronous ingest calls.
type IngestResponse struct {
	DocID      string      `json:"doc_id"`
	Version    int         `json:"version"`
	ChunkCount int         `json:"chunk_count"`
	Health     IndexHealth `json:"index_health"`
}

// JobEnqueueResponse is returned immediately by an async ingest call.
type JobEnqueueResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}
