// Package memchunkstore is the offline/test variant of the chunk store:
// same shadow-key/atomic-swap contract as the Postgres-backed store, held
// in process memory.
package memchunkstore

import (
	"context"
	"sync"
	"time"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
)

// Store is a mutex-guarded in-memory ingest.ChunkStore.
type Store struct {
	mu        sync.RWMutex
	documents map[string]ingest.Document
	chunks    map[string][]ingest.Chunk // doc_id -> current-version chunks
	errors    []string
}

// New constructs an empty in-memory chunk store.
func New() *Store {
	return &Store{
		documents: make(map[string]ingest.Document),
		chunks:    make(map[string][]ingest.Chunk),
	}
}

func (s *Store) PutDocument(_ context.Context, doc ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.documents[doc.DocID]; ok {
		doc.Version = existing.Version + 1
	} else if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	s.documents[doc.DocID] = doc
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, docID)
	delete(s.chunks, docID)
	return nil
}

// PutChunks replaces the chunk set for docID in a single locked step — the
// map assignment below is the atomic swap commit point.
func (s *Store) PutChunks(_ context.Context, docID string, chunks []ingest.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replacement := append([]ingest.Chunk(nil), chunks...)
	s.chunks[docID] = replacement
	return nil
}

func (s *Store) ListDocuments(_ context.Context) ([]ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Document, 0, len(s.documents))
	for _, doc := range s.documents {
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) GetDocument(_ context.Context, docID string) (ingest.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[docID]
	return doc, ok, nil
}

// IterChunks takes a read lock for the duration of the snapshot copy, then
// iterates the copy outside the lock so fn may itself call back into the
// store without deadlocking.
func (s *Store) IterChunks(_ context.Context, fn func(ingest.Chunk, ingest.Document) error) error {
	s.mu.RLock()
	type pair struct {
		chunk ingest.Chunk
		doc   ingest.Document
	}
	var snapshot []pair
	for docID, chunks := range s.chunks {
		doc, ok := s.documents[docID]
		if !ok {
			continue
		}
		for _, c := range chunks {
			snapshot = append(snapshot, pair{chunk: c, doc: doc})
		}
	}
	s.mu.RUnlock()

	for _, p := range snapshot {
		if err := fn(p.chunk, p.doc); err != nil {
			return err
		}
	}
	return nil
}

// PutEmbedding updates the stored vector in place for the chunk_id across
// whichever document's current chunk slice holds it.
func (s *Store) PutEmbedding(_ context.Context, chunkID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for docID, chunks := range s.chunks {
		for i, c := range chunks {
			if c.ChunkID == chunkID {
				chunks[i].Embedding = append([]float32(nil), embedding...)
				s.chunks[docID] = chunks
				return nil
			}
		}
	}
	return nil
}

func (s *Store) GetChunk(_ context.Context, chunkID string) (ingest.Chunk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, chunks := range s.chunks {
		for _, c := range chunks {
			if c.ChunkID == chunkID {
				return c, true, nil
			}
		}
	}
	return ingest.Chunk{}, false, nil
}

func (s *Store) Health(_ context.Context) (ingest.IndexHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunkCount := 0
	last := time.Time{}
	for _, chunks := range s.chunks {
		chunkCount += len(chunks)
	}
	for _, doc := range s.documents {
		if doc.UpdatedAt.After(last) {
			last = doc.UpdatedAt
		}
	}
	return ingest.IndexHealth{
		DocumentCount: len(s.documents),
		ChunkCount:    chunkCount,
		LastBuildAt:   last,
		Errors:        append([]string(nil), s.errors...),
	}, nil
}

// RecordError appends a bounded diagnostic string, mirroring health.errors
// in the spec (bounded list of recent failure strings).
func (s *Store) RecordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
	if len(s.errors) > 20 {
		s.errors = s.errors[len(s.errors)-20:]
	}
}

var _ ingest.ChunkStore = (*Store)(nil)
