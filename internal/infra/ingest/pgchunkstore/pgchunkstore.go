// Package pgchunkstore persists documents and chunks in Postgres, using the
// shadow-key/atomic-swap discipline: a new document version's chunks are
// inserted tagged with that version, then a single UPDATE flips the
// document's current_version, which is the commit point iter_chunks and
// get_chunk observe.
package pgchunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
)

// Store implements ingest.ChunkStore on top of a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Postgres-backed chunk store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) PutDocument(ctx context.Context, doc ingest.Document) error {
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (doc_id, source_name, language, url, domain, freshness, checksum, version, current_version, updated_at, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10)
		ON CONFLICT (doc_id) DO UPDATE SET
			source_name = EXCLUDED.source_name,
			language = EXCLUDED.language,
			url = EXCLUDED.url,
			domain = EXCLUDED.domain,
			freshness = EXCLUDED.freshness,
			checksum = EXCLUDED.checksum,
			version = documents.version + 1,
			current_version = documents.version + 1,
			updated_at = EXCLUDED.updated_at,
			tags = EXCLUDED.tags
	`, doc.DocID, doc.SourceName, doc.Language, doc.URL, doc.Domain, doc.Freshness, doc.Checksum, doc.Version, doc.UpdatedAt, tags)
	return err
}

func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM chunks WHERE doc_id = $1`, docID)
	batch.Queue(`DELETE FROM documents WHERE doc_id = $1`, docID)
	return s.pool.SendBatch(ctx, batch).Close()
}

// PutChunks writes the new chunk set under the document's next version,
// then atomically advances current_version in the same transaction — the
// shadow-key-then-swap commit point. A crash before the UPDATE leaves the
// previous version's chunks the ones iter_chunks/get_chunk observe.
func (s *Store) PutChunks(ctx context.Context, docID string, chunks []ingest.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var nextVersion int
	if err := tx.QueryRow(ctx, `SELECT version + 1 FROM documents WHERE doc_id = $1`, docID).Scan(&nextVersion); err != nil {
		return fmt.Errorf("resolve next version for %s: %w", docID, err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		meta, err := json.Marshal(c.Meta)
		if err != nil {
			return fmt.Errorf("encode chunk metadata: %w", err)
		}
		// embedding is NULL on first write; Index.Rebuild backfills it via
		// PutEmbedding once the dense vector has been computed, so a chunk
		// whose text is unchanged across ingest replays keeps its vector.
		var embedding any
		if len(c.Embedding) > 0 {
			embedding = marshalEmbedding(c.Embedding)
		}
		batch.Queue(`
			INSERT INTO chunks (chunk_id, doc_id, doc_version, ordinal, text, start_idx, end_idx, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (chunk_id) DO UPDATE SET
				text = EXCLUDED.text, start_idx = EXCLUDED.start_idx, end_idx = EXCLUDED.end_idx, metadata = EXCLUDED.metadata,
				embedding = CASE WHEN chunks.text = EXCLUDED.text THEN chunks.embedding ELSE NULL END
		`, c.ChunkID, docID, nextVersion, c.Ordinal, c.Text, c.StartIdx, c.EndIdx, meta, embedding)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert shadow chunks: %w", err)
	}

	// Commit point: readers snapshotting current_version still see the
	// prior generation until this statement lands.
	if _, err := tx.Exec(ctx, `
		UPDATE documents SET version = $2, current_version = $2, updated_at = NOW() WHERE doc_id = $1
	`, docID, nextVersion); err != nil {
		return fmt.Errorf("swap current_version: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE doc_id = $1 AND doc_version < $2`, docID, nextVersion); err != nil {
		return fmt.Errorf("prune stale chunk versions: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) ListDocuments(ctx context.Context) ([]ingest.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, source_name, language, url, domain, freshness, checksum, current_version, updated_at, tags
		FROM documents ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []ingest.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) GetDocument(ctx context.Context, docID string) (ingest.Document, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, source_name, language, url, domain, freshness, checksum, current_version, updated_at, tags
		FROM documents WHERE doc_id = $1 LIMIT 1
	`, docID)
	if err != nil {
		return ingest.Document{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return ingest.Document{}, false, rows.Err()
	}
	doc, err := scanDocument(rows)
	if err != nil {
		return ingest.Document{}, false, err
	}
	return doc, true, nil
}

// IterChunks streams (chunk, doc) pairs for each document's current_version
// only, via a single query so the result is one consistent snapshot.
func (s *Store) IterChunks(ctx context.Context, fn func(ingest.Chunk, ingest.Document) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT c.chunk_id, c.doc_id, c.ordinal, c.text, c.start_idx, c.end_idx, c.metadata, c.embedding,
			d.doc_id, d.source_name, d.language, d.url, d.domain, d.freshness, d.checksum, d.current_version, d.updated_at, d.tags
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id AND d.current_version = c.doc_version
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chunk    ingest.Chunk
			doc      ingest.Document
			metaRaw  []byte
			tagsRaw  []byte
			embedRaw any
		)
		if err := rows.Scan(
			&chunk.ChunkID, &chunk.DocID, &chunk.Ordinal, &chunk.Text, &chunk.StartIdx, &chunk.EndIdx, &metaRaw, &embedRaw,
			&doc.DocID, &doc.SourceName, &doc.Language, &doc.URL, &doc.Domain, &doc.Freshness, &doc.Checksum, &doc.Version, &doc.UpdatedAt, &tagsRaw,
		); err != nil {
			return err
		}
		_ = json.Unmarshal(metaRaw, &chunk.Meta)
		_ = json.Unmarshal(tagsRaw, &doc.Tags)
		if embedRaw != nil {
			if vec, err := normalizeEmbedding(embedRaw); err == nil {
				chunk.Embedding = vec
			}
		}
		if err := fn(chunk, doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) GetChunk(ctx context.Context, chunkID string) (ingest.Chunk, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT chunk_id, doc_id, ordinal, text, start_idx, end_idx, metadata
		FROM chunks WHERE chunk_id = $1 LIMIT 1
	`, chunkID)
	var (
		chunk   ingest.Chunk
		metaRaw []byte
	)
	if err := row.Scan(&chunk.ChunkID, &chunk.DocID, &chunk.Ordinal, &chunk.Text, &chunk.StartIdx, &chunk.EndIdx, &metaRaw); err != nil {
		if err == pgx.ErrNoRows {
			return ingest.Chunk{}, false, nil
		}
		return ingest.Chunk{}, false, err
	}
	_ = json.Unmarshal(metaRaw, &chunk.Meta)
	return chunk, true, nil
}

// PutEmbedding persists a chunk's dense vector after Index.Rebuild computes
// it, so the next rebuild's iter_chunks scan can skip re-embedding it.
func (s *Store) PutEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE chunks SET embedding = $2 WHERE chunk_id = $1`, chunkID, marshalEmbedding(embedding))
	return err
}

func (s *Store) Health(ctx context.Context) (ingest.IndexHealth, error) {
	var health ingest.IndexHealth
	row := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM chunks c JOIN documents d ON d.doc_id = c.doc_id AND d.current_version = c.doc_version),
			COALESCE((SELECT MAX(updated_at) FROM documents), NOW())
	`)
	if err := row.Scan(&health.DocumentCount, &health.ChunkCount, &health.LastBuildAt); err != nil {
		return ingest.IndexHealth{}, err
	}
	return health, nil
}

func scanDocument(rows pgx.Rows) (ingest.Document, error) {
	var (
		doc     ingest.Document
		tagsRaw []byte
	)
	if err := rows.Scan(&doc.DocID, &doc.SourceName, &doc.Language, &doc.URL, &doc.Domain, &doc.Freshness, &doc.Checksum, &doc.Version, &doc.UpdatedAt, &tagsRaw); err != nil {
		return ingest.Document{}, err
	}
	_ = json.Unmarshal(tagsRaw, &doc.Tags)
	return doc, nil
}

// marshalEmbedding and normalizeEmbedding mirror the teacher's pgvector
// handling, reused when the hybrid index persists dense vectors alongside
// chunk rows (see internal/domain/retrieval/index).
func marshalEmbedding(v []float32) pgvector.Vector { return pgvector.NewVector(v) }

func normalizeEmbedding(raw any) ([]float32, error) {
	switch v := raw.(type) {
	case pgvector.Vector:
		return append([]float32(nil), v.Slice()...), nil
	case []float32:
		return append([]float32(nil), v...), nil
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(v)
		trimmed = strings.TrimPrefix(trimmed, "[")
		trimmed = strings.TrimSuffix(trimmed, "]")
		if trimmed == "" {
			return nil, nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]float32, 0, len(parts))
		for _, p := range parts {
			numStr := strings.TrimSpace(p)
			if numStr == "" {
				continue
			}
			f, err := strconv.ParseFloat(numStr, 32)
			if err != nil {
				return nil, err
			}
			out = append(out, float32(f))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported embedding type %T", raw)
	}
}

var _ ingest.ChunkStore = (*Store)(nil)
