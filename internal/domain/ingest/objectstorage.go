package ingest

import (
	"context"
	"io"
)

// ObjectStorage persists the raw bytes an upload arrived with, keyed by an
// opaque key (the upload's sha256 by convention). The extractor reads from
// it; retention sweeps delete by key once UploadRecord.ExpiresAt passes.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// StoredObject captures persisted blob metadata.
type StoredObject struct {
	Key      string
	Size     int64
	MimeType string
	ETag     string
}
