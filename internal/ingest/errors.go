package ingest

import "errors"

// Ingestion error types.
var (
	ErrQuotaExceeded     = errors.New("storage quota exceeded")
	ErrIncompleteUpload  = errors.New("upload incomplete")
	ErrIntegrityMismatch = errors.New("content hash mismatch")
)
