package chunk

import "errors"

// Chunk session error types.
var (
	ErrSessionNotFound   = errors.New("upload session not found")
	ErrChunkOutOfRange   = errors.New("chunk index out of range")
	ErrInvalidChunkCount = errors.New("invalid chunk count")
)
