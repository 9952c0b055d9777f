package blob

import "errors"

// Blob store error types.
var (
	ErrNotFound          = errors.New("blob not found")
	ErrNoVolumeAvailable = errors.New("no storage volume available")
	ErrInvalidHash       = errors.New("invalid content hash")
)
