package namespace

import "errors"

// Namespace error types.
var (
	ErrNotFound     = errors.New("node not found")
	ErrNameConflict = errors.New("name already in use")
	ErrCyclicMove   = errors.New("cannot move a folder into itself or its descendants")
	ErrNotFolder    = errors.New("target is not a folder")
)
