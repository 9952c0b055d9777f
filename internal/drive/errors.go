package drive

import "errors"

// Drive error types. Errors from the storage packages are returned
// wrapped and can be matched with errors.Is against their own sentinels.
var (
	ErrInvalidName = errors.New("invalid file name")
	ErrIsFolder    = errors.New("node is a folder")
)
