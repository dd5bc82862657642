package tool

import "errors"

var (
	// ErrOutsideWorkspace is returned for paths that escape the workspace.
	ErrOutsideWorkspace = errors.New("path is outside the workspace")

	// ErrTooLarge is returned when a file exceeds the read limit.
	ErrTooLarge = errors.New("file exceeds read limit")

	// ErrNotFile is returned when a path names a directory where a file is expected.
	ErrNotFile = errors.New("not a regular file")

	// ErrFetchScheme is returned for URLs that are not http or https.
	ErrFetchScheme = errors.New("only http and https URLs can be fetched")
)
