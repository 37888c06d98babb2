package repository

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a version-conditional update
	// matched no row: the document changed underneath the caller.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicatePath is returned when a collection path already exists
	// in a live collection.
	ErrDuplicatePath = errors.New("duplicate collection path")
)
