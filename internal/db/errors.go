package db

import "errors"

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a create hits an existing key or a
	// conditional update loses to a concurrent writer.
	ErrConflict = errors.New("record changed concurrently")
)
