package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a tenant credential or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a record with the given key already exists.
	ErrConflict = errors.New("already exists")

	// ErrUnavailable wraps failures reaching a backing store. Callers treat
	// it as an infrastructure fault, never as a client fault.
	ErrUnavailable = errors.New("store unavailable")
)
