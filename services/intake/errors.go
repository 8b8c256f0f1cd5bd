package intake

import "errors"

var (
	// ErrDuplicateID is returned when a capture with the same id already
	// exists. A caller retrying a crashed create sees this, not a second row.
	ErrDuplicateID = errors.New("capture id already exists")

	// ErrNotFound is returned when a capture does not exist.
	ErrNotFound = errors.New("capture not found")

	// ErrStateConflict is returned by conditional transitions when the row's
	// current state no longer matches the caller's expectation. Expected
	// under concurrent sync passes; callers skip the row.
	ErrStateConflict = errors.New("capture state conflict")

	// ErrInvalidState is returned when an operation is not valid for the
	// capture's current state, e.g. retrying a capture that already synced.
	ErrInvalidState = errors.New("capture in invalid state for operation")
)
