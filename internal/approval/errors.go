package approval

import "errors"

var (
	// ErrTimeout is returned when an approval request is not resolved in time.
	ErrTimeout = errors.New("approval request timed out")

	// ErrNotFound is returned when no approval exists for a call id.
	ErrNotFound = errors.New("approval not found")

	// ErrAlreadyResolved is returned when a second decision is submitted
	// for the same call id.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrExpired is returned when resolving an approval that already timed out.
	ErrExpired = errors.New("approval expired")

	// ErrConflict is returned by a Store when a compare-and-set transition
	// does not find the expected status.
	ErrConflict = errors.New("approval status conflict")

	// ErrDuplicate is returned when registering a call id twice.
	ErrDuplicate = errors.New("approval already registered")

	// ErrInMultipleLists is returned when a tool path appears in conflicting
	// policy lists (e.g., both allow and deny).
	ErrInMultipleLists = errors.New("tool path appears in conflicting policy lists")
)
