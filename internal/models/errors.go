package models

import "errors"

// Domain error taxonomy. Callers branch with errors.Is; the HTTP layer
// maps each sentinel to a status code.
var (
	// ErrValidation marks malformed input (e.g. non-numeric coordinates).
	// Surfaced immediately, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a ride id with no backing record.
	ErrNotFound = errors.New("ride not found")

	// ErrAlreadyAssigned is what a losing driver sees in the accept race.
	// Expected under normal concurrent operation, not a system fault.
	ErrAlreadyAssigned = errors.New("ride already assigned")

	// ErrForbidden marks a wrong identity attempting a privileged
	// transition or publish. Rejected and logged, never downgraded.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition marks an illegal status edge. The ride is
	// left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
)
