package taps

import "errors"

// Error taxonomy surfaced to the frontend adapter. Stale wake events
// are deliberately absent: a version mismatch at fire time is the
// normal outcome of an edit, not a failure.
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrConcurrentEdit = errors.New("concurrent edit conflict")
	ErrUnauthorized   = errors.New("not authorized")
)
