package scheduler

import "errors"

// Caller-facing error kinds. Returned errors wrap one of these; test with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrStorage      = errors.New("storage unavailable")
	ErrInvalidState = errors.New("invalid task state")
	ErrNotFound     = errors.New("task not found")
	// ErrDuplicate is returned for a SubmitRequest with Unique set when an
	// unfinished task already uploads the same video to the same platform.
	ErrDuplicate = errors.New("video already queued")
)
