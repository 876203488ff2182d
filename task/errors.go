package task

import "errors"

var (
	// ErrDuplicateSubmission is returned by Submit when a non-terminal task
	// already exists for the item. Query or cancel the existing task instead.
	ErrDuplicateSubmission = errors.New("download already in progress")

	// ErrAlreadyExists is the registry-level form of ErrDuplicateSubmission.
	ErrAlreadyExists = errors.New("active task already registered")

	// ErrCancelled marks a transfer stopped on request. Transferers wrap it
	// so the scheduler can tell cancellation apart from I/O faults.
	ErrCancelled = errors.New("download cancelled")

	ErrInvalidItem    = errors.New("invalid item")
	ErrInvalidQuality = errors.New("invalid quality")
	ErrClosed         = errors.New("manager closed")
)
