package scrape

import "errors"

var (
	// ErrNotFound is returned when a job or item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a control operation is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidJob is returned when a registration request is malformed.
	ErrInvalidJob = errors.New("invalid job")
)
