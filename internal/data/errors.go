package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job record does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobIDRequired is returned when an operation is called with a blank id.
	ErrJobIDRequired = errors.New("job id is required")
	// ErrIdempotencyKeyRequired is returned by key lookups called with a blank key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrCreateRequestRequired is returned when Create is called with a nil request.
	ErrCreateRequestRequired = errors.New("create job request is required")
)
