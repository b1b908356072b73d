package mutation

import "errors"

// Errors returned by queue operations.
var (
	// ErrNilBuffer indicates a request was built without a target buffer.
	ErrNilBuffer = errors.New("mutation request has no buffer")

	// ErrNilWork indicates a request was built without work.
	ErrNilWork = errors.New("mutation request has no work")

	// ErrWorkerStopped indicates a dispatch after the worker was stopped.
	ErrWorkerStopped = errors.New("mutation worker stopped")

	// ErrDiscarded indicates a waited-on request was discarded by Reset.
	ErrDiscarded = errors.New("mutation request discarded")

	// ErrQueueClosed indicates a request made after Shutdown.
	ErrQueueClosed = errors.New("mutation queue closed")
)
