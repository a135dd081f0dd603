package kernel

import "errors"

// Operation errors. The HTTP layer maps these onto status codes, so
// every failure mode callers can act on has its own sentinel.
var (
	// ErrNotFound means the island, team or queue entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists means the player or team already has an island,
	// or the queue already holds an equivalent entry.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState means the operation is not legal from the
	// island's current lifecycle status.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrCapacityExhausted means the running cap blocked immediate
	// admission and the request was not queued.
	ErrCapacityExhausted = errors.New("running capacity exhausted")
	// ErrRetryExceeded means a queued update burned through its retry
	// budget.
	ErrRetryExceeded = errors.New("retry budget exceeded")
)
