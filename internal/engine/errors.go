package engine

import "errors"

// Sentinel errors returned from the engine's public operations. Callers
// branch on these with errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrQueueFull indicates the ready queue is at capacity; no Run row
	// was created.
	ErrQueueFull = errors.New("render queue is full")

	// ErrNotFound indicates the referenced run or plan does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotRetryable indicates the run is not in a terminal retryable state.
	ErrNotRetryable = errors.New("run is not retryable")

	// ErrNotCancelable indicates the run is already terminal.
	ErrNotCancelable = errors.New("run is not cancelable")

	// ErrShuttingDown indicates the engine no longer accepts new work.
	ErrShuttingDown = errors.New("engine is shutting down")

	// ErrPrecondition indicates an external prerequisite (provider
	// readiness, toolchain availability) is unmet; no Run row was created.
	ErrPrecondition = errors.New("precondition failed")

	// ErrVerificationFailed is returned by the finalize step when artifact
	// verification fails. The engine maps it to the qa_failed terminal state.
	ErrVerificationFailed = errors.New("artifact verification failed")
)
