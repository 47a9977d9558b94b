package action

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrActionNotFound names the "invocation id has no known handle" case.
	// No function in this package returns it: cancelling an unknown id
	// reports false instead.
	ErrActionNotFound = errors.New("action: invocation not found")

	// ErrHandlerPanicked wraps a recovered panic from a handler invocation.
	ErrHandlerPanicked = errors.New("action: handler panicked")

	// ErrInvalidPriority is raised synchronously when a priority falls
	// outside [0,100] or is non-finite.
	ErrInvalidPriority = errors.New("action: priority must be finite and in [0,100]")

	// ErrInvalidConcurrency is raised synchronously by SetConcurrency.
	ErrInvalidConcurrency = errors.New("action: concurrency must be a positive integer")

	// ErrInvalidRateLimit is raised synchronously by SetRateLimit.
	ErrInvalidRateLimit = errors.New("action: rate limit must be a positive number or +Inf")

	// ErrInvalidTimeout is raised synchronously by SetTimeout.
	ErrInvalidTimeout = errors.New("action: timeout duration must be > 0")

	// ErrInvalidRetryPolicy is raised synchronously by SetRetry.
	ErrInvalidRetryPolicy = errors.New("action: invalid retry policy")

	// ErrInvalidThrottle is raised synchronously by OnProgress.
	ErrInvalidThrottle = errors.New("action: progress throttle must be >= 0")
)

// CancellationState records the lifecycle phase a cancellation occurred in.
type CancellationState string

const (
	CancelledQueued     CancellationState = "queued"
	CancelledRunning    CancellationState = "running"
	CancelledRetryDelay CancellationState = "retry-delay"
)

// TimeoutError is surfaced when a per-attempt timeout fires before the
// handler returns.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action: timed out after %s", e.Duration)
}

// Is lets callers match TimeoutError with errors.Is(err, ErrTimeout).
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ErrTimeout is the sentinel matched by errors.Is against any *TimeoutError.
var ErrTimeout = errors.New("action: timeout")

// CancellationError is surfaced whenever an invocation is cancelled, in any
// lifecycle phase. It is never retried.
type CancellationError struct {
	Reason string
	State  CancellationState
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("action: cancelled (%s)", e.State)
	}
	return fmt.Sprintf("action: cancelled (%s): %s", e.State, e.Reason)
}

// Is lets callers match CancellationError with errors.Is(err, ErrCancelled).
func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

// ErrCancelled is the sentinel matched by errors.Is against any
// *CancellationError.
var ErrCancelled = errors.New("action: cancelled")

func newCancellationError(state CancellationState, reason string) *CancellationError {
	return &CancellationError{Reason: reason, State: state}
}
