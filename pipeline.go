package action

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy is the §4.F/§6 retry configuration (`.SetRetry`).
type RetryPolicy struct {
	MaxRetries  int
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	ShouldRetry func(error) bool
}

// BackoffKind selects the retry delay formula (§4.F).
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  0,
		Backoff:     BackoffExponential,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      false,
		ShouldRetry: func(error) bool { return true },
	}
}

// TimeoutPolicy is the §4.F/§6 per-attempt timeout configuration
// (`.SetTimeout`). Duration <= 0 means no timeout is configured.
type TimeoutPolicy struct {
	Duration       time.Duration
	ThrowOnTimeout bool
	AbortSignal    bool
}

// computeRetryDelay implements §4.F's delay formula: linear or exponential
// backoff, capped at MaxDelay, then optional jitter, floored at 0 and to
// whole milliseconds. attemptNumber is 1-based (the retry about to be
// attempted). The cap is applied before jitter so jitter still has an
// effect on heavily-backed-off attempts that would otherwise collapse to a
// single deterministic capped value.
func computeRetryDelay(policy RetryPolicy, attemptNumber int) time.Duration {
	base := float64(policy.BaseDelay)
	var delay float64
	switch policy.Backoff {
	case BackoffLinear:
		delay = base * float64(attemptNumber)
	default:
		delay = base * math.Pow(2, float64(attemptNumber-1))
	}

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	d := time.Duration(delay).Truncate(time.Millisecond)
	if d < 0 {
		d = 0
	}
	return d
}

// safeShouldRetry applies §4.F: "an exception thrown by shouldRetry is
// treated as do not retry", logging the panic per §7's "Retry predicate
// throws | treat as do not retry | logged to error sink" row.
func safeShouldRetry(shouldRetry func(error) bool, err error, log *slog.Logger) (retry bool) {
	if shouldRetry == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			retry = false
			log.Error("action: shouldRetry predicate panicked", slog.Any("recover", r), slog.Any("error", err))
		}
	}()
	return shouldRetry(err)
}

// attemptOutcome accumulates everything the terminal wide event (§3/§4.F)
// needs once the attempt loop settles.
type attemptOutcome struct {
	value any
	err   error

	totalAttempts int
	isRetry       bool
	retryDelays   []time.Duration

	timedOut      bool
	executionTime time.Duration

	cancelled    bool
	cancelReason string
	cancelledAt  CancellationState
}

// pipelineHandler is the type-erased handler shape the pipeline executes —
// action.go's generic Action[In,Out] adapts its typed handler down to this
// at the Invoke boundary, storing the result as `any` regardless of what
// the caller's closure produced.
type pipelineHandler func(ctx context.Context, input any) (any, error)

// runAttempts is the §4.F attempt loop, run once the scheduler has admitted
// the task: races timeout/cancellation, and retries on failure per policy. It emits intermediate wide events
// itself (through ic/onEvent) since only it knows when a retry is about to
// happen; the caller builds and emits the terminal event from the returned
// attemptOutcome.
func runAttempts(
	token context.Context,
	handler pipelineHandler,
	input any,
	ic *InvocationContext,
	retry RetryPolicy,
	timeout TimeoutPolicy,
	actionName string,
	actionID, traceID uuid.UUID,
	priority int,
	onEvent EventObserver,
	log *slog.Logger,
) attemptOutcome {
	var out attemptOutcome

	for attempt := 0; ; attempt++ {
		if token.Err() != nil {
			state := CancelledRunning
			if attempt == 0 {
				state = CancelledQueued
			}
			out.cancelled = true
			out.cancelledAt = state
			out.cancelReason = cancelReason(token)
			out.err = newCancellationError(state, out.cancelReason)
			out.totalAttempts = attempt
			return out
		}

		attemptStart := time.Now()
		value, err, timedOut := runSingleAttempt(token, handler, input, timeout)
		out.executionTime = time.Since(attemptStart)
		out.totalAttempts = attempt + 1

		if err == nil && !timedOut {
			out.value = value
			return out
		}

		if timedOut {
			out.timedOut = true
			metricTimeouts.WithLabelValues(actionName).Inc()
			out.err = &TimeoutError{Duration: timeout.Duration}
		} else {
			out.err = err
		}

		// Cancellation always wins over timeout/error (§5): if the token
		// fired during or because of this attempt, report cancellation.
		if token.Err() != nil {
			out.cancelled = true
			out.cancelledAt = CancelledRunning
			out.cancelReason = cancelReason(token)
			out.err = newCancellationError(CancelledRunning, out.cancelReason)
			return out
		}

		if attempt >= retry.MaxRetries || !safeShouldRetry(retry.ShouldRetry, out.err, log) {
			// Timeout is treated as an error for retry purposes even when
			// ThrowOnTimeout is false; only once no further retry will
			// happen does the non-throwing path materialize as success.
			if out.timedOut && !timeout.ThrowOnTimeout {
				out.value = nil
				out.err = nil
			}
			return out
		}

		delay := computeRetryDelay(retry, attempt+1)
		out.retryDelays = append(out.retryDelays, delay)
		out.isRetry = true

		emitIntermediateEvent(ic, onEvent, log, actionID, traceID, priority, input, out, attempt)
		metricRetries.WithLabelValues(actionName).Inc()

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-token.Done():
				timer.Stop()
				out.cancelled = true
				out.cancelledAt = CancelledRetryDelay
				out.cancelReason = cancelReason(token)
				out.err = newCancellationError(CancelledRetryDelay, out.cancelReason)
				return out
			}
		}
	}
}

// runSingleAttempt executes one handler attempt, racing it against the
// cancellation token and, if configured, a per-attempt timeout (§4.F
// steps 2-3).
func runSingleAttempt(token context.Context, handler pipelineHandler, input any, timeout TimeoutPolicy) (any, error, bool) {
	if timeout.Duration <= 0 {
		return raceAgainstToken(token, handler, input)
	}

	timer := time.NewTimer(timeout.Duration)
	defer timer.Stop()

	if timeout.AbortSignal {
		attemptCtx, cancel := context.WithCancel(token)
		defer cancel()

		resultCh := make(chan schedResult, 1)
		go runHandlerGuarded(attemptCtx, handler, input, resultCh)

		select {
		case r := <-resultCh:
			return r.value, r.err, false
		case <-timer.C:
			cancel()
			return nil, nil, true
		case <-token.Done():
			return nil, token.Err(), false
		}
	}

	resultCh := make(chan schedResult, 1)
	// Forced mode: the handler keeps running in the background even after
	// the pipeline stops waiting on it; its eventual result is simply
	// never read (§4.F: "may still run to completion... its result is
	// discarded").
	go runHandlerGuarded(token, handler, input, resultCh)

	select {
	case r := <-resultCh:
		return r.value, r.err, false
	case <-timer.C:
		return nil, nil, true
	case <-token.Done():
		return nil, token.Err(), false
	}
}

func raceAgainstToken(token context.Context, handler pipelineHandler, input any) (any, error, bool) {
	resultCh := make(chan schedResult, 1)
	go runHandlerGuarded(token, handler, input, resultCh)

	select {
	case r := <-resultCh:
		return r.value, r.err, false
	case <-token.Done():
		return nil, token.Err(), false
	}
}

// runHandlerGuarded runs handler and recovers a panic into ErrHandlerPanicked
// instead of letting it crash the dispatching goroutine.
func runHandlerGuarded(ctx context.Context, handler pipelineHandler, input any, resultCh chan<- schedResult) {
	defer func() {
		if r := recover(); r != nil {
			resultCh <- schedResult{err: fmt.Errorf("%w: %v", ErrHandlerPanicked, r)}
		}
	}()
	v, err := handler(ctx, input)
	resultCh <- schedResult{value: v, err: err}
}

// emitIntermediateEvent builds and delivers a non-terminal wide event for a
// failed attempt that will be retried (§4.F "Event emission").
func emitIntermediateEvent(ic *InvocationContext, onEvent EventObserver, log *slog.Logger, actionID, traceID uuid.UUID, priority int, input any, out attemptOutcome, attempt int) {
	ev := &WideEvent{
		ActionID:      actionID,
		TraceID:       traceID,
		StartedAt:     time.Now().Add(-out.executionTime),
		CompletedAt:   time.Now(),
		Duration:      out.executionTime,
		Priority:      priority,
		Input:         input,
		Err:           out.err,
		Attachments:   ic.Attachments(),
		Depth:         ic.Depth(),
		RetryAttempt:  attempt,
		TotalAttempts: out.totalAttempts,
		IsRetry:       true,
		WillRetry:     true,
		RetryDelays:   out.retryDelays,
		TimedOut:      out.timedOut,
		ExecutionTime: out.executionTime,
	}
	ev.finalizeDurations()
	emitEvent(onEvent, ev, log)
}
