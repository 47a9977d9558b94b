package action

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestComputeRetryDelay_Linear(t *testing.T) {
	p := RetryPolicy{Backoff: BackoffLinear, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	assertEqual(t, computeRetryDelay(p, 1), 50*time.Millisecond)
	assertEqual(t, computeRetryDelay(p, 2), 100*time.Millisecond)
	assertEqual(t, computeRetryDelay(p, 3), 150*time.Millisecond)
}

func TestComputeRetryDelay_Exponential(t *testing.T) {
	p := RetryPolicy{Backoff: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute}
	assertEqual(t, computeRetryDelay(p, 1), 100*time.Millisecond)
	assertEqual(t, computeRetryDelay(p, 2), 200*time.Millisecond)
	assertEqual(t, computeRetryDelay(p, 3), 400*time.Millisecond)
}

func TestComputeRetryDelay_CappedAtMaxDelay(t *testing.T) {
	p := RetryPolicy{Backoff: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	assertEqual(t, computeRetryDelay(p, 5), 250*time.Millisecond)
}

func TestComputeRetryDelay_JitterStaysInRange(t *testing.T) {
	p := RetryPolicy{Backoff: BackoffLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := computeRetryDelay(p, 1)
		if d < 50*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("jittered delay %v out of [0.5,1.0) * 100ms range", d)
		}
	}
}

func TestComputeRetryDelay_JitterStillVariesWhenRawDelayExceedsCap(t *testing.T) {
	// BaseDelay=100ms, exponential, MaxDelay=1000ms, attempt 6: raw delay is
	// 3200ms. Capping before jitter means jitter samples from [500,1000)ms
	// instead of collapsing to a single deterministic capped value.
	p := RetryPolicy{Backoff: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}

	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		d := computeRetryDelay(p, 6)
		if d < 500*time.Millisecond || d >= time.Second {
			t.Fatalf("capped+jittered delay %v out of [500ms,1s) range", d)
		}
		seen[d] = true
	}
	if len(seen) <= 1 {
		t.Fatal("expected jitter to produce varying delays once capped, got a single deterministic value")
	}
}

func TestSafeShouldRetry_NilMeansAlwaysRetry(t *testing.T) {
	assertTrue(t, safeShouldRetry(nil, errors.New("x"), defaultLogger()), "nil predicate should default to retry")
}

func TestSafeShouldRetry_PanicTreatedAsDoNotRetry(t *testing.T) {
	log, captured := newCapturingLogger()
	got := safeShouldRetry(func(error) bool { panic("boom") }, errors.New("x"), log)
	assertTrue(t, !got, "panicking predicate must be treated as do-not-retry")

	if len(captured.records()) != 1 {
		t.Fatalf("expected the panic to be logged once, got %d records", len(captured.records()))
	}
	if captured.records()[0].Level != slog.LevelError {
		t.Fatalf("expected an error-level log record, got %v", captured.records()[0].Level)
	}
}

func TestSafeShouldRetry_DelegatesToPredicate(t *testing.T) {
	got := safeShouldRetry(func(error) bool { return false }, errors.New("x"), defaultLogger())
	assertTrue(t, !got, "expected predicate's false to be honored")
}
