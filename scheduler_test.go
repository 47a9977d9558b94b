package action

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

func noopWork(_ context.Context) (any, error) { return nil, nil }

func TestScheduler_ConcurrencyLimitRespected(t *testing.T) {
	s := newScheduler("t", 2, math.Inf(1), defaultLogger())

	release := make(chan struct{})
	var runningNow int
	var mu sync.Mutex
	var maxSeen int

	work := func(_ context.Context) (any, error) {
		mu.Lock()
		runningNow++
		if runningNow > maxSeen {
			maxSeen = runningNow
		}
		mu.Unlock()
		<-release
		mu.Lock()
		runningNow--
		mu.Unlock()
		return nil, nil
	}

	var tasks []*schedTask
	for i := 0; i < 5; i++ {
		tasks = append(tasks, s.schedule(string(rune('a'+i)), PriorityNormal, context.Background(), work))
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, task := range tasks {
		<-task.settleCh
	}

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrently running, saw %d", maxSeen)
	}
}

// TestScheduler_PriorityOrdering exercises spec §8 scenario 1: concurrency
// 1, A holds the only slot; B(low), C(high), D(critical) queue behind it;
// execution-start order must be A, D, C, B.
func TestScheduler_PriorityOrdering(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())

	var mu sync.Mutex
	var order []string
	aHold := make(chan struct{})
	aStarted := make(chan struct{})

	startRecorder := func(label string) schedWork {
		return func(_ context.Context) (any, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			if label == "A" {
				close(aStarted)
				<-aHold
			}
			return nil, nil
		}
	}

	taskA := s.schedule("A", PriorityNormal, context.Background(), startRecorder("A"))
	<-aStarted

	taskB := s.schedule("B", PriorityLow, context.Background(), startRecorder("B"))
	taskC := s.schedule("C", PriorityHigh, context.Background(), startRecorder("C"))
	taskD := s.schedule("D", PriorityCritical, context.Background(), startRecorder("D"))

	time.Sleep(20 * time.Millisecond) // let B/C/D settle into the queue
	close(aHold)

	<-taskA.settleCh
	<-taskD.settleCh
	<-taskC.settleCh
	<-taskB.settleCh

	mu.Lock()
	defer mu.Unlock()
	want := []string{"A", "D", "C", "B"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

// TestScheduler_RateLimitEnforced exercises spec §8 scenario 2: rate limit
// 10/s, 15 immediate no-op submissions must take at least 1000ms wall time.
func TestScheduler_RateLimitEnforced(t *testing.T) {
	s := newScheduler("t", 100, 10, defaultLogger())

	start := time.Now()
	var tasks []*schedTask
	for i := 0; i < 15; i++ {
		tasks = append(tasks, s.schedule(string(rune('a'+i)), PriorityNormal, context.Background(), noopWork))
	}
	for _, task := range tasks {
		<-task.settleCh
	}
	elapsed := time.Since(start)

	if elapsed < 1000*time.Millisecond {
		t.Fatalf("expected wall time >= 1000ms, got %v", elapsed)
	}
	if elapsed >= 2000*time.Millisecond {
		t.Fatalf("expected wall time < 2000ms on a healthy host, got %v", elapsed)
	}
}

// TestScheduler_CancelQueued exercises spec §8 scenario 6: concurrency 1,
// inv1 running, inv2 queued; cancel(inv2) rejects inv2 with a queued
// CancellationError while inv1 completes normally, and only one handler
// invocation is observed.
func TestScheduler_CancelQueued(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())

	var invocations int
	var mu sync.Mutex
	hold := make(chan struct{})
	started := make(chan struct{})

	work := func(_ context.Context) (any, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		close(started)
		<-hold
		return "done", nil
	}

	task1 := s.schedule("inv1", PriorityNormal, context.Background(), work)
	<-started

	task2 := s.schedule("inv2", PriorityNormal, context.Background(), work)

	if !s.cancel("inv2", "stop") {
		t.Fatal("expected cancel of queued inv2 to return true")
	}

	result2 := <-task2.settleCh
	cancelErr, ok := result2.err.(*CancellationError)
	if !ok {
		t.Fatalf("expected *CancellationError, got %v (%T)", result2.err, result2.err)
	}
	assertEqual(t, cancelErr.Reason, "stop")
	assertEqual(t, cancelErr.State, CancelledQueued)

	close(hold)
	result1 := <-task1.settleCh
	assertNoError(t, result1.err)
	assertEqual(t, result1.value, "done")

	mu.Lock()
	defer mu.Unlock()
	assertEqual(t, invocations, 1)
}

func TestScheduler_CancelRunningIsCooperative(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())

	started := make(chan struct{})
	work := func(token context.Context) (any, error) {
		close(started)
		<-token.Done()
		return nil, token.Err()
	}

	task := s.schedule("a", PriorityNormal, context.Background(), work)
	<-started

	if !s.cancel("a", "abort") {
		t.Fatal("expected cancel of running task to return true")
	}

	result := <-task.settleCh
	if result.err == nil {
		t.Fatal("expected an error after cooperative cancel")
	}
}

func TestScheduler_CancelUnknownReturnsFalse(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())
	if s.cancel("does-not-exist", "") {
		t.Fatal("expected cancel of unknown id to return false")
	}
}

func TestScheduler_ClearQueueLeavesRunningAlone(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())

	hold := make(chan struct{})
	started := make(chan struct{})
	runningWork := func(_ context.Context) (any, error) {
		close(started)
		<-hold
		return "ok", nil
	}

	runningTask := s.schedule("running", PriorityNormal, context.Background(), runningWork)
	<-started

	queuedTask := s.schedule("queued", PriorityNormal, context.Background(), noopWork)

	n := s.clearQueue("cleared")
	assertEqual(t, n, 1)

	res := <-queuedTask.settleCh
	cancelErr, ok := res.err.(*CancellationError)
	assertTrue(t, ok, "expected queued task to be cancelled")
	assertEqual(t, cancelErr.State, CancelledQueued)

	close(hold)
	res = <-runningTask.settleCh
	assertNoError(t, res.err)
}

func TestScheduler_ShutdownImmediateAbortsRunning(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())

	started := make(chan struct{})
	work := func(token context.Context) (any, error) {
		close(started)
		<-token.Done()
		return nil, token.Err()
	}
	task := s.schedule("a", PriorityNormal, context.Background(), work)
	<-started

	s.shutdownScheduler("immediate", time.Second)

	select {
	case res := <-task.settleCh:
		if res.err == nil {
			t.Fatal("expected running task to observe abort on immediate shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task to settle after immediate shutdown")
	}
}

func TestScheduler_ShutdownGracefulWaitsThenForces(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())

	started := make(chan struct{})
	work := func(token context.Context) (any, error) {
		close(started)
		<-token.Done()
		return nil, token.Err()
	}
	task := s.schedule("a", PriorityNormal, context.Background(), work)
	<-started

	done := make(chan struct{})
	go func() {
		s.shutdownScheduler("graceful", 30*time.Millisecond)
		close(done)
	}()

	select {
	case <-task.settleCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forced settle after graceful timeout")
	}
	<-done
}

func TestScheduler_SetConcurrencyDrainsQueue(t *testing.T) {
	s := newScheduler("t", 1, math.Inf(1), defaultLogger())

	hold := make(chan struct{})
	started := make(chan struct{})
	blocking := func(_ context.Context) (any, error) {
		close(started)
		<-hold
		return nil, nil
	}

	blockedTask := s.schedule("blocked", PriorityNormal, context.Background(), blocking)
	<-started

	queuedTask := s.schedule("queued", PriorityNormal, context.Background(), noopWork)

	s.setConcurrency(2)

	select {
	case res := <-queuedTask.settleCh:
		assertNoError(t, res.err)
	case <-time.After(time.Second):
		t.Fatal("expected raised concurrency to drain the queued task")
	}

	close(hold)
	<-blockedTask.settleCh
}
