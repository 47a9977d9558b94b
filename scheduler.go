package action

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerStats is a point-in-time snapshot for monitoring (§4.C
// "queuedCount, runningCount, getActiveCount, getQueueLength").
type SchedulerStats struct {
	Queued      int
	Running     int
	Concurrency int
	RateLimit   float64
}

// scheduler is the §4.C Scheduler. The spec describes a single-threaded
// cooperative runtime where queue/running/active are touched from one
// execution thread; Go has no such thread, so scheduler owns a mutex
// instead and every state transition (admit, settle, cancel, concurrency
// or rate change) takes the lock for its critical section.
type scheduler struct {
	mu   sync.Mutex
	name string
	log  *slog.Logger

	concurrency int
	limiter     *rateWindow

	queue   *priorityQueue
	running map[string]*schedTask
	active  int

	rateTimer *time.Timer
	wg        sync.WaitGroup
	closed    bool
}

func newScheduler(name string, concurrency int, rateLimit float64, log *slog.Logger) *scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &scheduler{
		name:        name,
		log:         log,
		concurrency: concurrency,
		limiter:     newRateWindow(rateLimit),
		queue:       newPriorityQueue(),
		running:     make(map[string]*schedTask),
	}
}

// schedule enqueues work under actionID/priority, cancellable through
// parentCtx, and defers dispatch to a spawned goroutine (the Go substitute
// for "dispatch deferred to next microtask", §4.C/§5) so the caller gets
// settleCh back before the task can possibly settle.
func (s *scheduler) schedule(id string, priority int, parentCtx context.Context, work schedWork) *schedTask {
	ctx, cancel, holder := newCancellableToken(parentCtx)
	t := &schedTask{
		id:       id,
		priority: priority,
		work:     work,
		ctx:      ctx,
		cancel:   cancel,
		reason:   holder,
		settleCh: make(chan schedResult, 1),
		state:    taskQueued,
	}

	s.mu.Lock()
	s.queue.push(t)
	s.mu.Unlock()

	metricQueueDepth.WithLabelValues(s.name).Set(float64(s.queuedCount()))
	go s.dispatch()

	return t
}

// dispatch implements the §4.C dispatch algorithm. It is safe to call from
// any goroutine at any time (submit, settle, concurrency/rate change, or a
// rate-wait timer firing).
func (s *scheduler) dispatch() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.queue.len() == 0 {
			s.mu.Unlock()
			return
		}
		if s.active >= s.concurrency {
			s.mu.Unlock()
			return
		}

		now := time.Now()
		ok, wait := s.limiter.admit(now)
		if !ok {
			if s.rateTimer != nil {
				s.rateTimer.Stop()
			}
			s.rateTimer = time.AfterFunc(wait, s.dispatch)
			s.mu.Unlock()
			return
		}

		t := s.queue.popHighest()
		if t == nil {
			s.mu.Unlock()
			return
		}
		if t.cancelled {
			// Cancelled while queued but not yet removed — settle it and
			// keep looping rather than burning the rate-window slot we
			// just consumed on a task nobody wants.
			s.mu.Unlock()
			s.settleCancelledQueued(t)
			continue
		}

		t.state = taskRunning
		s.active++
		s.running[t.id] = t
		s.wg.Add(1)
		s.mu.Unlock()

		metricInvocationsStarted.WithLabelValues(s.name).Inc()
		metricActiveCount.WithLabelValues(s.name).Set(float64(s.activeCountSnapshot()))
		go s.run(t)
		// Loop again: there may be concurrency headroom for more tasks.
	}
}

func (s *scheduler) run(t *schedTask) {
	defer s.wg.Done()

	value, err := t.work(t.ctx)

	s.mu.Lock()
	s.active--
	delete(s.running, t.id)
	cancelled := t.cancelled
	reason := t.reason.get()
	t.state = taskSettled
	s.mu.Unlock()

	// The pipeline (our work closure) already converts an observed token
	// abort into its own cancellation error inside the returned outcome;
	// this only fires for the edge case where the handler settled
	// successfully at (or just after) the moment cancel() flipped the
	// flag, per §4.C step 6: "if the task was marked cancelled during run
	// and its work still resolved, reject ... otherwise pass through".
	if cancelled && err == nil {
		if ao, ok := value.(attemptOutcome); !ok || ao.err == nil {
			err = newCancellationError(CancelledRunning, reason)
		}
	}

	t.settleCh <- schedResult{value: value, err: err}
	close(t.settleCh)

	metricActiveCount.WithLabelValues(s.name).Set(float64(s.activeCountSnapshot()))
	metricQueueDepth.WithLabelValues(s.name).Set(float64(s.queuedCount()))

	s.dispatch()
}

func (s *scheduler) settleCancelledQueued(t *schedTask) {
	t.settleCh <- schedResult{err: newCancellationError(CancelledQueued, t.reason.get())}
	close(t.settleCh)
}

// setConcurrency live-updates L and opportunistically drains the queue.
func (s *scheduler) setConcurrency(l int) {
	if l <= 0 {
		l = 1
	}
	s.mu.Lock()
	s.concurrency = l
	s.mu.Unlock()
	go s.dispatch()
}

// setRateLimit live-updates R and opportunistically drains the queue.
func (s *scheduler) setRateLimit(r float64) {
	s.mu.Lock()
	s.limiter.setLimit(r)
	s.mu.Unlock()
	go s.dispatch()
}

// cancel implements §4.C cancel: synchronous reject if queued, cooperative
// abort if running, false if neither.
func (s *scheduler) cancel(id string, reason string) bool {
	s.mu.Lock()
	if t, ok := s.running[id]; ok {
		if !t.cancelled {
			t.cancelled = true
			t.reason.set(reason)
			t.cancel()
		}
		s.mu.Unlock()
		return true
	}
	t := s.queue.removeByID(id)
	s.mu.Unlock()

	if t == nil {
		return false
	}
	t.cancelled = true
	t.reason.set(reason)
	t.state = taskSettled
	s.settleCancelledQueued(t)
	metricQueueDepth.WithLabelValues(s.name).Set(float64(s.queuedCount()))
	return true
}

// clearQueue cancels every still-queued task, leaving running tasks alone.
func (s *scheduler) clearQueue(reason string) int {
	s.mu.Lock()
	tasks := s.queue.drainAll()
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancelled = true
		t.reason.set(reason)
		t.state = taskSettled
		s.settleCancelledQueued(t)
	}
	metricQueueDepth.WithLabelValues(s.name).Set(0)
	return len(tasks)
}

// shutdownScheduler implements §4.C shutdown. mode "immediate" cancels the
// queue and aborts every running token without waiting; mode "graceful"
// cancels the queue, waits up to timeout for running tasks to settle on
// their own, then force-aborts whatever remains.
func (s *scheduler) shutdownScheduler(mode string, timeout time.Duration) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.clearQueue("shutdown")

	if mode == "graceful" {
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return
		case <-time.After(timeout):
		}
	}

	s.mu.Lock()
	for _, t := range s.running {
		if !t.cancelled {
			t.cancelled = true
			t.reason.set("shutdown")
			t.cancel()
		}
	}
	s.mu.Unlock()
}

func (s *scheduler) queuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

func (s *scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *scheduler) activeCountSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *scheduler) getActiveCount() int { return s.activeCountSnapshot() }
func (s *scheduler) getQueueLength() int { return s.queuedCount() }

func (s *scheduler) stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Queued:      s.queue.len(),
		Running:     len(s.running),
		Concurrency: s.concurrency,
		RateLimit:   s.limiter.limit,
	}
}
