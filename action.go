package action

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Named priority levels (§4.F "Priority values: named levels or any finite
// number in [0,100]"). Callers may also pass any other finite value in
// range through .SetPriority/InvokeOptions.Priority.
const (
	PriorityLow      = 0
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100
)

// Handler collapses the three handler shapes a caller might want (plain /
// context-taking / token-taking) into one signature: ctx doubles as both
// the ambient value carrier (§4.E) and the cancellation token (§4.C).
type Handler[In, Out any] func(ctx context.Context, input In) (Out, error)

// Action is the §6 external surface: one constructor plus chainable option
// setters, wrapping a single Handler with the scheduler+pipeline machinery.
type Action[In, Out any] struct {
	mu sync.Mutex

	name    string
	handler Handler[In, Out]

	priority int
	retry    RetryPolicy
	timeout  TimeoutPolicy

	onEvent          EventObserver
	onProgress       func(ProgressUpdate)
	progressThrottle time.Duration

	warnThreshold  WarningThreshold
	warnConfigured bool

	log   *slog.Logger
	sched *scheduler

	live map[uuid.UUID]*liveInvocation

	recent      []*WideEvent
	recentCap   int
	recentStart int
}

type liveInvocation struct {
	taskID string
	cancel func(reason string) bool
}

// NewAction wraps handler with normal priority, no retries, and the
// process-wide Defaults for concurrency, rate limit and timeout (concurrency
// 1, unlimited rate and no timeout unless changed through SetDefaults or
// LoadEnvDefaults).
func NewAction[In, Out any](handler Handler[In, Out]) *Action[In, Out] {
	d := currentDefaults()
	log := defaultLogger()
	name := xid.New().String()

	return &Action[In, Out]{
		name:             name,
		handler:          handler,
		priority:         PriorityNormal,
		retry:            defaultRetryPolicy(),
		timeout:          TimeoutPolicy{Duration: d.Timeout, ThrowOnTimeout: true},
		progressThrottle: defaultProgressThrottle,
		log:              log,
		sched:            newScheduler(name, d.Concurrency, d.RateLimit, log),
		live:             make(map[uuid.UUID]*liveInvocation),
		recentCap:        defaultRecentEventCap,
	}
}

// defaultRecentEventCap bounds Action.RecentEvents()'s retained history so
// a long-lived action doesn't accumulate unbounded terminal-event history
// purely for introspection.
const defaultRecentEventCap = 100

// SetRecentEventCap overrides how many terminal wide events RecentEvents
// retains. A cap <= 0 disables retention entirely.
func (a *Action[In, Out]) SetRecentEventCap(n int) *Action[In, Out] {
	a.mu.Lock()
	a.recentCap = n
	if n <= 0 {
		a.recent = nil
		a.recentStart = 0
	} else if len(a.recent) > 0 {
		ordered := make([]*WideEvent, len(a.recent))
		for i := range ordered {
			ordered[i] = a.recent[(a.recentStart+i)%len(a.recent)]
		}
		if len(ordered) > n {
			ordered = ordered[len(ordered)-n:]
		}
		a.recent = ordered
		a.recentStart = 0
	}
	a.mu.Unlock()
	return a
}

// RecentEvents returns a snapshot of the most recently settled terminal
// wide events, oldest first, bounded by the configured retention cap
// (default 100). This is additive telemetry and never affects .OnEvent
// delivery.
func (a *Action[In, Out]) RecentEvents() []*WideEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.recent) == 0 {
		return nil
	}
	out := make([]*WideEvent, len(a.recent))
	for i := 0; i < len(a.recent); i++ {
		out[i] = a.recent[(a.recentStart+i)%len(a.recent)]
	}
	return out
}

// recordRecentEvent appends ev into the bounded ring buffer backing
// RecentEvents.
func (a *Action[In, Out]) recordRecentEvent(ev *WideEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recentCap <= 0 {
		return
	}
	if len(a.recent) < a.recentCap {
		a.recent = append(a.recent, ev)
		return
	}
	a.recent[a.recentStart] = ev
	a.recentStart = (a.recentStart + 1) % len(a.recent)
}

// Name reports the action's scheduler/metrics label, auto-generated with
// rs/xid unless overridden with SetName.
func (a *Action[In, Out]) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// SetName overrides the auto-generated metrics/log label. Best called
// immediately after NewAction, before any Invoke.
func (a *Action[In, Out]) SetName(name string) *Action[In, Out] {
	a.mu.Lock()
	a.name = name
	a.mu.Unlock()
	return a
}

// SetConcurrency sets L, the scheduler's max simultaneously-running tasks.
func (a *Action[In, Out]) SetConcurrency(l int) *Action[In, Out] {
	if l <= 0 {
		panic(ErrInvalidConcurrency)
	}
	a.sched.setConcurrency(l)
	return a
}

// SetRateLimit sets R, executions/sec admitted within any trailing second.
// Pass math.Inf(1) for unlimited.
func (a *Action[In, Out]) SetRateLimit(r float64) *Action[In, Out] {
	if r <= 0 || math.IsNaN(r) {
		panic(ErrInvalidRateLimit)
	}
	a.sched.setRateLimit(r)
	return a
}

// SetPriority sets the action-level default priority, overridable per
// invocation through InvokeOptions.Priority.
func (a *Action[In, Out]) SetPriority(level int) *Action[In, Out] {
	if err := validatePriority(level); err != nil {
		panic(err)
	}
	a.mu.Lock()
	a.priority = level
	a.mu.Unlock()
	return a
}

// SetRetry installs the retry policy (§6 .setRetry). Zero-value fields fall
// back to defaultRetryPolicy()'s values where that makes sense.
func (a *Action[In, Out]) SetRetry(p RetryPolicy) *Action[In, Out] {
	if p.MaxRetries < 0 || p.BaseDelay < 0 || p.MaxDelay < 0 {
		panic(ErrInvalidRetryPolicy)
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = func(error) bool { return true }
	}
	a.mu.Lock()
	a.retry = p
	a.mu.Unlock()
	return a
}

// SetTimeout installs the per-attempt timeout policy (§6 .setTimeout).
// The policy is stored as given: ThrowOnTimeout is not defaulted to true, so
// a bare TimeoutPolicy{Duration: d} has ThrowOnTimeout false and a final
// timeout then settles as a zero-value success.
func (a *Action[In, Out]) SetTimeout(p TimeoutPolicy) *Action[In, Out] {
	if p.Duration <= 0 {
		panic(ErrInvalidTimeout)
	}
	a.mu.Lock()
	a.timeout = p
	a.mu.Unlock()
	return a
}

// OnEvent registers the single wide-event observer (§6 .onEvent).
func (a *Action[In, Out]) OnEvent(observer EventObserver) *Action[In, Out] {
	a.mu.Lock()
	a.onEvent = observer
	a.mu.Unlock()
	return a
}

// OnProgress registers the progress observer and its emission throttle
// (§6 .onProgress).
func (a *Action[In, Out]) OnProgress(observer func(ProgressUpdate), throttle time.Duration) *Action[In, Out] {
	if throttle < 0 {
		panic(ErrInvalidThrottle)
	}
	a.mu.Lock()
	a.onProgress = observer
	a.progressThrottle = throttle
	a.mu.Unlock()
	return a
}

// SetContextWarningThreshold configures the optional attachment-size/depth
// warning mechanism applied to every invocation's InvocationContext.
func (a *Action[In, Out]) SetContextWarningThreshold(w WarningThreshold) *Action[In, Out] {
	a.mu.Lock()
	a.warnThreshold = w
	a.warnConfigured = true
	a.mu.Unlock()
	return a
}

// InvokeOptions overrides per-invocation (§6 invoke(...args, options?)).
type InvokeOptions struct {
	Priority *int
	Metadata map[string]any
	BatchID  *string
}

func validatePriority(level int) error {
	if math.IsNaN(float64(level)) || level < 0 || level > 100 {
		return ErrInvalidPriority
	}
	return nil
}

// Invoke submits input for execution and returns synchronously with a
// Handle; the invocation's dispatch is deferred so the caller can attach
// to Handle.Result()/EventLogged() before it can possibly settle (§5).
//
// ctx carries the ambient InvocationContext, if any (FromContext/the
// context passed by a running handler) — invoking from inside another
// Action's handler makes this invocation a child of that one (§4.E).
func (a *Action[In, Out]) Invoke(ctx context.Context, input In, opts ...InvokeOptions) *Handle[Out] {
	a.mu.Lock()
	priority := a.priority
	retry := a.retry
	timeout := a.timeout
	onEvent := a.onEvent
	onProgress := a.onProgress
	progressThrottle := a.progressThrottle
	warnThreshold := a.warnThreshold
	warnConfigured := a.warnConfigured
	name := a.name
	log := a.log
	a.mu.Unlock()

	var metadata map[string]any
	var batchID *string
	if len(opts) > 0 {
		if opts[0].Priority != nil {
			priority = *opts[0].Priority
		}
		metadata = opts[0].Metadata
		batchID = opts[0].BatchID
	}
	if err := validatePriority(priority); err != nil {
		panic(err)
	}

	parent := invocationFromContext(ctx)
	var ic *InvocationContext
	if parent != nil {
		ic = newChildInvocationContext(parent)
	} else {
		ic = newRootInvocationContext()
	}
	ic.setLogger(log)
	if warnConfigured {
		ic.SetContextWarningThreshold(warnThreshold)
	}
	ic.configureProgress(onProgress, progressThrottle)
	if len(metadata) > 0 {
		ic.AttachRecord(metadata)
	}

	actionID := ic.ActionID()
	traceID := ic.TraceID()

	cancelFn := func(reason string) bool { return a.sched.cancel(actionID.String(), reason) }
	handle := newHandle[Out](actionID, cancelFn)
	a.registerLive(actionID, cancelFn)

	invocationCtx := withInvocationContext(ctx, ic)

	pHandler := func(runCtx context.Context, in any) (any, error) {
		typedIn, _ := in.(In)
		out, err := a.handler(withInvocationContext(runCtx, ic), typedIn)
		return out, err
	}

	work := func(token context.Context) (any, error) {
		outcome := runAttempts(token, pHandler, input, ic, retry, timeout, name, actionID, traceID, priority, onEvent, log)
		return outcome, nil
	}

	startedAt := time.Now()
	task := a.sched.schedule(actionID.String(), priority, invocationCtx, work)

	go a.finish(task, handle, ic, parent, onEvent, log, name, actionID, traceID, priority, input, startedAt, batchID, timeout.Duration)

	return handle
}

func (a *Action[In, Out]) registerLive(id uuid.UUID, cancel func(reason string) bool) {
	a.mu.Lock()
	a.live[id] = &liveInvocation{taskID: id.String(), cancel: cancel}
	a.mu.Unlock()
}

func (a *Action[In, Out]) unregisterLive(id uuid.UUID) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}

// finish waits for the scheduler task to settle, builds and emits the
// terminal wide event, rolls it up into the parent InvocationContext (if
// any), and settles the public Handle.
func (a *Action[In, Out]) finish(
	task *schedTask,
	handle *Handle[Out],
	ic *InvocationContext,
	parent *InvocationContext,
	onEvent EventObserver,
	log *slog.Logger,
	name string,
	actionID, traceID uuid.UUID,
	priority int,
	input In,
	startedAt time.Time,
	batchID *string,
	timeoutDuration time.Duration,
) {
	defer a.unregisterLive(actionID)

	result := <-task.settleCh

	completedAt := time.Now()
	duration := completedAt.Sub(startedAt)

	var out Out
	var outcomeErr error
	ev := &WideEvent{
		ActionID:    actionID,
		TraceID:     traceID,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    duration,
		Priority:    priority,
		Input:       input,
		Timeout:     timeoutDuration,
		BatchID:     batchID,
	}

	if ao, ok := result.value.(attemptOutcome); ok {
		out = toTyped[Out](ao.value)
		outcomeErr = ao.err
		ev.Output = ao.value
		ev.TotalAttempts = ao.totalAttempts
		ev.IsRetry = ao.isRetry
		ev.RetryDelays = ao.retryDelays
		ev.TimedOut = ao.timedOut
		ev.ExecutionTime = ao.executionTime
		if ao.cancelled {
			ev.Cancelled = true
			ev.CancelReason = ao.cancelReason
			ev.CancelledAt = ao.cancelledAt
		}
	}

	// The scheduler's own cancellation override (settled-just-as-cancelled,
	// or cancel-while-queued) always takes precedence over whatever the
	// pipeline outcome carried.
	if result.err != nil {
		outcomeErr = result.err
		if cancelErr, ok := result.err.(*CancellationError); ok {
			ev.Cancelled = true
			ev.CancelReason = cancelErr.Reason
			ev.CancelledAt = cancelErr.State
		}
	}
	ev.Err = outcomeErr

	if ev.Cancelled {
		metricCancellations.WithLabelValues(name, string(ev.CancelledAt)).Inc()
	}
	outcome := "success"
	if outcomeErr != nil {
		outcome = "error"
	}
	metricInvocationsSettled.WithLabelValues(name, outcome).Inc()

	ev.Priority = priority
	ev.Attachments = ic.Attachments()
	ev.Depth = ic.Depth()
	childIDs, childEvents, childDuration := ic.childSnapshot()
	ev.ChildActionIDs = childIDs
	ev.ChildEvents = childEvents
	ev.ChildDuration = childDuration
	if parent != nil {
		pid := parent.ActionID()
		ev.ParentActionID = &pid
	}
	ev.finalizeDurations()

	metricInvocationDuration.WithLabelValues(name).Observe(duration.Seconds())

	a.recordRecentEvent(ev)

	emitEvent(onEvent, ev, log)
	handle.markLogged()

	if parent != nil {
		parent.registerChild(actionID, ev, duration)
	}

	handle.settle(Outcome[Out]{Value: out, Err: outcomeErr})
}

func toTyped[Out any](v any) Out {
	var zero Out
	if v == nil {
		return zero
	}
	if typed, ok := v.(Out); ok {
		return typed
	}
	return zero
}

// CancelAll cancels every still-live invocation of this action. predicate
// receives each live invocation's id and returns a cancel reason to apply;
// returning "" still cancels, using "cancelled by predicate" as the reason.
// A nil predicate cancels everything with reason "cancelled by CancelAll".
func (a *Action[In, Out]) CancelAll(predicate func(id uuid.UUID) string) int {
	a.mu.Lock()
	targets := make([]*liveInvocation, 0, len(a.live))
	ids := make([]uuid.UUID, 0, len(a.live))
	for id, li := range a.live {
		ids = append(ids, id)
		targets = append(targets, li)
	}
	a.mu.Unlock()

	count := 0
	for i, li := range targets {
		reason := "cancelled by CancelAll"
		if predicate != nil {
			if r := predicate(ids[i]); r != "" {
				reason = r
			} else {
				reason = "cancelled by predicate"
			}
		}
		if li.cancel(reason) {
			count++
		}
	}
	return count
}

// ClearQueue cancels every still-queued invocation, leaving running ones
// untouched, and returns how many were cancelled.
func (a *Action[In, Out]) ClearQueue(reason string) int {
	return a.sched.clearQueue(reason)
}

// Shutdown stops accepting new dispatch. mode is "immediate" or "graceful";
// timeout bounds how long graceful mode waits for running work to settle.
func (a *Action[In, Out]) Shutdown(mode string, timeout time.Duration) {
	a.sched.shutdownScheduler(mode, timeout)
}

// Stats reports the scheduler's current queue/active snapshot.
func (a *Action[In, Out]) Stats() SchedulerStats {
	return a.sched.stats()
}
