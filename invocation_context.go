package action

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ParentSnapshot is the immutable, read-only view of an ancestor invocation
// a child carries (spec §3/§9: "parent snapshots stored in children are
// immutable copies taken at child-creation; children never reach back into
// parent mutable state").
type ParentSnapshot struct {
	ActionID    uuid.UUID
	TraceID     uuid.UUID
	Depth       int
	Attachments map[string]any
}

// ProgressUpdate is delivered to an Action's .OnProgress observer.
type ProgressUpdate struct {
	Total     int
	Completed int
	Percent   float64
	Label     string
	Rate      float64 // units/sec, exponentially smoothed
	ETA       time.Duration
}

// progressState tracks §4.D's progress model: total/completed, throttled
// emission, and an exponentially-smoothed rate for ETA.
type progressState struct {
	total     int
	completed int
	startTime time.Time

	lastEmitTime    time.Time
	lastEmitPercent float64
	smoothedRate    float64
	everEmitted     bool

	throttle time.Duration
	onUpdate func(ProgressUpdate)
}

const defaultProgressThrottle = 100 * time.Millisecond

func newProgressState(onUpdate func(ProgressUpdate), throttle time.Duration) *progressState {
	if throttle < 0 {
		throttle = defaultProgressThrottle
	}
	return &progressState{throttle: throttle, onUpdate: onUpdate}
}

// setTotal resets completed and the rate-estimation clock, per §4.D.
func (p *progressState) setTotal(total int) {
	if total < 0 {
		total = 0
	}
	p.total = total
	p.completed = 0
	p.startTime = time.Now()
	p.lastEmitTime = time.Time{}
	p.lastEmitPercent = 0
	p.smoothedRate = 0
	p.everEmitted = false
}

func (p *progressState) reportProgress(completed int, label string) {
	if completed < 0 {
		completed = 0
	}
	if completed > p.total {
		completed = p.total
	}
	p.update(completed, label)
}

func (p *progressState) incrementProgress(label string) {
	next := p.completed + 1
	if next > p.total {
		next = p.total
	}
	p.update(next, label)
}

func (p *progressState) update(completed int, label string) {
	now := time.Now()

	elapsed := now.Sub(p.startTime).Seconds()
	if elapsed > 0 {
		delta := completed - p.completed
		instant := float64(delta) / elapsed
		if p.smoothedRate == 0 {
			p.smoothedRate = instant
		} else {
			p.smoothedRate = 0.7*p.smoothedRate + 0.3*instant
		}
	}

	p.completed = completed

	percent := 0.0
	if p.total > 0 {
		percent = 100 * float64(completed) / float64(p.total)
	}

	isFirst := !p.everEmitted
	isComplete := p.total > 0 && completed == p.total
	bigJump := isAbove(percent, p.lastEmitPercent, 5)

	if !isFirst && !isComplete && !bigJump {
		if !p.lastEmitTime.IsZero() && now.Sub(p.lastEmitTime) < p.throttle {
			return
		}
	}

	p.everEmitted = true
	p.lastEmitTime = now
	p.lastEmitPercent = percent

	if p.onUpdate == nil {
		return
	}

	var eta time.Duration
	if p.smoothedRate > 0 {
		remaining := float64(p.total - completed)
		eta = time.Duration(remaining/p.smoothedRate) * time.Second
	}

	p.onUpdate(ProgressUpdate{
		Total:     p.total,
		Completed: completed,
		Percent:   percent,
		Label:     label,
		Rate:      p.smoothedRate,
		ETA:       eta,
	})
}

func isAbove(a, b, threshold float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d >= threshold
}

// WarningThreshold configures the optional context warning mechanism
// (§4.D): at most one warning is emitted per threshold per invocation.
type WarningThreshold struct {
	MaxAttachmentBytes int
	MaxDepth           int
	OnWarning          func(kind, message string)
}

// InvocationContext is the per-invocation mutable state described in spec
// §3/§4.D: attachments, parent linkage, child roll-up, and progress.
type InvocationContext struct {
	mu sync.Mutex

	actionID uuid.UUID
	traceID  uuid.UUID
	depth    int
	parent   *ParentSnapshot

	attachments attachmentTree

	childIDs      []uuid.UUID
	seenChildID   map[uuid.UUID]bool
	childEvents   []*WideEvent
	childDuration time.Duration

	progress *progressState

	warn           WarningThreshold
	byteWarned     bool
	depthWarned    bool
	warnConfigured bool

	log *slog.Logger
}

func newRootInvocationContext() *InvocationContext {
	return &InvocationContext{
		actionID:    uuid.New(),
		traceID:     uuid.New(),
		depth:       0,
		attachments: newAttachmentTree(),
		seenChildID: make(map[uuid.UUID]bool),
		log:         slog.Default(),
	}
}

func newChildInvocationContext(parent *InvocationContext) *InvocationContext {
	parent.mu.Lock()
	snap := &ParentSnapshot{
		ActionID:    parent.actionID,
		TraceID:     parent.traceID,
		Depth:       parent.depth,
		Attachments: parent.attachments.snapshot(),
	}
	traceID := parent.traceID
	depth := parent.depth + 1
	log := parent.log
	parent.mu.Unlock()

	return &InvocationContext{
		actionID:    uuid.New(),
		traceID:     traceID,
		depth:       depth,
		parent:      snap,
		attachments: newAttachmentTree(),
		seenChildID: make(map[uuid.UUID]bool),
		log:         log,
	}
}

// setLogger installs the logger used to report a panicking warning handler.
// Invoke calls this with the owning Action's logger right after creating
// the InvocationContext.
func (ic *InvocationContext) setLogger(log *slog.Logger) {
	ic.mu.Lock()
	ic.log = log
	ic.mu.Unlock()
}

// ActionID returns this invocation's unique id.
func (ic *InvocationContext) ActionID() uuid.UUID {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.actionID
}

// TraceID returns the id shared by the whole invocation tree.
func (ic *InvocationContext) TraceID() uuid.UUID {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.traceID
}

// Depth returns the invocation's distance from the trace root.
func (ic *InvocationContext) Depth() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.depth
}

// SetContextWarningThreshold installs the optional byte-size/depth warning
// mechanism (§4.D). Each threshold fires at most once per invocation.
func (ic *InvocationContext) SetContextWarningThreshold(w WarningThreshold) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.warn = w
	ic.warnConfigured = true
}

// Attach deep-merges value under key (§4.D attach(key, value)).
func (ic *InvocationContext) Attach(key string, value any) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.attachments.attach(key, value)
	ic.checkWarningsLocked()
}

// AttachRecord deep-merges a whole record at the attachment root (§4.D
// attach(record)).
func (ic *InvocationContext) AttachRecord(record map[string]any) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.attachments.attachRecord(record)
	ic.checkWarningsLocked()
}

// Attachments returns a deep-copied snapshot of the current attachment tree.
func (ic *InvocationContext) Attachments() map[string]any {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.attachments.snapshot()
}

func (ic *InvocationContext) checkWarningsLocked() {
	if !ic.warnConfigured {
		return
	}
	if ic.warn.MaxAttachmentBytes > 0 && !ic.byteWarned {
		if byteSize(map[string]any(ic.attachments)) > ic.warn.MaxAttachmentBytes {
			ic.byteWarned = true
			ic.fireWarning("attachment-size", "attachment tree exceeded configured byte threshold")
		}
	}
	if ic.warn.MaxDepth > 0 && !ic.depthWarned && ic.depth > ic.warn.MaxDepth {
		ic.depthWarned = true
		ic.fireWarning("depth", "invocation depth exceeded configured threshold")
	}
}

// fireWarning invokes the caller-supplied OnWarning handler, isolating any
// panic it raises so it's logged rather than propagated (§7: "Warning
// handler throws | logged | never surfaces"). Must be called with ic.mu
// held, since a panicking handler would otherwise leave the lock stuck.
func (ic *InvocationContext) fireWarning(kind, message string) {
	if ic.warn.OnWarning == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ic.log.Error("action: context warning handler panicked", slog.Any("recover", r), slog.String("kind", kind))
		}
	}()
	ic.warn.OnWarning(kind, message)
}

// configureProgress wires the action-level progress observer and throttle
// into this invocation's tracker. Called once by Invoke before the handler
// runs, so handler code only ever needs to call SetTotal/ReportProgress/
// IncrementProgress without knowing whether an observer is configured.
func (ic *InvocationContext) configureProgress(onUpdate func(ProgressUpdate), throttle time.Duration) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.progress = newProgressState(onUpdate, throttle)
}

// SetTotal resets the progress tracker (§4.D setTotal). A no-op if no
// progress observer was configured on the Action.
func (ic *InvocationContext) SetTotal(total int) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.progress == nil {
		return
	}
	ic.progress.setTotal(total)
}

// ReportProgress sets completed = min(c, total) (§4.D reportProgress).
func (ic *InvocationContext) ReportProgress(completed int, label string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.progress == nil {
		return
	}
	ic.progress.reportProgress(completed, label)
}

// IncrementProgress adds 1, capped at total (§4.D incrementProgress).
func (ic *InvocationContext) IncrementProgress(label string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.progress == nil {
		return
	}
	ic.progress.incrementProgress(label)
}

// registerChild records a nested invocation's id, exactly once, and appends
// its terminal event + duration into this context's child roll-up (§4.D).
func (ic *InvocationContext) registerChild(childID uuid.UUID, event *WideEvent, duration time.Duration) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if !ic.seenChildID[childID] {
		ic.seenChildID[childID] = true
		ic.childIDs = append(ic.childIDs, childID)
	}
	if event != nil {
		ic.childEvents = append(ic.childEvents, event)
	}
	ic.childDuration += duration
	ic.checkWarningsLocked()
}

// childSnapshot returns the accumulated child ids/events/duration for
// building this invocation's terminal wide event.
func (ic *InvocationContext) childSnapshot() ([]uuid.UUID, []*WideEvent, time.Duration) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ids := make([]uuid.UUID, len(ic.childIDs))
	copy(ids, ic.childIDs)
	events := make([]*WideEvent, len(ic.childEvents))
	copy(events, ic.childEvents)
	return ids, events, ic.childDuration
}
