package action

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WideEvent is the structured observability record described in spec §3: a
// single wide row per invocation attempt (intermediate, on a retried
// failure) or per whole invocation (terminal).
type WideEvent struct {
	ActionID uuid.UUID
	TraceID  uuid.UUID

	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	Priority int
	Input    any
	Output   any
	Err      error

	Attachments map[string]any

	ParentActionID *uuid.UUID
	Depth          int
	ChildActionIDs []uuid.UUID
	ChildEvents    []*WideEvent
	ChildDuration  time.Duration
	SelfDuration   time.Duration

	BatchID      *string
	RetryAttempt int
	TotalAttempts int
	IsRetry      bool
	WillRetry    bool
	RetryDelays  []time.Duration

	Timeout       time.Duration
	TimedOut      bool
	ExecutionTime time.Duration

	Cancelled   bool
	CancelReason string
	CancelledAt  CancellationState
}

// finalizeDurations computes self-duration from duration and child
// duration, per §3: "self-duration = max(0, duration − child-duration)".
func (e *WideEvent) finalizeDurations() {
	e.SelfDuration = e.Duration - e.ChildDuration
	if e.SelfDuration < 0 {
		e.SelfDuration = 0
	}
}

// EventObserver receives every wide event an Action emits: intermediate
// retry events and the final terminal event.
type EventObserver func(*WideEvent)

// emitEvent delivers ev to observer, isolating any panic/error the observer
// itself produces so it never affects the handler's result (§4.F, §7), via
// the standard recover()-and-log idiom.
func emitEvent(observer EventObserver, ev *WideEvent, logger *slog.Logger) {
	if observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("action: event observer panicked", slog.Any("recover", r), slog.String("action_id", ev.ActionID.String()))
		}
	}()
	observer(ev)
}
