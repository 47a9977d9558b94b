package action

import (
	"sync"

	"github.com/google/uuid"
)

// Outcome is what a Handle's Result channel delivers: exactly one of Value
// or Err is meaningful. It's a result/err pair rather than a Go (T, error)
// tuple because it has to travel over a channel as a single value.
type Outcome[Out any] struct {
	Value Out
	Err   error
}

// Handle is the §4.H public handle returned synchronously from Invoke.
// Result and EventLogged are the Go-channel substitute for the spec's
// result-future/event-logged-future pair.
type Handle[Out any] struct {
	actionID uuid.UUID

	resultCh chan Outcome[Out]
	loggedCh chan struct{}

	mu           sync.Mutex
	cancelled    bool
	cancelReason string
	cancelFn     func(reason string) bool
}

func newHandle[Out any](actionID uuid.UUID, cancelFn func(reason string) bool) *Handle[Out] {
	return &Handle[Out]{
		actionID: actionID,
		resultCh: make(chan Outcome[Out], 1),
		loggedCh: make(chan struct{}),
		cancelFn: cancelFn,
	}
}

// ActionID returns the invocation's unique id, for correlation with wide
// events and for passing to cancelAll predicates.
func (h *Handle[Out]) ActionID() uuid.UUID { return h.actionID }

// Result returns the channel the invocation's outcome is delivered on,
// exactly once, independent of event delivery (§4.H).
func (h *Handle[Out]) Result() <-chan Outcome[Out] { return h.resultCh }

// EventLogged returns a channel that closes once the terminal wide event
// has been delivered to the action's event observer (or immediately, if
// none is configured).
func (h *Handle[Out]) EventLogged() <-chan struct{} { return h.loggedCh }

// Cancel is idempotent: calling it after settlement is a no-op, and a
// second call keeps the first reason (§4.H).
func (h *Handle[Out]) Cancel(reason ...string) bool {
	r := ""
	if len(reason) > 0 {
		r = reason[0]
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	if !h.cancelFn(r) {
		return false
	}
	h.cancelled = true
	h.cancelReason = r
	return true
}

// Cancelled reports whether a Cancel call on this handle took effect.
func (h *Handle[Out]) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// CancelReason returns the reason passed to the Cancel call that took
// effect, or "".
func (h *Handle[Out]) CancelReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelReason
}

func (h *Handle[Out]) settle(o Outcome[Out]) {
	h.resultCh <- o
	close(h.resultCh)
}

func (h *Handle[Out]) markLogged() {
	close(h.loggedCh)
}
