package action

import (
	"testing"
	"time"
)

func TestWideEvent_FinalizeDurationsClampsAtZero(t *testing.T) {
	ev := &WideEvent{Duration: 10 * time.Millisecond, ChildDuration: 50 * time.Millisecond}
	ev.finalizeDurations()
	assertEqual(t, ev.SelfDuration, time.Duration(0))
}

func TestWideEvent_FinalizeDurationsSubtractsChildren(t *testing.T) {
	ev := &WideEvent{Duration: 100 * time.Millisecond, ChildDuration: 30 * time.Millisecond}
	ev.finalizeDurations()
	assertEqual(t, ev.SelfDuration, 70*time.Millisecond)
}

func TestEmitEvent_ObserverPanicIsolated(t *testing.T) {
	ev := &WideEvent{}
	observer := func(*WideEvent) { panic("observer exploded") }

	// Must not panic out of emitEvent.
	emitEvent(observer, ev, defaultLogger())
}

func TestEmitEvent_NilObserverIsNoop(t *testing.T) {
	emitEvent(nil, &WideEvent{}, defaultLogger())
}
