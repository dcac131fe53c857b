package event

import (
	"sync/atomic"
	"time"
)

// Emitter stamps events with their session identity and enforces the
// interruption cut-off before forwarding them to a [Sink].
//
// When a turn is cancelled, pipeline goroutines belonging to that turn may
// still be producing output for a short while (an in-flight TTS read, a late
// STT partial). CancelThrough records the highest cancelled turn id; Emit
// then discards streaming events carrying that turn id or any lower one, so
// no stale output reaches the caller behind the superseding turn. Lifecycle
// events (turn.ended, error, metrics) pass regardless, since the caller must
// still observe how the cancelled turn ended.
//
// Emitter is safe for concurrent use.
type Emitter struct {
	sessionID string
	sink      Sink

	// cancelledThrough is the highest turn id whose streaming output has
	// been cut off. Emit drops streaming events with TurnID at or below it.
	cancelledThrough atomic.Uint64
}

// NewEmitter creates an Emitter publishing to sink on behalf of sessionID.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	return &Emitter{sessionID: sessionID, sink: sink}
}

// Emit stamps ev with the session id and current time (unless already set)
// and forwards it to the sink, applying the interruption cut-off.
func (e *Emitter) Emit(ev Event) {
	if ev.TurnID != 0 && ev.TurnID <= e.cancelledThrough.Load() && ev.Kind.streaming() {
		return
	}
	ev.SessionID = e.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.sink.Emit(ev)
}

// CancelThrough cuts off streaming output for turnID and all earlier turns.
// The cut-off only ever advances; a lower turnID than previously recorded is
// ignored.
func (e *Emitter) CancelThrough(turnID uint64) {
	for {
		cur := e.cancelledThrough.Load()
		if turnID <= cur {
			return
		}
		if e.cancelledThrough.CompareAndSwap(cur, turnID) {
			return
		}
	}
}
