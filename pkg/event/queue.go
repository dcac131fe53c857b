package event

import "sync"

// defaultQueueCapacity is the buffer depth of a Queue created with
// capacity <= 0. Sized to absorb a full turn of response deltas and audio
// chunks without stalling the pipeline on a briefly slow consumer.
const defaultQueueCapacity = 256

// Queue is a bounded, strictly ordered event sink backed by a channel.
//
// Emit blocks when the buffer is full, which propagates backpressure from a
// slow consumer to the producing session rather than silently dropping or
// reordering events. Close unblocks any pending Emit and makes all further
// Emit calls no-ops, so a session can always tear down even when nobody is
// draining the queue anymore.
type Queue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time assertion that Queue satisfies the Sink interface.
var _ Sink = (*Queue)(nil)

// NewQueue creates a Queue with the given buffer capacity. A capacity <= 0
// selects the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Emit enqueues ev, blocking until buffer space is available or the queue is
// closed. Events enqueued before Close remain readable from Events.
func (q *Queue) Emit(ev Event) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- ev:
	case <-q.done:
	}
}

// Events returns the channel consumers read delivered events from. The
// channel is never closed; consumers should select on Done to learn that no
// further events will arrive, then drain any buffered remainder.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Done is closed when the queue has been closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close stops the queue. Pending and future Emit calls return immediately
// without enqueuing. Close is safe to call multiple times.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Drain returns all events currently buffered without blocking. Intended for
// consumers flushing the queue after Done.
func (q *Queue) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
