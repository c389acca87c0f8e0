package socket

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/transport"
)

// DefaultQueueCapacity bounds the raw message queue of a wrapper. It is the
// only data-path buffer between network I/O and the application.
const DefaultQueueCapacity = 512

// RawMessageQueue is a bounded FIFO between the decoder (single producer on
// an I/O worker) and the wrapper's reader (single consumer). Offer and Poll
// never block; a full queue drops the newest message.
type RawMessageQueue struct {
	ch      chan transport.RawMessage
	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewRawMessageQueue creates a queue holding at most capacity messages.
func NewRawMessageQueue(capacity int) *RawMessageQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &RawMessageQueue{ch: make(chan transport.RawMessage, capacity)}
}

// Offer enqueues m without blocking. Returns false when the queue is full or
// closed; overflow is counted and logged.
func (q *RawMessageQueue) Offer(m transport.RawMessage) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.ch <- m:
		return true
	default:
		dropped := q.dropped.Add(1)
		log.Warnf("raw message queue full, dropping %d byte message from %s (%d dropped so far)", m.Len(), m.Remote(), dropped)
		return false
	}
}

// Poll dequeues the oldest message without blocking. The second return is
// false when the queue is empty.
func (q *RawMessageQueue) Poll() (transport.RawMessage, bool) {
	select {
	case m := <-q.ch:
		return m, true
	default:
		return transport.RawMessage{}, false
	}
}

// Close stops the queue from accepting new messages. Queued messages remain
// drainable through Poll.
func (q *RawMessageQueue) Close() {
	q.closed.Store(true)
}

// Len returns the number of queued messages.
func (q *RawMessageQueue) Len() int { return len(q.ch) }

// Dropped returns the number of messages dropped on overflow.
func (q *RawMessageQueue) Dropped() uint64 { return q.dropped.Load() }
