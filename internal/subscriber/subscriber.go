// Package subscriber provides the bounded-queue sink a session binds to a
// topic when it subscribes, with drop-oldest backpressure and
// slow-consumer strike counting.
package subscriber

import (
	"sync/atomic"

	"github.com/pubsubd/broker/internal/message"
)

// EnqueueResult reports what happened to a message handed to Enqueue.
type EnqueueResult int

const (
	// Delivered means the message was appended to an empty slot.
	Delivered EnqueueResult = iota
	// Displaced means the queue was full, the oldest entry was dropped,
	// and the new message took its place.
	Displaced
)

// Subscriber is a topic's sink for one (session, client_id) pair.
// It owns a bounded FIFO queue of pending Messages; Enqueue never blocks
// the publisher.
type Subscriber struct {
	ClientID      string
	queue         chan message.Message
	dropCount     int32
	slowThreshold int32
}

// New creates a Subscriber with the given queue capacity Q and
// slow-consumer strike threshold.
func New(clientID string, queueSize, slowThreshold int) *Subscriber {
	if queueSize <= 0 {
		queueSize = 50
	}
	if slowThreshold <= 0 {
		slowThreshold = 3
	}
	return &Subscriber{
		ClientID:      clientID,
		queue:         make(chan message.Message, queueSize),
		slowThreshold: int32(slowThreshold),
	}
}

// Enqueue attempts a non-blocking push of msg. On overflow it evicts the
// oldest unread message and admits msg instead (drop-oldest backpressure).
// ejected reports whether this push pushed drop_count to the
// slow-consumer threshold; the caller (Topic.Publish) is responsible for
// evicting the subscriber from the topic registry when ejected is true.
func (s *Subscriber) Enqueue(msg message.Message) (result EnqueueResult, ejected bool) {
	select {
	case s.queue <- msg:
		atomic.StoreInt32(&s.dropCount, 0)
		return Delivered, false
	default:
	}

	// Full: drop the oldest unread message, then admit the new one.
	select {
	case <-s.queue:
	default:
		// Drained concurrently by the delivery worker; fall through to send.
	}

	select {
	case s.queue <- msg:
	default:
		// Delivery worker refilled the slot between our drain and our
		// send; the message is dropped rather than retried, preserving
		// the non-blocking contract.
	}

	n := atomic.AddInt32(&s.dropCount, 1)
	return Displaced, n >= s.slowThreshold
}

// DropCount returns the current consecutive-drop strike count.
func (s *Subscriber) DropCount() int {
	return int(atomic.LoadInt32(&s.dropCount))
}

// QueueLen returns the number of messages currently queued.
func (s *Subscriber) QueueLen() int {
	return len(s.queue)
}

// QueueCap returns the subscriber's configured queue capacity Q.
func (s *Subscriber) QueueCap() int {
	return cap(s.queue)
}

// Dequeue blocks until a message is available or done is closed. ok is
// false when done fired first.
func (s *Subscriber) Dequeue(done <-chan struct{}) (m message.Message, ok bool) {
	select {
	case m = <-s.queue:
		return m, true
	case <-done:
		return message.Message{}, false
	}
}

// Chan exposes the underlying queue for delivery workers that need to
// select across several subscribers and cancellation signals at once.
func (s *Subscriber) Chan() <-chan message.Message {
	return s.queue
}
