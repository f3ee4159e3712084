// Package topic provides the per-topic history ring, subscriber registry,
// and fan-out/ejection operation at the heart of the broker.
package topic

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pubsubd/broker/internal/message"
	"github.com/pubsubd/broker/internal/ringbuffer"
	"github.com/pubsubd/broker/internal/subscriber"
)

// Ejector receives the side effects of evicting a slow consumer. A
// session adapter implements this to notify its transport.
type Ejector interface {
	// NotifySlowConsumer sends a SLOW_CONSUMER error to the client and
	// closes its transport with a policy-violation status. Implementations
	// must not block and must swallow their own errors: ejection is
	// best-effort and must never stall subsequent publishes.
	NotifySlowConsumer(clientID string)
}

// Topic is a named fan-out channel with bounded history. All mutating
// operations (AddSubscriber, RemoveSubscriber, Publish) and the read
// operation Recent are mutually exclusive via one mutex per topic.
type Topic struct {
	Name string

	mu        sync.Mutex
	subs      map[string]*subscriber.Subscriber
	ejectors  map[string]Ejector
	ring      *ringbuffer.RingBuffer
	published uint64
}

// New creates a Topic with the given history ring capacity.
func New(name string, ringCap int) *Topic {
	return &Topic{
		Name:     name,
		subs:     make(map[string]*subscriber.Subscriber),
		ejectors: make(map[string]Ejector),
		ring:     ringbuffer.New(ringCap),
	}
}

// AddSubscriber registers s under topic, binding ejector as the eviction
// callback for s.ClientID. Returns false without mutating anything if a
// subscriber with the same client_id is already present — callers must
// Unsubscribe first; see DESIGN.md's Open Question decision on duplicate
// client_id.
func (t *Topic) AddSubscriber(s *subscriber.Subscriber, ejector Ejector) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subs[s.ClientID]; exists {
		return false
	}
	t.subs[s.ClientID] = s
	t.ejectors[s.ClientID] = ejector
	return true
}

// RemoveSubscriber removes the subscriber for clientID, if present.
func (t *Topic) RemoveSubscriber(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subs[clientID]; !exists {
		return false
	}
	delete(t.subs, clientID)
	delete(t.ejectors, clientID)
	return true
}

// Publish appends msg to history, increments the publish counter, and fans
// it out to every subscriber currently registered. Subscribers whose
// drop_count reaches the slow-consumer threshold are ejected from the
// registry before Publish returns, and their ejector is invoked while
// still holding the topic lock so no later publish can race ahead of the
// ejection notification for this message.
func (t *Topic) Publish(msg message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ring.Push(msg)
	atomic.AddUint64(&t.published, 1)

	var toEject []string
	for clientID, sub := range t.subs {
		if _, ejected := sub.Enqueue(msg); ejected {
			toEject = append(toEject, clientID)
		}
	}

	for _, clientID := range toEject {
		ejector := t.ejectors[clientID]
		delete(t.subs, clientID)
		delete(t.ejectors, clientID)
		if ejector == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("topic %s: ejector for %s panicked: %v", t.Name, clientID, r)
				}
			}()
			ejector.NotifySlowConsumer(clientID)
		}()
	}
}

// Recent returns up to n of the most recent messages in publish order,
// oldest first. n <= 0 returns the full history.
func (t *Topic) Recent(n int) []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.LastN(n)
}

// SubscriberCount returns the number of currently registered subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// PublishedCount returns the total number of messages ever published to
// this topic.
func (t *Topic) PublishedCount() uint64 {
	return atomic.LoadUint64(&t.published)
}

// HistorySize returns the number of messages currently retained in history.
func (t *Topic) HistorySize() int {
	return t.ring.Size()
}

// RingCapacity returns the configured history ring capacity R.
func (t *Topic) RingCapacity() int {
	return t.ring.Capacity()
}

// AllQueuesEmpty reports whether every currently registered subscriber has
// drained its queue — used by the shutdown drain predicate.
func (t *Topic) AllQueuesEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		if sub.QueueLen() > 0 {
			return false
		}
	}
	return true
}

// SubscriberIDs returns a snapshot of all registered client_ids.
func (t *Topic) SubscriberIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast delivers msg to every currently registered subscriber without
// touching history or the publish counter — used for shutdown/info
// notifications, not for regular publications. It never ejects: a
// subscriber too slow to take an info frame is left alone.
func (t *Topic) Broadcast(m message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		sub.Enqueue(m)
	}
}

// Close clears the subscriber registry without invoking any ejector.
// Callers that need to notify sessions before closing (topic deletion,
// shutdown) should snapshot SubscriberIDs and drive their own
// notification before calling Close.
func (t *Topic) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subs = make(map[string]*subscriber.Subscriber)
	t.ejectors = make(map[string]Ejector)
}
