// Package broker implements the TopicManager: the process-wide registry
// of topics, health/stats reporting, and the graceful shutdown state
// machine (RUNNING -> DRAINING -> CLOSED).
package broker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pubsubd/broker/internal/message"
	"github.com/pubsubd/broker/internal/metrics"
	"github.com/pubsubd/broker/internal/topic"
)

// Errors returned by TopicManager operations.
var (
	ErrInvalidName         = errors.New("invalid topic name")
	ErrTopicExists         = errors.New("topic already exists")
	ErrTopicNotFound       = errors.New("topic not found")
	ErrServiceUnavailable  = errors.New("service unavailable: shutdown in progress")
	ErrRingSizeOutOfBounds = errors.New("ring_size out of bounds")
)

// State is a position in the shutdown state machine.
type State int

const (
	Running State = iota
	Draining
	Closed
)

const maxTopicNameLen = 100

// TopicInfo is a registry snapshot of one topic.
type TopicInfo struct {
	Name           string `json:"name"`
	Subscribers    int    `json:"subscribers"`
	RingBufferSize int    `json:"ring_buffer_size"`
	MessagesInRing int    `json:"messages_in_history"`
	TotalMessages  uint64 `json:"total_messages"`
}

// TopicStat is one entry of the /stats response.
type TopicStat struct {
	Messages    uint64 `json:"messages"`
	Subscribers int    `json:"subscribers"`
}

// Health is the /health response body.
type Health struct {
	UptimeSec         int64 `json:"uptime_sec"`
	Topics            int   `json:"topics"`
	Subscribers       int   `json:"subscribers"`
	ShutdownInitiated bool  `json:"shutdown_initiated"`
}

// Manager is the TopicManager: the single process-wide registry of topics.
type Manager struct {
	defaultRing int
	maxRing     int
	metrics     *metrics.Metrics
	startTime   time.Time

	mu     sync.RWMutex
	topics map[string]*topic.Topic

	shutdownOnce sync.Once
	stateMu      sync.RWMutex
	state        State
	shutdownCh   chan struct{}
}

// New creates a Manager. defaultRing and maxRing configure the bounds on
// a topic's history ring capacity R.
func New(defaultRing, maxRing int, m *metrics.Metrics) *Manager {
	if defaultRing <= 0 {
		defaultRing = 100
	}
	if maxRing <= 0 {
		maxRing = 10000
	}
	return &Manager{
		defaultRing: defaultRing,
		maxRing:     maxRing,
		metrics:     m,
		startTime:   time.Now(),
		topics:      make(map[string]*topic.Topic),
		shutdownCh:  make(chan struct{}),
	}
}

// State returns the current shutdown state machine position.
func (mgr *Manager) State() State {
	mgr.stateMu.RLock()
	defer mgr.stateMu.RUnlock()
	return mgr.state
}

// ShutdownInitiated reports whether the shutdown latch has been set.
func (mgr *Manager) ShutdownInitiated() bool {
	return mgr.State() != Running
}

// CreateTopic creates a new topic with ringSize (0 uses the configured
// default). Fails with ErrServiceUnavailable if shutdown has begun,
// ErrInvalidName for an empty or over-long name, ErrRingSizeOutOfBounds if
// ringSize is out of [1, maxRing], or ErrTopicExists if name is taken.
func (mgr *Manager) CreateTopic(name string, ringSize int) error {
	if mgr.ShutdownInitiated() {
		return ErrServiceUnavailable
	}
	if name == "" || len(name) > maxTopicNameLen {
		return ErrInvalidName
	}
	if ringSize == 0 {
		ringSize = mgr.defaultRing
	}
	if ringSize < 1 || ringSize > mgr.maxRing {
		return ErrRingSizeOutOfBounds
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if _, exists := mgr.topics[name]; exists {
		return ErrTopicExists
	}

	mgr.topics[name] = topic.New(name, ringSize)
	mgr.metrics.IncTopics()
	log.Printf("broker: created topic %q (ring=%d)", name, ringSize)
	return nil
}

// GetOrCreateTopic returns the named topic, creating it with the default
// ring size if absent. An existing topic is returned even during
// shutdown; creating a missing one then fails with ErrServiceUnavailable.
func (mgr *Manager) GetOrCreateTopic(name string) (*topic.Topic, error) {
	if t, ok := mgr.GetTopic(name); ok {
		return t, nil
	}
	if err := mgr.CreateTopic(name, mgr.defaultRing); err != nil && !errors.Is(err, ErrTopicExists) {
		return nil, err
	}
	t, _ := mgr.GetTopic(name)
	return t, nil
}

// GetTopic looks up a topic by name.
func (mgr *Manager) GetTopic(name string) (*topic.Topic, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	t, ok := mgr.topics[name]
	return t, ok
}

// DeleteTopic atomically removes name from the registry, then — outside
// the registry lock — closes every subscriber session the topic held.
// notifyAndClose is called once per surviving (topic, client_id) pair
// before the topic's in-memory state is cleared; client_id is only
// unique within a topic, so callers must key any session lookup on the
// pair, not on client_id alone. Fails with ErrServiceUnavailable once
// shutdown has begun; deletion is a write operation like CreateTopic
// and Publish.
func (mgr *Manager) DeleteTopic(name string, notifyAndClose func(topic, clientID string)) error {
	if mgr.ShutdownInitiated() {
		return ErrServiceUnavailable
	}

	mgr.mu.Lock()
	t, exists := mgr.topics[name]
	if !exists {
		mgr.mu.Unlock()
		return ErrTopicNotFound
	}
	delete(mgr.topics, name)
	mgr.mu.Unlock()

	ids := t.SubscriberIDs()
	for _, id := range ids {
		if notifyAndClose != nil {
			notifyAndClose(name, id)
		}
	}
	t.Close()

	mgr.metrics.DecTopics()
	mgr.metrics.RemoveTopic(name)
	log.Printf("broker: deleted topic %q (closed %d subscribers)", name, len(ids))
	return nil
}

// ListTopics returns a snapshot of every topic in the registry.
func (mgr *Manager) ListTopics() []TopicInfo {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	out := make([]TopicInfo, 0, len(mgr.topics))
	for name, t := range mgr.topics {
		out = append(out, TopicInfo{
			Name:           name,
			Subscribers:    t.SubscriberCount(),
			RingBufferSize: t.RingCapacity(),
			MessagesInRing: t.HistorySize(),
			TotalMessages:  t.PublishedCount(),
		})
	}
	return out
}

// HealthSnapshot returns the current health summary.
func (mgr *Manager) HealthSnapshot() Health {
	mgr.mu.RLock()
	subs := 0
	topics := len(mgr.topics)
	for _, t := range mgr.topics {
		subs += t.SubscriberCount()
	}
	mgr.mu.RUnlock()

	return Health{
		UptimeSec:         int64(time.Since(mgr.startTime).Seconds()),
		Topics:            topics,
		Subscribers:       subs,
		ShutdownInitiated: mgr.ShutdownInitiated(),
	}
}

// Stats returns per-topic message/subscriber counts.
func (mgr *Manager) Stats() map[string]TopicStat {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	out := make(map[string]TopicStat, len(mgr.topics))
	for name, t := range mgr.topics {
		out[name] = TopicStat{Messages: t.PublishedCount(), Subscribers: t.SubscriberCount()}
	}
	return out
}

// Publish publishes msg to the named topic. Fails with
// ErrServiceUnavailable during shutdown or ErrTopicNotFound if the topic
// does not exist — publish never implicitly creates a topic.
func (mgr *Manager) Publish(topicName string, msg message.Message) error {
	if mgr.ShutdownInitiated() {
		return ErrServiceUnavailable
	}
	t, ok := mgr.GetTopic(topicName)
	if !ok {
		return ErrTopicNotFound
	}
	t.Publish(msg)
	mgr.metrics.RecordPublish(topicName)
	return nil
}

// InitiateShutdown moves RUNNING -> DRAINING: broadcasts an info frame to
// every subscriber on every topic and signals ShutdownCh. Idempotent.
func (mgr *Manager) InitiateShutdown() {
	mgr.shutdownOnce.Do(func() {
		mgr.stateMu.Lock()
		mgr.state = Draining
		mgr.stateMu.Unlock()

		mgr.mu.RLock()
		topics := make([]*topic.Topic, 0, len(mgr.topics))
		for _, t := range mgr.topics {
			topics = append(topics, t)
		}
		mgr.mu.RUnlock()

		info := message.NewInfoMessage("Server shutting down gracefully", time.Now())
		for _, t := range topics {
			t.Broadcast(info)
		}

		close(mgr.shutdownCh)
		log.Println("broker: shutdown initiated, no new topics or messages accepted")
	})
}

// ShutdownCh is closed the moment InitiateShutdown runs, for callers that
// want to select on the shutdown latch rather than poll ShutdownInitiated.
func (mgr *Manager) ShutdownCh() <-chan struct{} {
	return mgr.shutdownCh
}

// Shutdown drives DRAINING -> CLOSED: it calls InitiateShutdown if not
// already latched, waits up to timeout for every subscriber queue across
// every topic to drain, then force-closes every transport via
// closeSession and clears the registry. closeSession is called once per
// surviving (topic, client_id) pair, matching DeleteTopic.
func (mgr *Manager) Shutdown(ctx context.Context, timeout time.Duration, closeSession func(topic, clientID string)) {
	mgr.InitiateShutdown()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

drain:
	for {
		if mgr.allQueuesEmpty() {
			break drain
		}
		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				log.Println("broker: shutdown drain timed out, force-closing")
				break drain
			}
		case <-ctx.Done():
			break drain
		}
	}

	mgr.mu.Lock()
	topics := mgr.topics
	mgr.topics = make(map[string]*topic.Topic)
	mgr.mu.Unlock()

	closed := 0
	for _, t := range topics {
		for _, id := range t.SubscriberIDs() {
			closed++
			if closeSession != nil {
				closeSession(t.Name, id)
			}
		}
		t.Close()
	}

	mgr.stateMu.Lock()
	mgr.state = Closed
	mgr.stateMu.Unlock()

	log.Printf("broker: shutdown complete, closed %d sessions", closed)
}

func (mgr *Manager) allQueuesEmpty() bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	for _, t := range mgr.topics {
		if !t.AllQueuesEmpty() {
			return false
		}
	}
	return true
}
