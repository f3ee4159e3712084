// Package session adapts one WebSocket connection's wire protocol to the
// topic/subscriber core: it dispatches inbound frames, runs one delivery
// worker per subscription, and serializes outbound frames through a single
// writer so the transport never sees concurrent writes.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pubsubd/broker/internal/broker"
	"github.com/pubsubd/broker/internal/message"
	"github.com/pubsubd/broker/internal/subscriber"
)

// Registry lets an external owner (the process's session table) look a
// Session up by the (topic, client_id) pair one of its subscriptions is
// using, so a topic-level operation — delete_topic, shutdown — can
// force-close the session that holds a surviving subscriber even though
// the topic and subscriber packages never hold a transport reference
// themselves. client_id is only unique within a topic, so the registry
// must be keyed on the pair, not on client_id alone.
type Registry interface {
	Bind(topic, clientID string, s *Session)
	Unbind(topic, clientID string)
}

// Transport is the minimal surface a session needs from its connection.
// A WebSocket handler implements this; tests can fake it.
type Transport interface {
	// Send writes one outbound frame. Called from a single goroutine per
	// Session, so implementations need not be internally synchronized.
	Send(frame message.ServerFrame) error
	// Close closes the connection with the given status code and reason.
	Close(code int, reason string) error
}

// Config bounds a session's subscriber queues.
type Config struct {
	QueueSize     int
	SlowThreshold int
	OutboxSize    int
}

// binding tracks one subscription this session holds.
type binding struct {
	clientID string
	sub      *subscriber.Subscriber
	stop     chan struct{}
}

// Session owns the protocol state for one connection: its subscriptions,
// their delivery workers, and the single outbound writer loop.
type Session struct {
	ID        string
	mgr       *broker.Manager
	transport Transport
	cfg       Config
	registry  Registry

	mu       sync.Mutex
	bindings map[string]*binding // topic name -> binding

	out       chan message.ServerFrame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Session bound to mgr and transport. Run must be called to
// start the outbound writer loop before Handle is used.
func New(mgr *broker.Manager, transport Transport, cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 50
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 3
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	return &Session{
		ID:        uuid.NewString(),
		mgr:       mgr,
		transport: transport,
		cfg:       cfg,
		bindings:  make(map[string]*binding),
		out:       make(chan message.ServerFrame, cfg.OutboxSize),
		done:      make(chan struct{}),
	}
}

// SetRegistry installs the session table this Session reports its
// client_id bindings to. Optional; call before Run if used.
func (s *Session) SetRegistry(r Registry) {
	s.registry = r
}

// Run starts the single writer goroutine that drains the outbound queue
// to the transport. Callers should invoke this once per session and not
// call Transport.Send directly.
func (s *Session) Run() {
	go s.writeLoop()
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.transport.Send(frame); err != nil {
				log.Printf("session %s: write failed, closing: %v", s.ID, err)
				go s.Close(message.CloseGoingAway, "write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// sendFrame enqueues frame for delivery without blocking the caller. A
// full outbox (a transport that isn't keeping up at the protocol level,
// distinct from a per-subscriber slow consumer) drops the frame.
func (s *Session) sendFrame(frame message.ServerFrame) {
	select {
	case s.out <- frame:
	default:
		log.Printf("session %s: outbox full, dropping %s frame", s.ID, frame.Type)
	}
}

// SendError enqueues an outbound error frame not tied to any parsed
// inbound frame — used by the transport layer when raw input doesn't
// even decode as a ClientFrame.
func (s *Session) SendError(code, msg string) {
	s.sendFrame(message.NewError("", code, msg))
}

// Handle dispatches one inbound client frame. It is safe to call from the
// transport's single read loop; it must not be called concurrently.
func (s *Session) Handle(frame message.ClientFrame) {
	if s.mgr.ShutdownInitiated() {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrServiceUnavailable, "server is shutting down"))
		go s.Close(message.CloseGoingAway, "server shutting down")
		return
	}

	switch frame.Type {
	case "ping":
		s.sendFrame(message.NewPong(frame.RequestID))
	case "subscribe":
		s.handleSubscribe(frame)
	case "unsubscribe":
		s.handleUnsubscribe(frame)
	case "publish":
		s.handlePublish(frame)
	default:
		s.sendFrame(message.NewError(frame.RequestID, message.ErrBadRequest, "unknown frame type: "+frame.Type))
	}
}

func (s *Session) handleSubscribe(frame message.ClientFrame) {
	if frame.Topic == "" || frame.ClientID == "" {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrBadRequest, "topic and client_id are required"))
		return
	}

	t, err := s.mgr.GetOrCreateTopic(frame.Topic)
	if err != nil {
		s.sendFrame(errorFrameFor(frame.RequestID, err))
		return
	}

	sub := subscriber.New(frame.ClientID, s.cfg.QueueSize, s.cfg.SlowThreshold)
	if !t.AddSubscriber(sub, &ejector{session: s, topic: frame.Topic}) {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrBadRequest, "client_id already subscribed to topic"))
		return
	}

	b := &binding{clientID: frame.ClientID, sub: sub, stop: make(chan struct{})}
	s.mu.Lock()
	s.bindings[frame.Topic] = b
	s.mu.Unlock()

	s.wg.Add(1)
	go s.deliverLoop(frame.Topic, b)

	if s.registry != nil {
		s.registry.Bind(frame.Topic, frame.ClientID, s)
	}

	if frame.LastN > 0 {
		for _, m := range t.Recent(frame.LastN) {
			s.sendFrame(message.NewEvent(frame.Topic, m))
		}
	}
	s.sendFrame(message.NewAck(frame.RequestID, frame.Topic))
}

func (s *Session) handleUnsubscribe(frame message.ClientFrame) {
	if frame.Topic == "" || frame.ClientID == "" {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrBadRequest, "topic and client_id are required"))
		return
	}

	t, ok := s.mgr.GetTopic(frame.Topic)
	if !ok || !t.RemoveSubscriber(frame.ClientID) {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrTopicNotFound, "not subscribed to topic"))
		return
	}

	s.mu.Lock()
	b, tracked := s.bindings[frame.Topic]
	delete(s.bindings, frame.Topic)
	s.mu.Unlock()
	if tracked {
		close(b.stop)
	}
	if s.registry != nil {
		s.registry.Unbind(frame.Topic, frame.ClientID)
	}

	s.sendFrame(message.NewAck(frame.RequestID, frame.Topic))
}

func (s *Session) handlePublish(frame message.ClientFrame) {
	if frame.Topic == "" || frame.Message == nil {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrBadRequest, "topic and message are required"))
		return
	}
	if !message.ValidID(frame.Message.ID) {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrBadRequest, "message.id must be a valid UUID"))
		return
	}
	if len(frame.Message.Payload) == 0 {
		s.sendFrame(message.NewError(frame.RequestID, message.ErrBadRequest, "message.payload is required"))
		return
	}

	m := message.NewMessage(frame.Message.ID, frame.Message.Payload, time.Now())
	if err := s.mgr.Publish(frame.Topic, m); err != nil {
		s.sendFrame(errorFrameFor(frame.RequestID, err))
		return
	}
	s.sendFrame(message.NewAck(frame.RequestID, frame.Topic))
}

func (s *Session) deliverLoop(topicName string, b *binding) {
	defer s.wg.Done()
	for {
		select {
		case m, ok := <-b.sub.Chan():
			if !ok {
				return
			}
			if m.InfoText != "" {
				s.sendFrame(message.NewInfo(m.InfoText, topicName, ""))
				continue
			}
			s.sendFrame(message.NewEvent(topicName, m))
		case <-b.stop:
			return
		case <-s.done:
			return
		}
	}
}

// Close tears the session down: it stops every delivery worker, removes
// the session's subscriptions from their topics, and closes the
// transport. Safe to call more than once or concurrently with itself.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		bindings := s.bindings
		s.bindings = nil
		s.mu.Unlock()

		for topicName, b := range bindings {
			if t, ok := s.mgr.GetTopic(topicName); ok {
				t.RemoveSubscriber(b.clientID)
			}
			if s.registry != nil {
				s.registry.Unbind(topicName, b.clientID)
			}
		}

		if err := s.transport.Close(code, reason); err != nil {
			log.Printf("session %s: transport close error: %v", s.ID, err)
		}
	})
}

// ejector implements topic.Ejector for one (session, topic) pair.
type ejector struct {
	session *Session
	topic   string
}

func (e *ejector) NotifySlowConsumer(clientID string) {
	e.session.sendFrame(message.NewError("", message.ErrSlowConsumer, "slow consumer ejected from topic "+e.topic))
	// Run on a fresh goroutine: this callback fires from inside the
	// topic's publish critical section, and Close synchronously removes
	// the session's subscription on every bound topic including this
	// one — doing that inline here would deadlock against the very
	// lock the caller is holding.
	go e.session.Close(message.ClosePolicyViolation, "slow consumer")
}

func errorFrameFor(requestID string, err error) message.ServerFrame {
	switch {
	case errors.Is(err, broker.ErrServiceUnavailable):
		return message.NewError(requestID, message.ErrServiceUnavailable, err.Error())
	case errors.Is(err, broker.ErrTopicNotFound):
		return message.NewError(requestID, message.ErrTopicNotFound, err.Error())
	case errors.Is(err, broker.ErrInvalidName), errors.Is(err, broker.ErrRingSizeOutOfBounds):
		return message.NewError(requestID, message.ErrBadRequest, err.Error())
	default:
		return message.NewError(requestID, message.ErrInternal, err.Error())
	}
}
