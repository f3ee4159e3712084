package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pubsubd/broker/internal/broker"
	"github.com/pubsubd/broker/internal/message"
	"github.com/pubsubd/broker/internal/metrics"
	"github.com/pubsubd/broker/internal/subscriber"
)

// fakeTransport records every frame sent to it and whether/how it was closed.
type fakeTransport struct {
	mu     sync.Mutex
	frames []message.ServerFrame
	closed bool
	code   int
	reason string
}

func (f *fakeTransport) Send(frame message.ServerFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) snapshot() []message.ServerFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.ServerFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) framesByType(typ string) []message.ServerFrame {
	var out []message.ServerFrame
	for _, fr := range f.snapshot() {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

func newTestSession() (*Session, *fakeTransport, *broker.Manager) {
	mgr := broker.New(100, 10000, metrics.New())
	tr := &fakeTransport{}
	s := New(mgr, tr, Config{QueueSize: 10, SlowThreshold: 3, OutboxSize: 32})
	s.Run()
	return s, tr, mgr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPingRepliesPong(t *testing.T) {
	s, tr, _ := newTestSession()
	s.Handle(message.ClientFrame{Type: "ping", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("pong")) == 1 })
}

func TestSubscribeAcksAndCreatesTopic(t *testing.T) {
	s, tr, mgr := newTestSession()
	s.Handle(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 1 })

	tp, ok := mgr.GetTopic("t1")
	if !ok {
		t.Fatal("expected topic t1 to have been created")
	}
	if tp.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", tp.SubscriberCount())
	}
}

func TestSubscribeRejectsDuplicateClientID(t *testing.T) {
	s, tr, _ := newTestSession()
	s.Handle(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 1 })

	s.Handle(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", RequestID: "r2"})
	waitFor(t, func() bool { return len(tr.framesByType("error")) == 1 })

	errs := tr.framesByType("error")
	if errs[0].Error.Code != message.ErrBadRequest {
		t.Fatalf("expected BAD_REQUEST, got %s", errs[0].Error.Code)
	}
}

func TestSubscribeMissingFieldsIsBadRequest(t *testing.T) {
	s, tr, _ := newTestSession()
	s.Handle(message.ClientFrame{Type: "subscribe", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("error")) == 1 })
	if tr.framesByType("error")[0].Error.Code != message.ErrBadRequest {
		t.Fatal("expected BAD_REQUEST")
	}
}

func TestSubscribeWithLastNReplaysBeforeAck(t *testing.T) {
	s, tr, mgr := newTestSession()
	mgr.CreateTopic("t1", 10)
	id1, id2 := uuid.NewString(), uuid.NewString()
	mgr.Publish("t1", message.NewMessage(id1, json.RawMessage(`{"a":1}`), time.Now()))
	mgr.Publish("t1", message.NewMessage(id2, json.RawMessage(`{"a":2}`), time.Now()))

	s.Handle(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", LastN: 5, RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 1 })

	frames := tr.snapshot()
	var sawEvent, sawAck bool
	eventCount := 0
	for _, f := range frames {
		if f.Type == "event" {
			sawEvent = true
			eventCount++
			if sawAck {
				t.Fatal("event observed after ack; replay must precede ack")
			}
		}
		if f.Type == "ack" {
			sawAck = true
		}
	}
	if !sawEvent || eventCount != 2 {
		t.Fatalf("expected 2 replayed events before ack, got %d (sawEvent=%v)", eventCount, sawEvent)
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	s, tr, _ := newTestSession()
	s.Handle(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 1 })

	msgID := uuid.NewString()
	s.Handle(message.ClientFrame{
		Type:      "publish",
		Topic:     "t1",
		RequestID: "r2",
		Message:   &message.ClientMessage{ID: msgID, Payload: json.RawMessage(`{"x":1}`)},
	})

	waitFor(t, func() bool { return len(tr.framesByType("event")) == 1 })
	events := tr.framesByType("event")
	if events[0].Message.ID != msgID {
		t.Fatalf("expected delivered event id %s, got %s", msgID, events[0].Message.ID)
	}
}

func TestPublishRejectsInvalidUUID(t *testing.T) {
	s, tr, mgr := newTestSession()
	mgr.CreateTopic("t1", 10)
	s.Handle(message.ClientFrame{
		Type:      "publish",
		Topic:     "t1",
		RequestID: "r1",
		Message:   &message.ClientMessage{ID: "not-a-uuid", Payload: json.RawMessage(`{}`)},
	})
	waitFor(t, func() bool { return len(tr.framesByType("error")) == 1 })
	if tr.framesByType("error")[0].Error.Code != message.ErrBadRequest {
		t.Fatal("expected BAD_REQUEST for invalid message id")
	}
}

func TestPublishToMissingTopicIsTopicNotFound(t *testing.T) {
	s, tr, _ := newTestSession()
	s.Handle(message.ClientFrame{
		Type:      "publish",
		Topic:     "nope",
		RequestID: "r1",
		Message:   &message.ClientMessage{ID: uuid.NewString(), Payload: json.RawMessage(`{}`)},
	})
	waitFor(t, func() bool { return len(tr.framesByType("error")) == 1 })
	if tr.framesByType("error")[0].Error.Code != message.ErrTopicNotFound {
		t.Fatal("expected TOPIC_NOT_FOUND")
	}
}

func TestUnsubscribeThenPublishStopsDelivery(t *testing.T) {
	s, tr, _ := newTestSession()
	s.Handle(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 1 })

	s.Handle(message.ClientFrame{Type: "unsubscribe", Topic: "t1", ClientID: "c1", RequestID: "r2"})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 2 })

	s.Handle(message.ClientFrame{
		Type:      "publish",
		Topic:     "t1",
		RequestID: "r3",
		Message:   &message.ClientMessage{ID: uuid.NewString(), Payload: json.RawMessage(`{}`)},
	})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 3 })

	time.Sleep(20 * time.Millisecond)
	if len(tr.framesByType("event")) != 0 {
		t.Fatal("expected no events delivered after unsubscribe")
	}
}

func TestUnsubscribeUnknownTopicIsTopicNotFound(t *testing.T) {
	s, tr, _ := newTestSession()
	s.Handle(message.ClientFrame{Type: "unsubscribe", Topic: "nope", ClientID: "c1", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("error")) == 1 })
	if tr.framesByType("error")[0].Error.Code != message.ErrTopicNotFound {
		t.Fatal("expected TOPIC_NOT_FOUND")
	}
}

func TestShutdownRejectsInboundFramesAndCloses(t *testing.T) {
	s, tr, mgr := newTestSession()
	mgr.InitiateShutdown()

	s.Handle(message.ClientFrame{Type: "ping", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("error")) == 1 })

	errs := tr.framesByType("error")
	if errs[0].Error.Code != message.ErrServiceUnavailable {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %s", errs[0].Error.Code)
	}
	waitFor(t, func() bool { tr.mu.Lock(); defer tr.mu.Unlock(); return tr.closed })
}

func TestShutdownBroadcastDeliversInfoFrameNotEvent(t *testing.T) {
	s, tr, mgr := newTestSession()
	s.Handle(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", RequestID: "r1"})
	waitFor(t, func() bool { return len(tr.framesByType("ack")) == 1 })

	mgr.InitiateShutdown()

	waitFor(t, func() bool { return len(tr.framesByType("info")) == 1 })
	if len(tr.framesByType("event")) != 0 {
		t.Fatal("shutdown broadcast must not be delivered as an event frame")
	}
	info := tr.framesByType("info")[0]
	if info.Msg == "" {
		t.Fatal("expected info frame to carry a non-empty msg")
	}
	if info.Topic != "t1" {
		t.Fatalf("expected info frame tagged with topic t1, got %q", info.Topic)
	}
}

func TestSlowConsumerEjectionClosesSessionAndRemovesSubscription(t *testing.T) {
	mgr := broker.New(100, 10000, metrics.New())
	mgr.CreateTopic("t1", 10)
	tr := &fakeTransport{}
	s := New(mgr, tr, Config{QueueSize: 1, SlowThreshold: 1, OutboxSize: 8})
	s.Run()

	// Bind the subscriber directly via the topic rather than through
	// Handle("subscribe",...): that path also spawns a delivery worker
	// that would drain the queue and make overflow non-deterministic.
	tp, _ := mgr.GetTopic("t1")
	sub := subscriber.New("c1", 1, 1)
	if !tp.AddSubscriber(sub, &ejector{session: s, topic: "t1"}) {
		t.Fatal("expected AddSubscriber to succeed")
	}

	tp.Publish(message.NewMessage(uuid.NewString(), json.RawMessage(`{}`), time.Now()))
	tp.Publish(message.NewMessage(uuid.NewString(), json.RawMessage(`{}`), time.Now()))

	waitFor(t, func() bool { return tp.SubscriberCount() == 0 })
	waitFor(t, func() bool { tr.mu.Lock(); defer tr.mu.Unlock(); return tr.closed })

	tr.mu.Lock()
	code := tr.code
	tr.mu.Unlock()
	if code != message.ClosePolicyViolation {
		t.Fatalf("expected policy-violation close code, got %d", code)
	}
	if len(tr.framesByType("error")) == 0 {
		t.Fatal("expected a SLOW_CONSUMER error frame")
	}
}
