package wsapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pubsubd/broker/internal/auth"
	"github.com/pubsubd/broker/internal/broker"
	"github.com/pubsubd/broker/internal/config"
	"github.com/pubsubd/broker/internal/message"
	"github.com/pubsubd/broker/internal/metrics"
)

func newTestServer(t *testing.T) (*httptest.Server, *broker.Manager) {
	t.Helper()
	mgr := broker.New(100, 10000, metrics.New())
	validator := auth.NewValidator([]string{"test-key"})
	cfg := &config.Config{
		SubscriberQueueSize:   10,
		SlowConsumerThreshold: 3,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	}
	h := NewHandler(mgr, validator, cfg, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func wsURL(httpURL, apiKey string) string {
	u := "ws" + strings.TrimPrefix(httpURL, "http")
	return u + "/?api_key=" + apiKey
}

func TestUpgradeRejectsBadAPIKey(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/?api_key=wrong")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSubscribePublishRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "test-key"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(message.ClientFrame{Type: "subscribe", Topic: "t1", ClientID: "c1", RequestID: "r1"}); err != nil {
		t.Fatalf("write subscribe failed: %v", err)
	}

	var ack message.ServerFrame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack failed: %v", err)
	}
	if ack.Type != "ack" || ack.RequestID != "r1" {
		t.Fatalf("expected ack for r1, got %+v", ack)
	}

	msgID := "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	pub := message.ClientFrame{
		Type:      "publish",
		Topic:     "t1",
		RequestID: "r2",
		Message:   &message.ClientMessage{ID: msgID, Payload: []byte(`{"x":1}`)},
	}
	if err := conn.WriteJSON(pub); err != nil {
		t.Fatalf("write publish failed: %v", err)
	}

	// Two frames should arrive: the publish ack and the fanned-out event
	// (the subscriber on this same connection receives its own publish).
	seenAck, seenEvent := false, false
	for i := 0; i < 2; i++ {
		var frame message.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame %d failed: %v", i, err)
		}
		switch frame.Type {
		case "ack":
			seenAck = true
		case "event":
			seenEvent = true
			if frame.Message.ID != msgID {
				t.Fatalf("expected event for %s, got %s", msgID, frame.Message.ID)
			}
		}
	}
	if !seenAck || !seenEvent {
		t.Fatalf("expected both ack and event, got ack=%v event=%v", seenAck, seenEvent)
	}
}

func TestPingPong(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "test-key"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(message.ClientFrame{Type: "ping", RequestID: "p1"}); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}
	var pong message.ServerFrame
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong failed: %v", err)
	}
	if pong.Type != "pong" || pong.RequestID != "p1" {
		t.Fatalf("expected pong for p1, got %+v", pong)
	}
}

func TestMalformedJSONGetsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "test-key"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write raw failed: %v", err)
	}
	var frame message.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read error frame failed: %v", err)
	}
	if frame.Type != "error" || frame.Error.Code != message.ErrBadRequest {
		t.Fatalf("expected BAD_REQUEST error, got %+v", frame)
	}
}
