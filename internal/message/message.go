// Package message provides the data structures for the pub/sub wire
// protocol and the immutable Message value carried inside it.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable publication: a caller-chosen UUID, an opaque
// JSON payload, and a server-assigned publish timestamp.
type Message struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"-"`
	// InfoText marks this Message as a server-generated notification
	// (e.g. the shutdown broadcast) rather than a client publication.
	// Set, it routes through the same subscriber queue as a regular
	// message but renders on the wire as an info frame, never an event,
	// and never enters a topic's history ring.
	InfoText string `json:"-"`
}

// ValidID reports whether id parses as a canonical UUID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NewMessage constructs a Message, stamping it with the given publish time.
func NewMessage(id string, payload json.RawMessage, ts time.Time) Message {
	return Message{ID: id, Payload: payload, Timestamp: ts}
}

// NewInfoMessage wraps a server-generated notification for delivery
// through the same bounded subscriber queues a regular publication
// travels through, without consuming a history slot or a publish count.
func NewInfoMessage(text string, ts time.Time) Message {
	return Message{InfoText: text, Timestamp: ts}
}

// ClientFrame is an inbound frame from a session's transport.
type ClientFrame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	LastN     int             `json:"last_n,omitempty"`
	Message   *ClientMessage  `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// ClientMessage is the {id, payload} pair carried by an inbound publish frame.
type ClientMessage struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorInfo is the {code, message} pair carried by an outbound error frame.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WireMessage is the {id, payload} pair carried by an outbound event frame.
type WireMessage struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ServerFrame is an outbound frame to a session's transport.
type ServerFrame struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	Topic     string       `json:"topic,omitempty"`
	Status    string       `json:"status,omitempty"`
	Message   *WireMessage `json:"message,omitempty"`
	Error     *ErrorInfo   `json:"error,omitempty"`
	Msg       string       `json:"msg,omitempty"`
	Ts        string       `json:"ts"`
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewAck builds an outbound ack frame.
func NewAck(requestID, topic string) ServerFrame {
	return ServerFrame{Type: "ack", RequestID: requestID, Topic: topic, Status: "ok", Ts: isoNow()}
}

// NewPong builds an outbound pong frame.
func NewPong(requestID string) ServerFrame {
	return ServerFrame{Type: "pong", RequestID: requestID, Ts: isoNow()}
}

// NewEvent builds an outbound event frame carrying m.
func NewEvent(topic string, m Message) ServerFrame {
	return ServerFrame{
		Type:  "event",
		Topic: topic,
		Message: &WireMessage{
			ID:      m.ID,
			Payload: m.Payload,
		},
		Ts: isoTime(m.Timestamp),
	}
}

// NewError builds an outbound error frame. requestID may be empty.
func NewError(requestID, code, msg string) ServerFrame {
	return ServerFrame{
		Type:      "error",
		RequestID: requestID,
		Error:     &ErrorInfo{Code: code, Message: msg},
		Ts:        isoNow(),
	}
}

// NewInfo builds an outbound info frame. topic and requestID may be empty.
func NewInfo(msg, topic, requestID string) ServerFrame {
	return ServerFrame{Type: "info", Msg: msg, Topic: topic, RequestID: requestID, Ts: isoNow()}
}

// Error codes used on the wire, per the protocol's error taxonomy.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrTopicNotFound      = "TOPIC_NOT_FOUND"
	ErrSlowConsumer       = "SLOW_CONSUMER"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrInternal           = "INTERNAL"
)

// Close codes used when the transport closes a connection.
const (
	ClosePolicyViolation = 1008
	CloseGoingAway       = 1001
)
