// Package wsapi is the WebSocket transport: it upgrades HTTP requests,
// rejects unauthenticated connections before the upgrade happens, and
// runs a read loop that feeds decoded frames to a session.Session.
package wsapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pubsubd/broker/internal/auth"
	"github.com/pubsubd/broker/internal/broker"
	"github.com/pubsubd/broker/internal/config"
	"github.com/pubsubd/broker/internal/message"
	"github.com/pubsubd/broker/internal/session"
)

// Handler upgrades and serves the broker's single WebSocket endpoint.
type Handler struct {
	mgr       *broker.Manager
	validator *auth.Validator
	cfg       *config.Config
	registry  session.Registry
	upgrader  websocket.Upgrader
}

// NewHandler builds a Handler serving connections against mgr. registry
// may be nil; when set, every session reports its client_id bindings to
// it so the control API can force-close a session by (topic, client_id).
func NewHandler(mgr *broker.Manager, validator *auth.Validator, cfg *config.Config, registry session.Registry) *Handler {
	return &Handler{
		mgr:       mgr,
		validator: validator,
		cfg:       cfg,
		registry:  registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP rejects an invalid API key or a manager already draining
// before ever calling Upgrade, mirroring the pre-accept auth check the
// original consumer performs ahead of ws.accept().
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.validator.Valid(auth.KeyFromRequest(r)) {
		http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
		return
	}
	if h.mgr.ShutdownInitiated() {
		http.Error(w, "service unavailable: shutdown in progress", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsapi: upgrade failed: %v", err)
		return
	}

	tr := &connTransport{conn: conn, writeTimeout: h.cfg.WriteTimeout}
	sess := session.New(h.mgr, tr, session.Config{
		QueueSize:     h.cfg.SubscriberQueueSize,
		SlowThreshold: h.cfg.SlowConsumerThreshold,
	})
	if h.registry != nil {
		sess.SetRegistry(h.registry)
	}
	sess.Run()
	log.Printf("wsapi: session %s connected from %s", sess.ID, r.RemoteAddr)

	h.readLoop(conn, sess)
}

// readLoop owns the connection's only reader; every inbound frame is
// handed to sess.Handle synchronously, which is the contract Session
// requires (Handle must not be called concurrently with itself).
func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session) {
	defer sess.Close(message.CloseGoingAway, "connection closed")

	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("wsapi: session %s read error: %v", sess.ID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var frame message.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			sess.SendError(message.ErrBadRequest, "malformed JSON frame")
			continue
		}
		sess.Handle(frame)
	}
}

// connTransport adapts *websocket.Conn to session.Transport. Every data
// frame goes through the session's single writer goroutine; the close
// frame is sent with WriteControl, which gorilla/websocket allows
// concurrently with other writes, so no locking is needed here.
type connTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *connTransport) Send(frame message.ServerFrame) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(frame)
}

func (t *connTransport) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	closeMsg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	return t.conn.Close()
}
