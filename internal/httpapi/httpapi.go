// Package httpapi is the synchronous control API: list/create/delete
// topics, health, stats, and shutdown, all behind the pre-shared API key.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pubsubd/broker/internal/auth"
	"github.com/pubsubd/broker/internal/broker"
)

// Handler serves the control API against a broker.Manager.
type Handler struct {
	mgr             *broker.Manager
	shutdownTimeout time.Duration
	closeSession    func(topic, clientID string)
}

// NewHandler builds a Handler. closeSession is invoked once per
// surviving (topic, client_id) pair when a topic is deleted or the
// manager shuts down, so the transport layer can force-close that
// session.
func NewHandler(mgr *broker.Manager, shutdownTimeout time.Duration, closeSession func(topic, clientID string)) *Handler {
	return &Handler{mgr: mgr, shutdownTimeout: shutdownTimeout, closeSession: closeSession}
}

// Routes mounts the control API onto r, wrapped in validator's
// authentication middleware and the teacher's chi middleware stack.
func Routes(r chi.Router, h *Handler, validator *auth.Validator) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(validator.Middleware)

	r.Route("/topics", func(r chi.Router) {
		r.Get("/", h.ListTopics)
		r.Post("/", h.CreateTopic)
		r.Delete("/{name}", h.DeleteTopic)
	})
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Post("/shutdown", h.Shutdown)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// createTopicRequest is the POST /topics body.
type createTopicRequest struct {
	Name     string `json:"name"`
	RingSize int    `json:"ring_size"`
}

// CreateTopic handles POST /topics.
func (h *Handler) CreateTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := h.mgr.CreateTopic(req.Name, req.RingSize)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "topic": req.Name})
	case errors.Is(err, broker.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, broker.ErrTopicExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrInvalidName), errors.Is(err, broker.ErrRingSizeOutOfBounds):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// DeleteTopic handles DELETE /topics/{name}.
func (h *Handler) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := h.mgr.DeleteTopic(name, h.closeSession)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "topic": name})
	case errors.Is(err, broker.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, broker.ErrTopicNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ListTopics handles GET /topics.
func (h *Handler) ListTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"topics": h.mgr.ListTopics()})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.HealthSnapshot())
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Stats())
}

// Shutdown handles POST /shutdown. It latches the shutdown state
// synchronously — so the 200 response is never racing a caller that
// immediately retries a write endpoint expecting 503 — then runs the
// drain-then-close sequence in the background.
func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	h.mgr.InitiateShutdown()
	go h.mgr.Shutdown(context.Background(), h.shutdownTimeout, h.closeSession)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Graceful shutdown initiated"})
}
