// Command pubsubd runs the in-memory pub/sub broker: the WebSocket
// event transport, the synchronous HTTP control API, and the
// signal-driven graceful shutdown sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/pubsubd/broker/internal/auth"
	"github.com/pubsubd/broker/internal/broker"
	"github.com/pubsubd/broker/internal/config"
	"github.com/pubsubd/broker/internal/httpapi"
	"github.com/pubsubd/broker/internal/message"
	"github.com/pubsubd/broker/internal/metrics"
	"github.com/pubsubd/broker/internal/session"
	"github.com/pubsubd/broker/internal/wsapi"
)

var configFile = flag.String("config", ".env", "Path to configuration file")

// subscriberKey identifies one subscription: client_id is only unique
// within a topic, so the registry must key on the pair rather than on
// client_id alone — two sessions may legitimately subscribe under the
// same client_id on two different topics.
type subscriberKey struct {
	topic    string
	clientID string
}

// sessionRegistry is the process-wide table from a subscribed (topic,
// client_id) pair to the Session currently holding it, so the control
// API can force-close a connection when a topic it subscribes to is
// deleted or the broker shuts down. The core (topic, subscriber, broker
// packages) never needs to know this table exists.
type sessionRegistry struct {
	mu   sync.Mutex
	byID map[subscriberKey]*session.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byID: make(map[subscriberKey]*session.Session)}
}

func (r *sessionRegistry) Bind(topic, clientID string, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[subscriberKey{topic, clientID}] = s
}

func (r *sessionRegistry) Unbind(topic, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, subscriberKey{topic, clientID})
}

// close force-closes the session holding (topic, clientID), if any. Safe
// to pass directly as broker.Manager's notifyAndClose/closeSession
// callback.
func (r *sessionRegistry) close(topic, clientID string) {
	key := subscriberKey{topic, clientID}
	r.mu.Lock()
	s, ok := r.byID[key]
	delete(r.byID, key)
	r.mu.Unlock()
	if ok {
		s.Close(message.CloseGoingAway, "topic deleted or server shutting down")
	}
}

func main() {
	if err := godotenv.Load(*configFile); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	cfg := config.NewConfig()
	cfg.ParseFlags()

	log.Printf("Starting pub/sub broker on %s:%s", cfg.Host, cfg.Port)

	m := metrics.New()
	mgr := broker.New(cfg.DefaultRingBufferSize, cfg.MaxRingBufferSize, m)
	validator := auth.NewValidator(cfg.APIKeys)

	sessions := newSessionRegistry()
	wsHandler := wsapi.NewHandler(mgr, validator, cfg, sessions)
	ctlHandler := httpapi.NewHandler(mgr, cfg.ShutdownTimeout, sessions.close)

	router := chi.NewRouter()
	router.Handle(cfg.WSPath, wsHandler)
	httpapi.Routes(router, ctlHandler, validator)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	mgr.Shutdown(ctx, cfg.ShutdownTimeout, sessions.close)

	log.Println("Shutdown complete")
}
