// Package handlers exposes the HTTP surface of the service: the gateway
// webhook, channel provisioning, outbound sends, conversation actions and
// operational status endpoints.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"wainbox/internal/events"
	"wainbox/internal/gateway"
	"wainbox/internal/inbox"
	"wainbox/internal/outbound"
	"wainbox/internal/queue"
	"wainbox/internal/resolver"
	"wainbox/internal/store"
	"wainbox/internal/wsnotify"
)

// HeaderWebhookToken authenticates gateway webhook deliveries when a token
// is configured.
const HeaderWebhookToken = "X-Webhook-Token"

// Config carries the collaborators a Server needs. EventQueue and
// OutboundQueue are optional; when nil the corresponding work runs inline
// on the request goroutine.
type Config struct {
	Store    *store.Store
	Gateway  *gateway.Client
	Sender   *outbound.Sender
	Engine   *inbox.Engine
	Resolver *resolver.Resolver
	Router   *events.Router
	Hub      *wsnotify.Hub

	EventQueue    *queue.Dispatcher
	OutboundQueue *queue.Dispatcher

	WebhookPath  string
	WebhookToken string
}

// Server is the HTTP handler set.
type Server struct {
	store    *store.Store
	gateway  *gateway.Client
	sender   *outbound.Sender
	engine   *inbox.Engine
	resolver *resolver.Resolver
	router   *events.Router
	hub      *wsnotify.Hub

	eventQueue    *queue.Dispatcher
	outboundQueue *queue.Dispatcher

	webhookPath  string
	webhookToken string
}

// NewServer validates the wiring and builds the handler set.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("handlers: store is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("handlers: event router is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("handlers: sender is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("handlers: inbox engine is required")
	}
	path := cfg.WebhookPath
	if path == "" {
		path = "/webhooks/gateway"
	}
	return &Server{
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		sender:        cfg.Sender,
		engine:        cfg.Engine,
		resolver:      cfg.Resolver,
		router:        cfg.Router,
		hub:           cfg.Hub,
		eventQueue:    cfg.EventQueue,
		outboundQueue: cfg.OutboundQueue,
		webhookPath:   path,
		webhookToken:  cfg.WebhookToken,
	}, nil
}

// Routes builds the router with the standard middleware chain.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	chain := alice.New(s.logRequest)

	r.Handle(s.webhookPath, chain.Then(s.Webhook())).Methods(http.MethodPost)

	r.Handle("/api/channels", chain.Then(s.CreateChannel())).Methods(http.MethodPost)
	r.Handle("/api/channels/{channelId}", chain.Then(s.GetChannel())).Methods(http.MethodGet)
	r.Handle("/api/channels/{channelId}", chain.Then(s.DeleteChannel())).Methods(http.MethodDelete)
	r.Handle("/api/channels/{channelId}/qr", chain.Then(s.ChannelQR())).Methods(http.MethodGet)

	r.Handle("/api/messages", chain.Then(s.SendMessage())).Methods(http.MethodPost)
	r.Handle("/api/conversations/{conversationId}/messages", chain.Then(s.ListMessages())).Methods(http.MethodGet)
	r.Handle("/api/conversations/{conversationId}/transfer", chain.Then(s.TransferConversation())).Methods(http.MethodPost)
	r.Handle("/api/conversations/{conversationId}/resolve", chain.Then(s.ResolveConversation())).Methods(http.MethodPost)

	r.Handle("/status/queues", chain.Then(s.QueueStatus())).Methods(http.MethodGet)
	r.Handle("/status/locks", chain.Then(s.LockStatus())).Methods(http.MethodGet)
	r.Handle("/status/health", chain.Then(s.Health())).Methods(http.MethodGet)

	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.ServeWS)
	}
	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// Respond writes a JSON response. Errors are wrapped in an error object,
// everything else is marshaled as-is.
func (s *Server) Respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	var body interface{}
	switch v := data.(type) {
	case error:
		body = map[string]string{"error": v.Error()}
	case string:
		body = map[string]string{"detail": v}
	default:
		body = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	w.WriteHeader(status)
	w.Write(payload)
}

// Health is a liveness probe.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
