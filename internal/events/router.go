package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"wainbox/internal/inbox"
	"wainbox/internal/media"
	"wainbox/internal/resolver"
	"wainbox/internal/store"
)

// Notifier pushes processed events to connected inbox clients. Optional.
type Notifier interface {
	Broadcast(event string, payload interface{})
}

// Router dispatches decoded webhook envelopes onto the ingestion handlers.
// It holds no per-event state; idempotency lives in the handlers and the
// upsert rules beneath them.
type Router struct {
	store    *store.Store
	resolver *resolver.Resolver
	engine   *inbox.Engine
	media    *media.Pipeline
	notifier Notifier
	qrToTerm bool
}

// Config wires a Router.
type Config struct {
	Store    *store.Store
	Resolver *resolver.Resolver
	Engine   *inbox.Engine
	Media    *media.Pipeline
	Notifier Notifier
	// QRToTerminal additionally renders pairing codes on stdout, for
	// operator-attended deployments.
	QRToTerminal bool
}

// NewRouter validates the wiring and builds a Router.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("inbox engine cannot be nil")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("media pipeline cannot be nil")
	}
	return &Router{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		engine:   cfg.Engine,
		media:    cfg.Media,
		notifier: cfg.Notifier,
		qrToTerm: cfg.QRToTerminal,
	}, nil
}

// Handle routes one envelope. Unrecognized kinds are logged and dropped.
// Handler errors propagate to the caller, which applies queue-level retry;
// state committed before the failure stays committed.
func (r *Router) Handle(ctx context.Context, env *Envelope) error {
	log.Debug().Str("kind", env.Type).Str("channel_token", env.ID).Msg("Routing gateway event")

	switch env.Type {
	case KindMessage:
		return r.handleMessage(ctx, env)
	case KindReceipt, KindReadReceipt:
		return r.handleReceipt(ctx, env)
	case KindQR:
		return r.handleQR(ctx, env)
	case KindConnected:
		return r.handleConnected(ctx, env)
	case KindLoggedOut:
		return r.handleLoggedOut(ctx, env)
	case KindAppState:
		return r.handleAppState(ctx, env)
	case KindHistorySync:
		return r.handleHistorySync(ctx, env)
	case KindOfflineSyncPreview:
		return r.handleOfflineSyncPreview(ctx, env)
	case KindOfflineSyncCompleted:
		return r.handleOfflineSyncCompleted(ctx, env)
	case KindAppStateSyncComplete:
		return r.handleAppStateSyncComplete(ctx, env)
	default:
		log.Warn().Str("kind", env.Type).Msg("Unrecognized event kind dropped")
		return nil
	}
}

func (r *Router) notify(event string, payload interface{}) {
	if r.notifier != nil {
		r.notifier.Broadcast(event, payload)
	}
}
