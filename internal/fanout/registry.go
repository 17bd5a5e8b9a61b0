package fanout

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/store"
)

// Registry hands out one fan-out manager per actor, created lazily. Each
// manager owns its actor's circuit breakers; persisted breaker state is
// loaded on first use.
type Registry struct {
	cfg    Config
	st     store.Store
	trusts TrustResolver
	caps   CapabilityResolver
	client Deliverer
	logger zerolog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, s store.Store, trusts TrustResolver, caps CapabilityResolver, client Deliverer, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		st:       s,
		trusts:   trusts,
		caps:     caps,
		client:   client,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

// For returns the actor's manager, creating and loading it on first use.
// Persisted breaker state is loaded before the manager becomes visible, so
// no delivery runs against a manager that has not seen it yet.
func (r *Registry) For(ctx context.Context, actorID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[actorID]
	if !ok {
		m = NewManager(actorID, r.cfg, r.st, r.trusts, r.caps, r.client, r.logger)
		if err := m.Load(ctx); err != nil {
			r.logger.Warn().Err(err).
				Str("actor_id", actorID).
				Msg("Loading persisted breaker state failed")
		}
		r.managers[actorID] = m
	}
	return m
}

// Deliver fans one payload out on behalf of actorID. Implements the
// subscription engine's dispatcher.
func (r *Registry) Deliver(ctx context.Context, actorID, target string, payload map[string]any, subs []Subscriber) *messaging.FanOutResult {
	return r.For(ctx, actorID).DeliverToSubscribers(ctx, target, payload, subs)
}

// Evict drops an actor's manager, discarding its in-memory breaker state.
// Persisted state remains and is reloaded on next use.
func (r *Registry) Evict(actorID string) {
	r.mu.Lock()
	delete(r.managers, actorID)
	r.mu.Unlock()
}
