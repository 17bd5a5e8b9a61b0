// Package callback processes inbound subscription callbacks: envelope
// validation, per-subscription sequencing with gap queueing, resync
// baselines, low-granularity fetch-and-acknowledge, and dispatch into
// application hooks.
package callback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
)

// Event is one processed callback handed to application hooks. Data holds
// the diff payload (inline or fetched); ListMutations are the decoded
// "list:<name>" operations found inside it.
type Event struct {
	ActorID        string
	PublisherID    string
	SubscriptionID string
	Target         string
	Subtarget      string
	Sequence       int64
	Timestamp      time.Time
	Data           map[string]any
	ListMutations  map[string]messaging.ListMutation
	Resync         bool
	Fetched        bool // Data came from a URL fetch, not the envelope
}

// Handler consumes one event. A returned error is logged and treated as
// "not handled"; it never blocks sequence advancement.
type Handler func(ctx context.Context, ev Event) error

// Hooks routes events to handlers by target. The empty target registers a
// catch-all invoked for targets without their own handler.
type Hooks struct {
	mu     sync.RWMutex
	diff   map[string]Handler
	resync map[string]Handler
	logger zerolog.Logger
}

// NewHooks creates an empty registry.
func NewHooks(logger zerolog.Logger) *Hooks {
	return &Hooks{
		diff:   make(map[string]Handler),
		resync: make(map[string]Handler),
		logger: logger.With().Str("component", "hooks").Logger(),
	}
}

// OnDiff registers the diff handler for a target ("" for catch-all).
func (h *Hooks) OnDiff(target string, fn Handler) {
	h.mu.Lock()
	h.diff[target] = fn
	h.mu.Unlock()
}

// OnResync registers the resync handler for a target ("" for catch-all).
func (h *Hooks) OnResync(target string, fn Handler) {
	h.mu.Lock()
	h.resync[target] = fn
	h.mu.Unlock()
}

func (h *Hooks) lookup(m map[string]Handler, target string) Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fn, ok := m[target]; ok {
		return fn
	}
	return m[""]
}

// DispatchDiff invokes the diff handler for the event's target, if any.
func (h *Hooks) DispatchDiff(ctx context.Context, ev Event) {
	h.dispatch(ctx, h.lookup(h.diff, ev.Target), "diff", ev)
}

// DispatchResync invokes the resync handler for the event's target, if any.
func (h *Hooks) DispatchResync(ctx context.Context, ev Event) {
	h.dispatch(ctx, h.lookup(h.resync, ev.Target), "resync", ev)
}

func (h *Hooks) dispatch(ctx context.Context, fn Handler, kind string, ev Event) {
	if fn == nil {
		h.logger.Debug().
			Str("kind", kind).
			Str("target", ev.Target).
			Int64("sequence", ev.Sequence).
			Msg("No hook registered")
		return
	}
	if err := fn(ctx, ev); err != nil {
		h.logger.Error().Err(err).
			Str("kind", kind).
			Str("target", ev.Target).
			Str("publisher_id", ev.PublisherID).
			Int64("sequence", ev.Sequence).
			Msg("Hook failed")
	}
}
