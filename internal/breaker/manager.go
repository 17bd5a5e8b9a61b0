package breaker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/monitoring"
	"github.com/actingweb/actingweb-sub002/internal/store"
)

// Bucket and key layout for persisted circuit state.
const (
	Bucket    = "_circuit_breaker_state"
	keyPrefix = "cb:"
)

// Status is a read-only snapshot of one breaker, exposed via GetStatus.
type Status struct {
	PeerID          string    `json:"peerid"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
}

// Manager owns every breaker for one actor. It indexes them in memory and
// writes state changes through to the store. Persistence failures are
// logged and swallowed; they never fail the delivery that triggered them.
type Manager struct {
	actorID   string
	store     store.Store
	threshold int
	cooldown  time.Duration
	persist   bool
	logger    zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager builds the manager. Call Load before first use to pick up
// state persisted by a previous process.
func NewManager(actorID string, s store.Store, threshold int, cooldown time.Duration, persist bool, logger zerolog.Logger) *Manager {
	return &Manager{
		actorID:   actorID,
		store:     s,
		threshold: threshold,
		cooldown:  cooldown,
		persist:   persist,
		logger:    logger.With().Str("component", "breaker").Str("actor_id", actorID).Logger(),
		breakers:  make(map[string]*Breaker),
	}
}

// Load bulk-reads all persisted breakers for the actor into the index.
// Threshold and cooldown are taken from the current config, overriding
// stored values.
func (m *Manager) Load(ctx context.Context) error {
	if !m.persist {
		return nil
	}
	attrs, err := m.store.ListBucket(ctx, m.actorID, Bucket)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, attr := range attrs {
		peerID, ok := strings.CutPrefix(name, keyPrefix)
		if !ok {
			continue
		}
		m.breakers[peerID] = FromData(peerID, attr.Data, m.threshold, m.cooldown)
	}
	if len(m.breakers) > 0 {
		m.logger.Info().Int("count", len(m.breakers)).Msg("Loaded circuit breaker state")
	}
	return nil
}

// get returns the breaker for a peer, loading a single record on first use
// and creating a fresh closed breaker when none is stored. Caller holds
// m.mu.
func (m *Manager) get(ctx context.Context, peerID string) *Breaker {
	if b, ok := m.breakers[peerID]; ok {
		return b
	}
	if m.persist {
		if data, err := m.store.GetAttr(ctx, m.actorID, Bucket, keyPrefix+peerID); err == nil && data != nil {
			b := FromData(peerID, data, m.threshold, m.cooldown)
			m.breakers[peerID] = b
			return b
		}
	}
	b := New(peerID, m.threshold, m.cooldown)
	m.breakers[peerID] = b
	return b
}

// Allow reports whether a delivery to the peer may proceed. A cooldown
// expiry transition to half-open is persisted like any other state change.
func (m *Manager) Allow(ctx context.Context, peerID string) bool {
	m.mu.Lock()
	b := m.get(ctx, peerID)
	before := b.State
	allowed := b.Allow(time.Now())
	after := b.State
	var data map[string]any
	if before != after {
		data = b.ToData()
	}
	m.mu.Unlock()

	if before != after {
		monitoring.RecordBreakerTransition(string(after))
		m.logger.Info().
			Str("peer_id", peerID).
			Str("from", string(before)).
			Str("to", string(after)).
			Msg("Circuit breaker state changed")
		m.save(ctx, peerID, data)
	}
	if !allowed {
		monitoring.RecordBreakerSkip()
	}
	return allowed
}

// RecordSuccess marks a clean delivery to the peer.
func (m *Manager) RecordSuccess(ctx context.Context, peerID string) {
	m.record(ctx, peerID, func(b *Breaker, now time.Time) { b.RecordSuccess(now) })
}

// RecordFailure marks a failed delivery to the peer.
func (m *Manager) RecordFailure(ctx context.Context, peerID string) {
	m.record(ctx, peerID, func(b *Breaker, now time.Time) { b.RecordFailure(now) })
}

func (m *Manager) record(ctx context.Context, peerID string, apply func(*Breaker, time.Time)) {
	m.mu.Lock()
	b := m.get(ctx, peerID)
	before := b.State
	apply(b, time.Now())
	after := b.State
	data := b.ToData()
	failures := b.FailureCount
	m.mu.Unlock()

	if before != after {
		kind := "close"
		if after == StateOpen {
			kind = "open"
		}
		monitoring.RecordBreakerTransition(kind)
		m.logger.Warn().
			Str("peer_id", peerID).
			Str("from", string(before)).
			Str("to", string(after)).
			Int("failure_count", failures).
			Msg("Circuit breaker state changed")
	}
	m.save(ctx, peerID, data)
}

// Reset discards a peer's history and persists a fresh closed breaker.
func (m *Manager) Reset(ctx context.Context, peerID string) {
	m.mu.Lock()
	b := New(peerID, m.threshold, m.cooldown)
	m.breakers[peerID] = b
	data := b.ToData()
	m.mu.Unlock()

	m.logger.Info().Str("peer_id", peerID).Msg("Circuit breaker reset")
	m.save(ctx, peerID, data)
}

// GetStatus snapshots every indexed breaker, keyed by peer.
func (m *Manager) GetStatus() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.breakers))
	for peerID, b := range m.breakers {
		out[peerID] = Status{
			PeerID:          peerID,
			State:           b.State,
			FailureCount:    b.FailureCount,
			LastFailureTime: b.LastFailureTime,
			LastSuccessTime: b.LastSuccessTime,
		}
	}
	return out
}

func (m *Manager) save(ctx context.Context, peerID string, data map[string]any) {
	if !m.persist || data == nil {
		return
	}
	if err := m.store.SetAttr(ctx, m.actorID, Bucket, keyPrefix+peerID, data); err != nil {
		monitoring.RecordError(monitoring.ErrorTypeStorage, monitoring.ErrorSeverityWarning)
		m.logger.Warn().Err(err).
			Str("peer_id", peerID).
			Msg("Failed to persist circuit breaker state")
	}
}
