package trust

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
)

// Meta paths fetched during a capability refresh.
const (
	metaSupportedPath = "meta/actingweb/supported"
	metaVersionPath   = "meta/actingweb/version"
)

// MetaFetcher issues the plain-text GET used for capability refresh. The
// peer proxy satisfies this.
type MetaFetcher interface {
	FetchMeta(ctx context.Context, baseURI, path string) (body string, status int, err error)
}

// CapabilitySet is one peer's advertised option tags at a point in time.
// The zero value (or nil) answers false to every predicate.
type CapabilitySet struct {
	tags      map[string]struct{}
	Version   string
	FetchedAt time.Time
}

// NewCapabilitySet parses a comma-separated tag list as served by
// meta/actingweb/supported.
func NewCapabilitySet(raw, version string, fetchedAt time.Time) *CapabilitySet {
	s := &CapabilitySet{
		tags:      make(map[string]struct{}),
		Version:   version,
		FetchedAt: fetchedAt,
	}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			s.tags[tok] = struct{}{}
		}
	}
	return s
}

// Supports reports whether the peer advertised tag.
func (s *CapabilitySet) Supports(tag string) bool {
	if s == nil {
		return false
	}
	_, ok := s.tags[tag]
	return ok
}

// All returns the advertised tags, sorted.
func (s *CapabilitySet) All() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// GetVersion returns the peer's advertised version, or "".
func (s *CapabilitySet) GetVersion() string {
	if s == nil {
		return ""
	}
	return s.Version
}

func (s *CapabilitySet) SupportsSubscriptionBatch() bool {
	return s.Supports(messaging.OptionSubscriptionBatch)
}

func (s *CapabilitySet) SupportsCallbackCompression() bool {
	return s.Supports(messaging.OptionCallbackCompression)
}

func (s *CapabilitySet) SupportsSubscriptionHealth() bool {
	return s.Supports(messaging.OptionSubscriptionHealth)
}

func (s *CapabilitySet) SupportsSubscriptionResync() bool {
	return s.Supports(messaging.OptionSubscriptionResync)
}

func (s *CapabilitySet) SupportsSubscriptionStats() bool {
	return s.Supports(messaging.OptionSubscriptionStats)
}

// CapabilityCache lazily resolves peer capabilities. Results live in an LRU
// keyed by (actor, peer) and are re-fetched once older than the TTL. A
// failed refresh yields an empty set for this query and is retried on the
// next one; it is never persisted and never raises.
type CapabilityCache struct {
	trusts *Manager
	fetch  MetaFetcher
	ttl    time.Duration
	mem    *lru.Cache[string, *CapabilitySet]
	logger zerolog.Logger
}

// NewCapabilityCache builds the cache. size bounds the in-memory LRU.
func NewCapabilityCache(trusts *Manager, fetch MetaFetcher, ttl time.Duration, size int, logger zerolog.Logger) (*CapabilityCache, error) {
	mem, err := lru.New[string, *CapabilitySet](size)
	if err != nil {
		return nil, fmt.Errorf("capability cache: %w", err)
	}
	return &CapabilityCache{
		trusts: trusts,
		fetch:  fetch,
		ttl:    ttl,
		mem:    mem,
		logger: logger.With().Str("component", "capabilities").Logger(),
	}, nil
}

func cacheKey(actorID, peerID string) string {
	return actorID + "/" + peerID
}

func (c *CapabilityCache) fresh(s *CapabilitySet) bool {
	return s != nil && !s.FetchedAt.IsZero() && time.Since(s.FetchedAt) < c.ttl
}

// Get returns the peer's capability set, refreshing when stale. It never
// returns nil and never errors.
func (c *CapabilityCache) Get(ctx context.Context, actorID, peerID string) *CapabilitySet {
	key := cacheKey(actorID, peerID)
	if s, ok := c.mem.Get(key); ok && c.fresh(s) {
		monitoring.RecordCapabilityLookup("hit")
		return s
	}

	t, err := c.trusts.Get(ctx, actorID, peerID)
	if err != nil || t == nil {
		if err != nil {
			c.logger.Warn().Err(err).
				Str("actor_id", actorID).
				Str("peer_id", peerID).
				Msg("Capability lookup failed to load trust")
		}
		monitoring.RecordCapabilityLookup("miss")
		return &CapabilitySet{}
	}

	if !t.CapabilitiesFetchedAt.IsZero() && time.Since(t.CapabilitiesFetchedAt) < c.ttl {
		s := NewCapabilitySet(t.AwSupported, t.AwVersion, t.CapabilitiesFetchedAt)
		c.mem.Add(key, s)
		monitoring.RecordCapabilityLookup("miss")
		return s
	}

	monitoring.RecordCapabilityLookup("stale")
	return c.Refresh(ctx, t)
}

// Refresh fetches the peer's meta endpoints and, on success, persists the
// result into the trust record. On any failure it returns an empty set and
// leaves the stored record untouched so the next query retries.
func (c *CapabilityCache) Refresh(ctx context.Context, t *Trust) *CapabilitySet {
	if t.BaseURI == "" {
		return &CapabilitySet{}
	}

	body, status, err := c.fetch.FetchMeta(ctx, t.BaseURI, metaSupportedPath)
	if err != nil || status < 200 || status >= 300 {
		c.logger.Warn().
			Err(err).
			Int("status", status).
			Str("actor_id", t.ActorID).
			Str("peer_id", t.PeerID).
			Msg("Capability refresh failed")
		return &CapabilitySet{}
	}

	fetchedAt := time.Now().UTC()
	fields := map[string]any{
		FieldAwSupported:           strings.TrimSpace(body),
		FieldCapabilitiesFetchedAt: fetchedAt.Format(time.RFC3339),
	}

	version := t.AwVersion
	if vbody, vstatus, verr := c.fetch.FetchMeta(ctx, t.BaseURI, metaVersionPath); verr == nil && vstatus >= 200 && vstatus < 300 {
		version = strings.TrimSpace(vbody)
		fields[FieldAwVersion] = version
	}

	// Persistence failure is logged and swallowed; the fetched set is
	// still served from memory.
	if err := c.trusts.Modify(ctx, t.ActorID, t.PeerID, fields); err != nil {
		c.logger.Warn().Err(err).
			Str("actor_id", t.ActorID).
			Str("peer_id", t.PeerID).
			Msg("Failed to persist refreshed capabilities")
	}

	s := NewCapabilitySet(strings.TrimSpace(body), version, fetchedAt)
	c.mem.Add(cacheKey(t.ActorID, t.PeerID), s)
	c.logger.Debug().
		Str("actor_id", t.ActorID).
		Str("peer_id", t.PeerID).
		Strs("tags", s.All()).
		Msg("Capabilities refreshed")
	return s
}

// Invalidate drops the in-memory entry for a peer. Call after deleting or
// replacing the trust.
func (c *CapabilityCache) Invalidate(actorID, peerID string) {
	c.mem.Remove(cacheKey(actorID, peerID))
}
