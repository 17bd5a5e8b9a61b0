package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// CallbackRateLimiter bounds inbound callback intake with two token-bucket
// levels: per publisher peer (one noisy publisher cannot starve the rest)
// and global (distributed floods still hit a ceiling). Rejections map to
// 429 at the HTTP surface.
type CallbackRateLimiter struct {
	peerRate  float64
	peerBurst int
	peerTTL   time.Duration

	global *rate.Limiter

	mu    sync.Mutex
	peers map[string]*peerLimiterEntry

	logger zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
}

type peerLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig tunes the callback limiter. Zero values pick defaults:
// 20/s burst 40 per peer, 200/s burst 400 global, 5m idle TTL.
type RateLimiterConfig struct {
	PeerRate    float64
	PeerBurst   int
	PeerTTL     time.Duration
	GlobalRate  float64
	GlobalBurst int
}

// NewCallbackRateLimiter builds the limiter and starts its idle-entry
// cleanup loop. Call Stop at shutdown.
func NewCallbackRateLimiter(cfg RateLimiterConfig, logger zerolog.Logger) *CallbackRateLimiter {
	if cfg.PeerRate <= 0 {
		cfg.PeerRate = 20
	}
	if cfg.PeerBurst <= 0 {
		cfg.PeerBurst = 40
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = 5 * time.Minute
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 200
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 400
	}

	l := &CallbackRateLimiter{
		peerRate:  cfg.PeerRate,
		peerBurst: cfg.PeerBurst,
		peerTTL:   cfg.PeerTTL,
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		peers:     make(map[string]*peerLimiterEntry),
		logger:    logger.With().Str("component", "callback_rate_limiter").Logger(),
		ticker:    time.NewTicker(time.Minute),
		stop:      make(chan struct{}),
	}
	go l.cleanupLoop()

	l.logger.Info().
		Float64("peer_rate", cfg.PeerRate).
		Int("peer_burst", cfg.PeerBurst).
		Float64("global_rate", cfg.GlobalRate).
		Int("global_burst", cfg.GlobalBurst).
		Msg("Callback rate limiter initialized")
	return l
}

// Allow reports whether a callback from the publisher may be processed. The
// global bucket is checked first: it needs no map lookup and shields the
// per-peer map under a flood.
func (l *CallbackRateLimiter) Allow(publisherID string) bool {
	if !l.global.Allow() {
		l.logger.Debug().
			Str("publisher_id", publisherID).
			Msg("Callback rejected: global rate limit")
		return false
	}
	if !l.peerLimiter(publisherID).Allow() {
		l.logger.Debug().
			Str("publisher_id", publisherID).
			Msg("Callback rejected: per-peer rate limit")
		return false
	}
	return true
}

func (l *CallbackRateLimiter) peerLimiter(publisherID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.peers[publisherID]
	if !ok {
		entry = &peerLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.peerRate), l.peerBurst),
		}
		l.peers[publisherID] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *CallbackRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.ticker.C:
			l.cleanup()
		case <-l.stop:
			l.ticker.Stop()
			return
		}
	}
}

func (l *CallbackRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range l.peers {
		if now.Sub(entry.lastAccess) > l.peerTTL {
			delete(l.peers, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.peers)).
			Msg("Cleaned up idle peer limiters")
	}
}

// TrackedPeers returns the number of peers with live limiter state.
func (l *CallbackRateLimiter) TrackedPeers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Stop terminates the cleanup loop.
func (l *CallbackRateLimiter) Stop() {
	close(l.stop)
}
