package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerPeerBurst(t *testing.T) {
	l := NewCallbackRateLimiter(RateLimiterConfig{
		PeerRate:    1, // effectively no refill within the test
		PeerBurst:   3,
		GlobalRate:  1000,
		GlobalBurst: 1000,
	}, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("pub1"), "burst token %d", i)
	}
	assert.False(t, l.Allow("pub1"))

	// A different publisher has its own bucket.
	assert.True(t, l.Allow("pub2"))
	assert.Equal(t, 2, l.TrackedPeers())
}

func TestRateLimiterGlobalCeiling(t *testing.T) {
	l := NewCallbackRateLimiter(RateLimiterConfig{
		PeerRate:    1000,
		PeerBurst:   1000,
		GlobalRate:  1,
		GlobalBurst: 2,
	}, zerolog.Nop())
	defer l.Stop()

	assert.True(t, l.Allow("pub1"))
	assert.True(t, l.Allow("pub2"))
	// Global bucket drained; a fresh peer is still rejected.
	assert.False(t, l.Allow("pub3"))
}

func TestRateLimiterCleanupEvictsIdlePeers(t *testing.T) {
	l := NewCallbackRateLimiter(RateLimiterConfig{
		PeerTTL:     10 * time.Millisecond,
		GlobalRate:  1000,
		GlobalBurst: 1000,
	}, zerolog.Nop())
	defer l.Stop()

	l.Allow("pub1")
	l.Allow("pub2")
	assert.Equal(t, 2, l.TrackedPeers())

	time.Sleep(20 * time.Millisecond)
	l.cleanup()
	assert.Equal(t, 0, l.TrackedPeers())

	// Eviction only drops idle bookkeeping; the peer is re-admitted fresh.
	assert.True(t, l.Allow("pub1"))
	assert.Equal(t, 1, l.TrackedPeers())
}

func TestRateLimiterDefaults(t *testing.T) {
	l := NewCallbackRateLimiter(RateLimiterConfig{}, zerolog.Nop())
	defer l.Stop()

	assert.Equal(t, float64(20), l.peerRate)
	assert.Equal(t, 40, l.peerBurst)
	assert.Equal(t, 5*time.Minute, l.peerTTL)
}
