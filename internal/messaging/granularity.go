// Package messaging defines the wire-level types exchanged between actors:
// callback envelopes, granularity levels, peer option tags, and the
// structured results produced by delivery attempts.
package messaging

// Granularity selects the shape of a callback body. High carries the diff
// inline, low carries a URL the receiver must fetch, none suppresses
// callbacks entirely (diffs are still recorded).
type Granularity string

const (
	GranularityHigh Granularity = "high"
	GranularityLow  Granularity = "low"
	GranularityNone Granularity = "none"
)

// Valid reports whether g is one of the three defined levels.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityHigh, GranularityLow, GranularityNone:
		return true
	}
	return false
}

// ParseGranularity maps a request value to a Granularity. The empty string
// defaults to high; anything else unrecognized is rejected.
func ParseGranularity(s string) (Granularity, bool) {
	if s == "" {
		return GranularityHigh, true
	}
	g := Granularity(s)
	return g, g.Valid()
}

// Option tags a peer may advertise via /meta/actingweb/supported.
const (
	OptionSubscriptionBatch   = "subscriptionbatch"
	OptionCallbackCompression = "callbackcompression"
	OptionSubscriptionHealth  = "subscriptionhealth"
	OptionSubscriptionResync  = "subscriptionresync"
	OptionSubscriptionStats   = "subscriptionstats"
)

// CallbackTypeResync marks an envelope that declares a new baseline instead
// of an incremental diff.
const CallbackTypeResync = "resync"
