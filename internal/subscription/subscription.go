// Package subscription implements both sides of the subscription protocol.
//
// The publisher side (Engine) owns subscription records, per-subscription
// sequence counters, the diff log, suspension markers, and dispatch into the
// fan-out layer. The subscriber side (Sink) owns the per-publisher ordering
// state the callback processor drives: last processed sequence plus a bounded
// pending queue for out-of-order arrivals.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
)

// Storage buckets. Diff names embed the sequence zero-padded so bucket
// listings sort in delivery order.
const (
	bucketSubscriptions = "subscriptions"
	bucketDiffs         = "subscription_diffs"
	bucketSuspensions   = "subscription_suspensions"
	bucketRemote        = "remote_subscriptions"
)

// Persisted field names for subscription records.
const (
	fieldPeerID         = "peerid"
	fieldSubscriptionID = "subscriptionid"
	fieldTarget         = "target"
	fieldSubtarget      = "subtarget"
	fieldGranularity    = "granularity"
	fieldSequence       = "sequence"
	fieldCreatedAt      = "created_at"
)

var (
	// ErrTrustRequired is returned when no trust exists with the peer.
	ErrTrustRequired = errors.New("subscription: no trust with peer")
	// ErrNotApproved is returned when the trust exists but is not approved.
	ErrNotApproved = errors.New("subscription: trust not approved")
	// ErrNotFound is returned for operations on an absent subscription.
	ErrNotFound = errors.New("subscription: not found")
)

// Subscription is one peer's durable interest in a target, as stored on the
// publisher. Sequence is the last assigned diff sequence; it advances when a
// diff is recorded, never on delivery.
type Subscription struct {
	ActorID        string                `json:"-"`
	PeerID         string                `json:"peerid"`
	SubscriptionID string                `json:"subscriptionid"`
	Target         string                `json:"target"`
	Subtarget      string                `json:"subtarget,omitempty"`
	Granularity    messaging.Granularity `json:"granularity"`
	Sequence       int64                 `json:"sequence"`
	CreatedAt      time.Time             `json:"-"`
}

// Matches reports whether a change at (target, subtarget) falls inside the
// subscription's scope. An unscoped subscription sees every change under its
// target; a whole-target change reaches every subscription under it.
func (s *Subscription) Matches(target, subtarget string) bool {
	if s.Target != target {
		return false
	}
	return s.Subtarget == "" || subtarget == "" || s.Subtarget == subtarget
}

// Diff is one recorded change for a subscription.
type Diff struct {
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func subName(peerID, subID string) string {
	return peerID + ":" + subID
}

func diffName(peerID, subID string, seq int64) string {
	return fmt.Sprintf("%s:%s:%020d", peerID, subID, seq)
}

func suspensionName(target, subtarget string) string {
	if subtarget == "" {
		return target
	}
	return target + ":" + subtarget
}

func remoteName(publisherID, subID string) string {
	return publisherID + ":" + subID
}

// newSubscriptionID mirrors actor IDs: a UUID with hyphens stripped.
func newSubscriptionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// toInt64 reads a numeric attribute value. JSON round trips deliver float64.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func subFromData(actorID string, data map[string]any) *Subscription {
	s := &Subscription{ActorID: actorID}
	s.PeerID, _ = data[fieldPeerID].(string)
	s.SubscriptionID, _ = data[fieldSubscriptionID].(string)
	s.Target, _ = data[fieldTarget].(string)
	s.Subtarget, _ = data[fieldSubtarget].(string)
	if g, ok := data[fieldGranularity].(string); ok {
		s.Granularity = messaging.Granularity(g)
	}
	s.Sequence = toInt64(data[fieldSequence])
	if ts, ok := data[fieldCreatedAt].(string); ok {
		s.CreatedAt = parseTimeUTC(ts)
	}
	return s
}

func subToData(s *Subscription) map[string]any {
	data := map[string]any{
		fieldPeerID:         s.PeerID,
		fieldSubscriptionID: s.SubscriptionID,
		fieldTarget:         s.Target,
		fieldGranularity:    string(s.Granularity),
		fieldSequence:       s.Sequence,
	}
	if s.Subtarget != "" {
		data[fieldSubtarget] = s.Subtarget
	}
	if !s.CreatedAt.IsZero() {
		data[fieldCreatedAt] = s.CreatedAt.UTC().Format(time.RFC3339)
	}
	return data
}

// parseTimeUTC accepts RFC3339 or a timezone-naive ISO-8601 value; naive
// timestamps are read as UTC.
func parseTimeUTC(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			if ts.Location() == time.Local {
				ts = ts.UTC()
			}
			return ts.UTC()
		}
	}
	return time.Time{}
}

func diffFromData(data map[string]any) Diff {
	d := Diff{Sequence: toInt64(data[fieldSequence])}
	if ts, ok := data["timestamp"].(string); ok {
		d.Timestamp = parseTimeUTC(ts)
	}
	if payload, ok := data["data"].(map[string]any); ok {
		d.Data = payload
	}
	return d
}

// parseDiffSequence extracts the sequence from a diff attribute name of the
// form <peer>:<sub>:<padded seq>.
func parseDiffSequence(name, prefix string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// sortDiffs orders diffs by ascending sequence.
func sortDiffs(diffs []Diff) {
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Sequence < diffs[j].Sequence })
}
