package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
	"github.com/actingweb/actingweb-sub002/internal/store"
)

// DefaultPendingBound caps the out-of-order queue per remote subscription.
const DefaultPendingBound = 100

// Decision classifies an incoming sequence against the sink state.
type Decision int

const (
	// DecisionDuplicate marks s <= last processed: acknowledge, no effect.
	DecisionDuplicate Decision = iota
	// DecisionProcess marks s == last processed + 1: process and drain.
	DecisionProcess
	// DecisionPend marks a gap with queue room (or the sequence already
	// queued): hold the envelope.
	DecisionPend
	// DecisionOverflow marks a gap with the queue full: reject with 429.
	DecisionOverflow
)

// RemoteState is the ordering state for one remote subscription: the last
// sequence handed to the application plus the queue of out-of-order arrivals,
// ascending by sequence.
type RemoteState struct {
	ActorID        string
	PublisherID    string
	SubscriptionID string
	LastProcessed  int64
	Pending        []*messaging.Callback
	LastUpdated    time.Time

	// Fields seeded at subscribe time, carried for observability.
	Target      string
	Subtarget   string
	Granularity messaging.Granularity
}

// Classify applies the sequencing rules to an incoming sequence.
func (r *RemoteState) Classify(seq int64, bound int) Decision {
	switch {
	case seq <= r.LastProcessed:
		return DecisionDuplicate
	case seq == r.LastProcessed+1:
		return DecisionProcess
	}
	for _, cb := range r.Pending {
		if cb.Sequence == seq {
			return DecisionPend
		}
	}
	if len(r.Pending) >= bound {
		return DecisionOverflow
	}
	return DecisionPend
}

// InsertPending queues an envelope in sequence order. A duplicate sequence
// replaces the held envelope.
func (r *RemoteState) InsertPending(cb *messaging.Callback) {
	idx := sort.Search(len(r.Pending), func(i int) bool {
		return r.Pending[i].Sequence >= cb.Sequence
	})
	if idx < len(r.Pending) && r.Pending[idx].Sequence == cb.Sequence {
		r.Pending[idx] = cb
		return
	}
	r.Pending = append(r.Pending, nil)
	copy(r.Pending[idx+1:], r.Pending[idx:])
	r.Pending[idx] = cb
}

// NextPending pops the queue head when it is exactly the next sequence.
func (r *RemoteState) NextPending() *messaging.Callback {
	if len(r.Pending) == 0 || r.Pending[0].Sequence != r.LastProcessed+1 {
		return nil
	}
	cb := r.Pending[0]
	r.Pending = r.Pending[1:]
	return cb
}

// Advance marks seq as processed. It never moves backwards.
func (r *RemoteState) Advance(seq int64) {
	if seq > r.LastProcessed {
		r.LastProcessed = seq
	}
}

// ResetTo applies a resync baseline: last processed becomes seq and pending
// entries at or below it are discarded.
func (r *RemoteState) ResetTo(seq int64) {
	r.LastProcessed = seq
	kept := r.Pending[:0]
	for _, cb := range r.Pending {
		if cb.Sequence > seq {
			kept = append(kept, cb)
		}
	}
	r.Pending = kept
}

// Sink persists per-(publisher, subscription) ordering state for the
// callback processor. Callers hold the per-key lock across a whole
// load-process-save cycle so drains are serialized.
type Sink struct {
	st     store.Store
	bound  int
	locks  store.KeyedMutex
	logger zerolog.Logger

	mu           sync.Mutex
	pendingByKey map[string]int
	pendingTotal int
}

// NewSink wires the sink. bound <= 0 selects the default.
func NewSink(s store.Store, bound int, logger zerolog.Logger) *Sink {
	if bound <= 0 {
		bound = DefaultPendingBound
	}
	return &Sink{
		st:           s,
		bound:        bound,
		logger:       logger.With().Str("component", "sink").Logger(),
		pendingByKey: make(map[string]int),
	}
}

// Bound returns the pending queue capacity.
func (s *Sink) Bound() int {
	return s.bound
}

// PendingTotal returns the number of held envelopes across all remote
// subscriptions. Feeds the pending-callbacks gauge.
func (s *Sink) PendingTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingTotal
}

func remoteKey(actorID, publisherID, subID string) string {
	return actorID + "/" + bucketRemote + "/" + remoteName(publisherID, subID)
}

// Lock serializes processing for one remote subscription and returns the
// unlock function.
func (s *Sink) Lock(actorID, publisherID, subID string) func() {
	return s.locks.Lock(remoteKey(actorID, publisherID, subID))
}

// Load reads the remote subscription state; an unknown subscription loads as
// the zero state (nothing processed, nothing pending).
func (s *Sink) Load(ctx context.Context, actorID, publisherID, subID string) (*RemoteState, error) {
	r := &RemoteState{ActorID: actorID, PublisherID: publisherID, SubscriptionID: subID}
	data, err := s.st.GetAttr(ctx, actorID, bucketRemote, remoteName(publisherID, subID))
	if err != nil {
		return nil, fmt.Errorf("load remote subscription: %w", err)
	}
	if data == nil {
		return r, nil
	}

	r.LastProcessed = toInt64(data["last_processed_sequence"])
	r.Target, _ = data[fieldTarget].(string)
	r.Subtarget, _ = data[fieldSubtarget].(string)
	if g, ok := data[fieldGranularity].(string); ok {
		r.Granularity = messaging.Granularity(g)
	}
	if ts, ok := data["last_updated"].(string); ok {
		r.LastUpdated = parseTimeUTC(ts)
	}
	if raw, ok := data["pending"]; ok {
		if b, merr := json.Marshal(raw); merr == nil {
			_ = json.Unmarshal(b, &r.Pending)
		}
	}
	return r, nil
}

// Save persists the state and refreshes the pending gauge.
func (s *Sink) Save(ctx context.Context, r *RemoteState) error {
	r.LastUpdated = time.Now().UTC()
	data := map[string]any{
		"publisherid":             r.PublisherID,
		fieldSubscriptionID:       r.SubscriptionID,
		"last_processed_sequence": r.LastProcessed,
		"last_updated":            r.LastUpdated.Format(time.RFC3339),
	}
	if r.Target != "" {
		data[fieldTarget] = r.Target
	}
	if r.Subtarget != "" {
		data[fieldSubtarget] = r.Subtarget
	}
	if r.Granularity != "" {
		data[fieldGranularity] = string(r.Granularity)
	}
	if len(r.Pending) > 0 {
		data["pending"] = r.Pending
	}

	if err := s.st.SetAttr(ctx, r.ActorID, bucketRemote, remoteName(r.PublisherID, r.SubscriptionID), data); err != nil {
		return fmt.Errorf("persist remote subscription: %w", err)
	}
	s.track(remoteKey(r.ActorID, r.PublisherID, r.SubscriptionID), len(r.Pending))
	return nil
}

// Delete removes one remote subscription's state.
func (s *Sink) Delete(ctx context.Context, actorID, publisherID, subID string) error {
	if err := s.st.DeleteAttr(ctx, actorID, bucketRemote, remoteName(publisherID, subID)); err != nil {
		return fmt.Errorf("delete remote subscription: %w", err)
	}
	s.track(remoteKey(actorID, publisherID, subID), 0)
	return nil
}

// DeleteForPublisher removes every remote subscription held against one
// publisher. Called when the trust toward it dissolves.
func (s *Sink) DeleteForPublisher(ctx context.Context, actorID, publisherID string) error {
	attrs, err := s.st.ListBucket(ctx, actorID, bucketRemote)
	if err != nil {
		return fmt.Errorf("list remote subscriptions: %w", err)
	}
	prefix := publisherID + ":"
	for name := range attrs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := s.st.DeleteAttr(ctx, actorID, bucketRemote, name); err != nil {
			return fmt.Errorf("delete remote subscription: %w", err)
		}
		s.track(actorID+"/"+bucketRemote+"/"+name, 0)
	}
	return nil
}

// track updates the pending-envelope accounting for one key and pushes the
// new total to the gauge.
func (s *Sink) track(key string, pending int) {
	s.mu.Lock()
	old := s.pendingByKey[key]
	if pending == 0 {
		delete(s.pendingByKey, key)
	} else {
		s.pendingByKey[key] = pending
	}
	s.pendingTotal += pending - old
	total := s.pendingTotal
	s.mu.Unlock()
	monitoring.SetPendingCallbacks(total)
}
