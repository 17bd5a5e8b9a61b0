package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/fanout"
	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/store"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

// Dispatcher fans one recorded change out to its subscribers. Satisfied by
// *fanout.Registry.
type Dispatcher interface {
	Deliver(ctx context.Context, actorID, target string, payload map[string]any, subs []fanout.Subscriber) *messaging.FanOutResult
}

// CapabilityResolver answers what a peer advertised. Satisfied by
// *trust.CapabilityCache.
type CapabilityResolver interface {
	Get(ctx context.Context, actorID, peerID string) *trust.CapabilitySet
}

// PeerCaller issues the outbound subscribe request. Satisfied by
// *proxy.Client.
type PeerCaller interface {
	CreateResource(ctx context.Context, t proxy.Target, path string, body any) *proxy.Result
}

// BaselineFunc returns the current state of (target, subtarget), used as the
// resync payload after a suspension is lifted.
type BaselineFunc func(ctx context.Context, actorID, target, subtarget string) map[string]any

// EngineDeps carries the engine's collaborators.
type EngineDeps struct {
	Store    store.Store
	Trusts   *trust.Manager
	Caps     CapabilityResolver
	Dispatch Dispatcher
	Pool     *fanout.DispatchPool // nil forces inline dispatch
	Peers    PeerCaller
	Baseline BaselineFunc
	Sync     bool // dispatch fan-out inline instead of deferring to Pool
	Logger   zerolog.Logger
}

// Engine is the publisher-side subscription engine: it owns subscription
// records, assigns diff sequences, and hands deliverable changes to the
// fan-out layer either inline or through the dispatch pool.
type Engine struct {
	st       store.Store
	trusts   *trust.Manager
	caps     CapabilityResolver
	dispatch Dispatcher
	pool     *fanout.DispatchPool
	peers    PeerCaller
	baseline BaselineFunc
	sync     bool
	locks    store.KeyedMutex
	logger   zerolog.Logger
}

// NewEngine wires the engine.
func NewEngine(d EngineDeps) *Engine {
	return &Engine{
		st:       d.Store,
		trusts:   d.Trusts,
		caps:     d.Caps,
		dispatch: d.Dispatch,
		pool:     d.Pool,
		peers:    d.Peers,
		baseline: d.Baseline,
		sync:     d.Sync,
		logger:   d.Logger.With().Str("component", "subscription").Logger(),
	}
}

func subKey(actorID, peerID, subID string) string {
	return actorID + "/" + bucketSubscriptions + "/" + subName(peerID, subID)
}

// Subscribe records a peer's subscription. The peer must hold an approved
// trust. A missing SubscriptionID is generated; granularity defaults to high.
func (e *Engine) Subscribe(ctx context.Context, actorID string, s *Subscription) error {
	if s.PeerID == "" {
		return fmt.Errorf("subscription: missing peer id")
	}
	if s.Target == "" {
		return fmt.Errorf("subscription: missing target")
	}
	if s.Granularity == "" {
		s.Granularity = messaging.GranularityHigh
	}
	if !s.Granularity.Valid() {
		return fmt.Errorf("subscription: invalid granularity %q", s.Granularity)
	}

	tr, err := e.trusts.Get(ctx, actorID, s.PeerID)
	if err != nil {
		return err
	}
	if tr == nil {
		return ErrTrustRequired
	}
	if !tr.Approved {
		return ErrNotApproved
	}

	if s.SubscriptionID == "" {
		s.SubscriptionID = newSubscriptionID()
	}
	s.ActorID = actorID
	s.Sequence = 0
	s.CreatedAt = time.Now().UTC()

	if err := e.st.SetAttr(ctx, actorID, bucketSubscriptions, subName(s.PeerID, s.SubscriptionID), subToData(s)); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}
	e.logger.Info().
		Str("actor_id", actorID).
		Str("peer_id", s.PeerID).
		Str("subscription_id", s.SubscriptionID).
		Str("target", s.Target).
		Str("subtarget", s.Subtarget).
		Str("granularity", string(s.Granularity)).
		Msg("Subscription created")
	return nil
}

// Get loads one subscription, or nil when absent.
func (e *Engine) Get(ctx context.Context, actorID, peerID, subID string) (*Subscription, error) {
	data, err := e.st.GetAttr(ctx, actorID, bucketSubscriptions, subName(peerID, subID))
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return subFromData(actorID, data), nil
}

// List returns every subscription on the actor.
func (e *Engine) List(ctx context.Context, actorID string) ([]*Subscription, error) {
	attrs, err := e.st.ListBucket(ctx, actorID, bucketSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]*Subscription, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, subFromData(actorID, attr.Data))
	}
	return out, nil
}

// ListByPeer returns the peer's subscriptions on the actor.
func (e *Engine) ListByPeer(ctx context.Context, actorID, peerID string) ([]*Subscription, error) {
	subs, err := e.List(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, s := range subs {
		if s.PeerID == peerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Delete removes a subscription and purges its diff log.
func (e *Engine) Delete(ctx context.Context, actorID, peerID, subID string) error {
	s, err := e.Get(ctx, actorID, peerID, subID)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNotFound
	}
	if err := e.st.DeleteAttr(ctx, actorID, bucketSubscriptions, subName(peerID, subID)); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if err := e.purgeDiffs(ctx, actorID, peerID, subID, -1); err != nil {
		return err
	}
	e.logger.Info().
		Str("actor_id", actorID).
		Str("peer_id", peerID).
		Str("subscription_id", subID).
		Msg("Subscription deleted")
	return nil
}

// DeleteForPeer removes every subscription the peer holds on the actor,
// including diff logs. Called when a trust dissolves.
func (e *Engine) DeleteForPeer(ctx context.Context, actorID, peerID string) error {
	subs, err := e.ListByPeer(ctx, actorID, peerID)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := e.Delete(ctx, actorID, peerID, s.SubscriptionID); err != nil && err != ErrNotFound {
			return err
		}
	}
	return nil
}

// purgeDiffs deletes the subscription's diffs with sequence <= upTo; upTo < 0
// purges all. Returns the storage error, if any; counting is best effort.
func (e *Engine) purgeDiffs(ctx context.Context, actorID, peerID, subID string, upTo int64) error {
	attrs, err := e.st.ListBucket(ctx, actorID, bucketDiffs)
	if err != nil {
		return fmt.Errorf("list diffs: %w", err)
	}
	prefix := subName(peerID, subID) + ":"
	cleared := 0
	for name := range attrs {
		seq, ok := parseDiffSequence(name, prefix)
		if !ok {
			continue
		}
		if upTo >= 0 && seq > upTo {
			continue
		}
		if err := e.st.DeleteAttr(ctx, actorID, bucketDiffs, name); err != nil {
			return fmt.Errorf("delete diff: %w", err)
		}
		cleared++
	}
	if cleared > 0 {
		monitoring.RecordDiffsCleared(cleared)
	}
	return nil
}

// Acknowledge clears the subscription's diffs up to and including seq. This
// is the publisher half of the low-granularity acknowledgement contract.
func (e *Engine) Acknowledge(ctx context.Context, actorID, peerID, subID string, seq int64) error {
	s, err := e.Get(ctx, actorID, peerID, subID)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNotFound
	}
	if err := e.purgeDiffs(ctx, actorID, peerID, subID, seq); err != nil {
		return err
	}
	e.logger.Debug().
		Str("actor_id", actorID).
		Str("peer_id", peerID).
		Str("subscription_id", subID).
		Int64("sequence", seq).
		Msg("Diffs acknowledged")
	return nil
}

// Diffs returns the subscription's unacknowledged diffs in sequence order.
func (e *Engine) Diffs(ctx context.Context, actorID, peerID, subID string) ([]Diff, error) {
	attrs, err := e.st.ListBucket(ctx, actorID, bucketDiffs)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	prefix := subName(peerID, subID) + ":"
	var out []Diff
	for name, attr := range attrs {
		if _, ok := parseDiffSequence(name, prefix); !ok {
			continue
		}
		out = append(out, diffFromData(attr.Data))
	}
	sortDiffs(out)
	return out, nil
}

// RegisterDiff records a change at (target, subtarget) against every
// matching, approved subscription and dispatches callbacks. Sequence
// assignment and the diff append happen under a per-subscription lock; the
// sequence is persisted before the diff so a crash can lose a diff but never
// reuse a sequence.
//
// Returns the fan-out result for inline dispatch, nil when deferred or when
// dispatch is suspended.
func (e *Engine) RegisterDiff(ctx context.Context, actorID, target, subtarget string, payload map[string]any) (*messaging.FanOutResult, error) {
	subs, err := e.List(ctx, actorID)
	if err != nil {
		return nil, err
	}

	approvals := make(map[string]bool)
	var deliverable []fanout.Subscriber
	now := time.Now().UTC()

	for _, sub := range subs {
		if !sub.Matches(target, subtarget) {
			continue
		}
		approved, known := approvals[sub.PeerID]
		if !known {
			tr, terr := e.trusts.Get(ctx, actorID, sub.PeerID)
			approved = terr == nil && tr != nil && tr.Approved
			approvals[sub.PeerID] = approved
		}
		if !approved {
			continue
		}

		seq, derr := e.appendDiff(ctx, actorID, sub, payload, now)
		if derr != nil {
			e.logger.Error().Err(derr).
				Str("actor_id", actorID).
				Str("subscription_id", sub.SubscriptionID).
				Msg("Recording diff failed")
			monitoring.RecordError(monitoring.ErrorTypeStorage, monitoring.ErrorSeverityCritical)
			continue
		}
		monitoring.RecordDiffRegistered()

		if sub.Granularity == messaging.GranularityNone {
			continue
		}
		deliverable = append(deliverable, fanout.Subscriber{
			PeerID:         sub.PeerID,
			SubscriptionID: sub.SubscriptionID,
			Granularity:    sub.Granularity,
			Sequence:       seq,
			Subtarget:      sub.Subtarget,
		})
	}

	if len(deliverable) == 0 {
		return &messaging.FanOutResult{}, nil
	}
	if e.isSuspended(ctx, actorID, target, subtarget) {
		e.logger.Debug().
			Str("actor_id", actorID).
			Str("target", target).
			Str("subtarget", subtarget).
			Int("subscriptions", len(deliverable)).
			Msg("Dispatch suspended, diffs recorded")
		return &messaging.FanOutResult{}, nil
	}

	if e.sync || e.pool == nil {
		return e.dispatch.Deliver(ctx, actorID, target, payload, deliverable), nil
	}

	bg := context.WithoutCancel(ctx)
	if !e.pool.Submit(func() {
		e.dispatch.Deliver(bg, actorID, target, payload, deliverable)
	}) {
		e.logger.Warn().
			Str("actor_id", actorID).
			Str("target", target).
			Int("subscriptions", len(deliverable)).
			Msg("Deferred dispatch dropped, diffs remain queryable")
	}
	return nil, nil
}

// appendDiff increments the subscription's sequence and appends the diff
// record, serialized per subscription by a keyed lock.
func (e *Engine) appendDiff(ctx context.Context, actorID string, sub *Subscription, payload map[string]any, now time.Time) (int64, error) {
	unlock := e.locks.Lock(subKey(actorID, sub.PeerID, sub.SubscriptionID))
	defer unlock()

	name := subName(sub.PeerID, sub.SubscriptionID)
	data, err := e.st.GetAttr(ctx, actorID, bucketSubscriptions, name)
	if err != nil {
		return 0, fmt.Errorf("load subscription: %w", err)
	}
	if data == nil {
		return 0, ErrNotFound
	}

	seq := toInt64(data[fieldSequence]) + 1
	data[fieldSequence] = seq
	if err := e.st.SetAttr(ctx, actorID, bucketSubscriptions, name, data); err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}

	diff := map[string]any{
		fieldSequence: seq,
		"timestamp":   now.Format(time.RFC3339),
		"data":        payload,
	}
	if err := e.st.SetAttr(ctx, actorID, bucketDiffs, diffName(sub.PeerID, sub.SubscriptionID, seq), diff); err != nil {
		return 0, fmt.Errorf("append diff: %w", err)
	}
	return seq, nil
}

// Suspend pauses callback dispatch for (target, subtarget?). Diff recording
// continues; sequences keep advancing.
func (e *Engine) Suspend(ctx context.Context, actorID, target, subtarget string) error {
	name := suspensionName(target, subtarget)
	err := e.st.SetAttr(ctx, actorID, bucketSuspensions, name, map[string]any{
		"suspended_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("persist suspension: %w", err)
	}
	e.logger.Info().
		Str("actor_id", actorID).
		Str("target", target).
		Str("subtarget", subtarget).
		Msg("Callback dispatch suspended")
	return nil
}

// isSuspended checks the whole-target marker and, for scoped changes, the
// subtarget marker.
func (e *Engine) isSuspended(ctx context.Context, actorID, target, subtarget string) bool {
	if data, err := e.st.GetAttr(ctx, actorID, bucketSuspensions, target); err == nil && data != nil {
		return true
	}
	if subtarget != "" {
		if data, err := e.st.GetAttr(ctx, actorID, bucketSuspensions, target+":"+subtarget); err == nil && data != nil {
			return true
		}
	}
	return false
}

// Resume lifts a suspension and notifies each affected subscription once.
// Peers advertising subscriptionresync receive a resync baseline; everyone
// else gets one low-granularity callback pointing at the current resource.
// Resuming a target that is not suspended is a no-op.
func (e *Engine) Resume(ctx context.Context, actorID, target, subtarget string) (*messaging.FanOutResult, error) {
	name := suspensionName(target, subtarget)
	marker, err := e.st.GetAttr(ctx, actorID, bucketSuspensions, name)
	if err != nil {
		return nil, fmt.Errorf("load suspension: %w", err)
	}
	if marker == nil {
		return &messaging.FanOutResult{}, nil
	}
	if err := e.st.DeleteAttr(ctx, actorID, bucketSuspensions, name); err != nil {
		return nil, fmt.Errorf("clear suspension: %w", err)
	}

	subs, err := e.List(ctx, actorID)
	if err != nil {
		return nil, err
	}

	approvals := make(map[string]bool)
	var resumed []fanout.Subscriber
	for _, sub := range subs {
		if !sub.Matches(target, subtarget) || sub.Granularity == messaging.GranularityNone {
			continue
		}
		// Sequence 0 means nothing was ever recorded; there is no baseline
		// worth announcing.
		if sub.Sequence == 0 {
			continue
		}
		approved, known := approvals[sub.PeerID]
		if !known {
			tr, terr := e.trusts.Get(ctx, actorID, sub.PeerID)
			approved = terr == nil && tr != nil && tr.Approved
			approvals[sub.PeerID] = approved
		}
		if !approved {
			continue
		}

		fs := fanout.Subscriber{
			PeerID:         sub.PeerID,
			SubscriptionID: sub.SubscriptionID,
			Sequence:       sub.Sequence,
			Subtarget:      sub.Subtarget,
		}
		if e.caps.Get(ctx, actorID, sub.PeerID).SupportsSubscriptionResync() {
			fs.Type = messaging.CallbackTypeResync
			fs.Granularity = messaging.GranularityHigh
			monitoring.RecordResyncRequest()
		} else {
			fs.Granularity = messaging.GranularityLow
		}
		resumed = append(resumed, fs)
	}

	e.logger.Info().
		Str("actor_id", actorID).
		Str("target", target).
		Str("subtarget", subtarget).
		Int("subscriptions", len(resumed)).
		Msg("Callback dispatch resumed")

	if len(resumed) == 0 {
		return &messaging.FanOutResult{}, nil
	}

	payload := map[string]any{}
	if e.baseline != nil {
		if b := e.baseline(ctx, actorID, target, subtarget); b != nil {
			payload = b
		}
	}
	return e.dispatch.Deliver(ctx, actorID, target, payload, resumed), nil
}

// SubscribeToPeer establishes this actor's subscription on a remote
// publisher and seeds the local sink state. Returns the subscription ID the
// publisher assigned.
func (e *Engine) SubscribeToPeer(ctx context.Context, actorID, peerID, target, subtarget string, granularity messaging.Granularity) (string, error) {
	tr, err := e.trusts.Get(ctx, actorID, peerID)
	if err != nil {
		return "", err
	}
	if tr == nil || !tr.Usable() {
		return "", ErrTrustRequired
	}

	body := map[string]any{
		fieldPeerID: actorID,
		fieldTarget: target,
	}
	if subtarget != "" {
		body[fieldSubtarget] = subtarget
	}
	if granularity != "" {
		body[fieldGranularity] = string(granularity)
	}

	r := e.peers.CreateResource(ctx, proxy.Target{
		ActorID: actorID,
		PeerID:  peerID,
		BaseURI: tr.BaseURI,
		Secret:  tr.Secret,
	}, "subscriptions", body)
	if !r.OK() {
		code, msg, _ := r.Err()
		return "", fmt.Errorf("subscription: peer rejected subscribe: %d %s", code, msg)
	}

	subID, _ := r.Value[fieldSubscriptionID].(string)
	if subID == "" && r.Location != "" {
		parts := strings.Split(strings.TrimRight(r.Location, "/"), "/")
		subID = parts[len(parts)-1]
	}
	if subID == "" {
		return "", fmt.Errorf("subscription: peer response carries no subscription id")
	}

	err = e.st.SetAttr(ctx, actorID, bucketRemote, remoteName(peerID, subID), map[string]any{
		"publisherid":             peerID,
		fieldSubscriptionID:       subID,
		fieldTarget:               target,
		fieldSubtarget:            subtarget,
		fieldGranularity:          string(granularity),
		"last_processed_sequence": int64(0),
		"last_updated":            time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("persist remote subscription: %w", err)
	}

	e.logger.Info().
		Str("actor_id", actorID).
		Str("peer_id", peerID).
		Str("subscription_id", subID).
		Str("target", target).
		Msg("Subscribed to peer")
	return subID, nil
}
