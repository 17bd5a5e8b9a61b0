package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actingweb/actingweb-sub002/internal/fanout"
	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/store"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

const pubActor = "pub1"

type dispatchCall struct {
	actorID string
	target  string
	payload map[string]any
	subs    []fanout.Subscriber
}

// dispatchRecorder captures fan-out invocations and reports every delivery
// as successful.
type dispatchRecorder struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *dispatchRecorder) Deliver(_ context.Context, actorID, target string, payload map[string]any, subs []fanout.Subscriber) *messaging.FanOutResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{actorID: actorID, target: target, payload: payload, subs: subs})
	agg := &messaging.FanOutResult{}
	for _, s := range subs {
		agg.Add(messaging.DeliveryResult{
			PeerID:         s.PeerID,
			SubscriptionID: s.SubscriptionID,
			Success:        true,
			StatusCode:     204,
		})
	}
	return agg
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *dispatchRecorder) call(i int) dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

type capsFake map[string]*trust.CapabilitySet

func (f capsFake) Get(_ context.Context, _, peerID string) *trust.CapabilitySet {
	return f[peerID]
}

func seedTrust(t *testing.T, st store.Store, actorID, peerID string, approved bool) {
	t.Helper()
	tm := trust.NewManager(st, zerolog.Nop())
	require.NoError(t, tm.Create(context.Background(), &trust.Trust{
		ActorID:      actorID,
		PeerID:       peerID,
		BaseURI:      "https://" + peerID + ".example.com/" + peerID,
		Secret:       "secret-" + peerID,
		Relationship: "friend",
		Approved:     approved,
	}))
}

func newTestEngine(t *testing.T, st store.Store, d EngineDeps) *Engine {
	t.Helper()
	if d.Store == nil {
		d.Store = st
	}
	if d.Trusts == nil {
		d.Trusts = trust.NewManager(st, zerolog.Nop())
	}
	if d.Caps == nil {
		d.Caps = capsFake{}
	}
	if d.Dispatch == nil {
		d.Dispatch = &dispatchRecorder{}
	}
	d.Sync = d.Pool == nil
	return NewEngine(d)
}

func mustSubscribe(t *testing.T, e *Engine, actorID string, s *Subscription) *Subscription {
	t.Helper()
	require.NoError(t, e.Subscribe(context.Background(), actorID, s))
	return s
}

func TestSubscribeRequiresApprovedTrust(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	e := newTestEngine(t, st, EngineDeps{Logger: zerolog.Nop()})

	sub := &Subscription{PeerID: "stranger", Target: "properties"}
	assert.ErrorIs(t, e.Subscribe(context.Background(), pubActor, sub), ErrTrustRequired)

	seedTrust(t, st, pubActor, "stranger", false)
	assert.ErrorIs(t, e.Subscribe(context.Background(), pubActor, sub), ErrNotApproved)

	tm := trust.NewManager(st, zerolog.Nop())
	require.NoError(t, tm.Approve(context.Background(), pubActor, "stranger", true))
	require.NoError(t, e.Subscribe(context.Background(), pubActor, sub))

	assert.Len(t, sub.SubscriptionID, 32)
	assert.Equal(t, messaging.GranularityHigh, sub.Granularity)
	assert.Equal(t, int64(0), sub.Sequence)

	got, err := e.Get(context.Background(), pubActor, "stranger", sub.SubscriptionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "properties", got.Target)
	assert.Equal(t, messaging.GranularityHigh, got.Granularity)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSubscribeRejectsInvalidGranularity(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	e := newTestEngine(t, st, EngineDeps{Logger: zerolog.Nop()})

	err := e.Subscribe(context.Background(), pubActor, &Subscription{
		PeerID:      "peer1",
		Target:      "properties",
		Granularity: messaging.Granularity("medium"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "granularity")
}

func TestRegisterDiffAdvancesSequencePerSubscription(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Logger: zerolog.Nop()})

	sub := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	for i := 1; i <= 3; i++ {
		res, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"n": i})
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Successful)
	}

	got, err := e.Get(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Sequence)

	require.Equal(t, 3, rec.count())
	for i := 0; i < 3; i++ {
		call := rec.call(i)
		require.Len(t, call.subs, 1)
		assert.Equal(t, int64(i+1), call.subs[0].Sequence)
	}

	diffs, err := e.Diffs(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	require.Len(t, diffs, 3)
	for i, d := range diffs {
		assert.Equal(t, int64(i+1), d.Sequence)
		assert.Equal(t, float64(i+1), d.Data["n"])
		assert.False(t, d.Timestamp.IsZero())
	}
}

func TestRegisterDiffScopeMatching(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Logger: zerolog.Nop()})

	all := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})
	scoped := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties", Subtarget: "status"})
	other := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "resources"})

	// A change scoped to properties/status reaches the unscoped and the
	// matching scoped subscription.
	res, err := e.RegisterDiff(context.Background(), pubActor, "properties", "status", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	// A change scoped elsewhere under properties skips the status-scoped one.
	res, err = e.RegisterDiff(context.Background(), pubActor, "properties", "config", map[string]any{"v": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	// A whole-target change reaches both subscriptions under properties.
	res, err = e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"v": 3})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	seqOf := func(sub *Subscription) int64 {
		got, err := e.Get(context.Background(), pubActor, "peer1", sub.SubscriptionID)
		require.NoError(t, err)
		return got.Sequence
	}
	assert.Equal(t, int64(3), seqOf(all))
	assert.Equal(t, int64(2), seqOf(scoped))
	assert.Equal(t, int64(0), seqOf(other))
}

func TestRegisterDiffSkipsUnapprovedPeer(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Logger: zerolog.Nop()})
	sub := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	// Approval revoked after the subscription was created.
	tm := trust.NewManager(st, zerolog.Nop())
	require.NoError(t, tm.Approve(context.Background(), pubActor, "peer1", false))

	res, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, rec.count())

	got, err := e.Get(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Sequence, "no diff may be recorded for an unapproved peer")
}

func TestGranularityNoneRecordsWithoutDispatch(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Logger: zerolog.Nop()})
	sub := mustSubscribe(t, e, pubActor, &Subscription{
		PeerID: "peer1", Target: "properties", Granularity: messaging.GranularityNone,
	})

	res, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, rec.count())

	// The diff is still recorded for polling.
	diffs, err := e.Diffs(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, int64(1), diffs[0].Sequence)
}

func TestSuspendResumeWithResyncCapablePeer(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	caps := capsFake{"peer1": trust.NewCapabilitySet("subscriptionresync", "", time.Now())}
	baseline := func(_ context.Context, _, target, _ string) map[string]any {
		return map[string]any{"snapshot_of": target}
	}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Caps: caps, Baseline: baseline, Logger: zerolog.Nop()})
	sub := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	require.NoError(t, e.Suspend(context.Background(), pubActor, "properties", ""))

	// Sequence keeps advancing while suspended; nothing is dispatched.
	for i := 0; i < 5; i++ {
		res, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Total)
	}
	assert.Equal(t, 0, rec.count())

	got, err := e.Get(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Sequence)

	// Resume sends one resync baseline at the current sequence.
	res, err := e.Resume(context.Background(), pubActor, "properties", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	require.Equal(t, 1, rec.count())

	call := rec.call(0)
	require.Len(t, call.subs, 1)
	assert.Equal(t, messaging.CallbackTypeResync, call.subs[0].Type)
	assert.Equal(t, messaging.GranularityHigh, call.subs[0].Granularity)
	assert.Equal(t, int64(5), call.subs[0].Sequence)
	assert.Equal(t, map[string]any{"snapshot_of": "properties"}, call.payload)

	// Dispatch works again after resume.
	res, err = e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"v": 9})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 2, rec.count())
}

func TestResumeWithoutResyncSendsLowGranularity(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Logger: zerolog.Nop()})
	mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	require.NoError(t, e.Suspend(context.Background(), pubActor, "properties", ""))
	_, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"v": 1})
	require.NoError(t, err)

	res, err := e.Resume(context.Background(), pubActor, "properties", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	call := rec.call(0)
	require.Len(t, call.subs, 1)
	assert.Empty(t, call.subs[0].Type)
	assert.Equal(t, messaging.GranularityLow, call.subs[0].Granularity)
	assert.Equal(t, int64(1), call.subs[0].Sequence)
}

func TestResumeWhenNotSuspendedIsNoOp(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Logger: zerolog.Nop()})
	mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	res, err := e.Resume(context.Background(), pubActor, "properties", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, rec.count())
}

func TestResumeSkipsSubscriptionsWithNoHistory(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}
	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Logger: zerolog.Nop()})
	mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	require.NoError(t, e.Suspend(context.Background(), pubActor, "properties", ""))
	res, err := e.Resume(context.Background(), pubActor, "properties", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, rec.count())
}

func TestAcknowledgeClearsDiffsUpToSequence(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	e := newTestEngine(t, st, EngineDeps{Logger: zerolog.Nop()})
	sub := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	for i := 1; i <= 5; i++ {
		_, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"n": i})
		require.NoError(t, err)
	}

	require.NoError(t, e.Acknowledge(context.Background(), pubActor, "peer1", sub.SubscriptionID, 3))

	diffs, err := e.Diffs(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, int64(4), diffs[0].Sequence)
	assert.Equal(t, int64(5), diffs[1].Sequence)

	// Acknowledging an unknown subscription reports not found.
	assert.ErrorIs(t, e.Acknowledge(context.Background(), pubActor, "peer1", "missing", 1), ErrNotFound)
}

func TestDeleteSubscriptionPurgesDiffs(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	e := newTestEngine(t, st, EngineDeps{Logger: zerolog.Nop()})
	sub := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	for i := 0; i < 3; i++ {
		_, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"n": i})
		require.NoError(t, err)
	}

	require.NoError(t, e.Delete(context.Background(), pubActor, "peer1", sub.SubscriptionID))

	got, err := e.Get(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	assert.Nil(t, got)

	diffs, err := e.Diffs(context.Background(), pubActor, "peer1", sub.SubscriptionID)
	require.NoError(t, err)
	assert.Empty(t, diffs)

	assert.ErrorIs(t, e.Delete(context.Background(), pubActor, "peer1", sub.SubscriptionID), ErrNotFound)
}

func TestDeleteForPeerCascades(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	seedTrust(t, st, pubActor, "peer2", true)
	e := newTestEngine(t, st, EngineDeps{Logger: zerolog.Nop()})

	mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})
	mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "resources"})
	keep := mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer2", Target: "properties"})

	_, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"v": 1})
	require.NoError(t, err)

	require.NoError(t, e.DeleteForPeer(context.Background(), pubActor, "peer1"))

	subs, err := e.List(context.Background(), pubActor)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, keep.SubscriptionID, subs[0].SubscriptionID)

	remaining, err := e.Diffs(context.Background(), pubActor, "peer2", keep.SubscriptionID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestDeferredDispatchRunsThroughPool(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	seedTrust(t, st, pubActor, "peer1", true)
	rec := &dispatchRecorder{}

	pool := fanout.NewDispatchPool(1, 8, zerolog.Nop())
	pool.Start(context.Background())
	defer pool.Stop()

	e := newTestEngine(t, st, EngineDeps{Dispatch: rec, Pool: pool, Logger: zerolog.Nop()})
	mustSubscribe(t, e, pubActor, &Subscription{PeerID: "peer1", Target: "properties"})

	res, err := e.RegisterDiff(context.Background(), pubActor, "properties", "", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Nil(t, res, "deferred dispatch returns no result")

	assert.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	call := rec.call(0)
	assert.Equal(t, pubActor, call.actorID)
	require.Len(t, call.subs, 1)
	assert.Equal(t, int64(1), call.subs[0].Sequence)
}

func TestSubscribeToPeerStoresRemoteState(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	peerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Location", r.Host+r.URL.Path+"/sub42")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"subscriptionid":"sub42","target":"properties"}`))
	}))
	t.Cleanup(peerSrv.Close)

	st := store.NewMemory()
	defer st.Close()
	tm := trust.NewManager(st, zerolog.Nop())
	require.NoError(t, tm.Create(context.Background(), &trust.Trust{
		ActorID:      "subActor",
		PeerID:       "publisher",
		BaseURI:      peerSrv.URL + "/publisher",
		Secret:       "s3cret",
		Relationship: "friend",
		Approved:     true,
	}))

	e := newTestEngine(t, st, EngineDeps{
		Trusts: tm,
		Peers:  proxy.New(2*time.Second, 5*time.Second, zerolog.Nop()),
		Logger: zerolog.Nop(),
	})

	subID, err := e.SubscribeToPeer(context.Background(), "subActor", "publisher", "properties", "", messaging.GranularityHigh)
	require.NoError(t, err)
	assert.Equal(t, "sub42", subID)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "subActor", gotBody["peerid"])
	assert.Equal(t, "properties", gotBody["target"])

	sink := NewSink(st, 0, zerolog.Nop())
	state, err := sink.Load(context.Background(), "subActor", "publisher", "sub42")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.LastProcessed)
	assert.Equal(t, "properties", state.Target)
}

func TestSubscribeToPeerRequiresUsableTrust(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	e := newTestEngine(t, st, EngineDeps{
		Peers:  proxy.New(2*time.Second, 5*time.Second, zerolog.Nop()),
		Logger: zerolog.Nop(),
	})

	_, err := e.SubscribeToPeer(context.Background(), "subActor", "publisher", "properties", "", messaging.GranularityHigh)
	assert.ErrorIs(t, err, ErrTrustRequired)
}
