package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/store"
	"github.com/actingweb/actingweb-sub002/internal/subscription"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

const (
	subActor  = "sub-actor"
	publisher = "pub-actor"
	subID     = "sub1"
)

type trustFake struct {
	trusts map[string]*trust.Trust
}

func (f *trustFake) Get(_ context.Context, _, peerID string) (*trust.Trust, error) {
	return f.trusts[peerID], nil
}

type peerCall struct {
	method string
	url    string
	path   string
	body   any
}

// peerFake records outbound calls and serves canned low-granularity bodies.
type peerFake struct {
	mu      sync.Mutex
	calls   []peerCall
	fetched map[string]any
	acked   chan int64
}

func newPeerFake() *peerFake {
	return &peerFake{acked: make(chan int64, 8)}
}

func (f *peerFake) GetResource(_ context.Context, t proxy.Target, path string, _ url.Values) *proxy.Result {
	f.mu.Lock()
	f.calls = append(f.calls, peerCall{method: "GET", url: t.BaseURI, path: path})
	f.mu.Unlock()
	if f.fetched == nil {
		return &proxy.Result{StatusCode: http.StatusNotFound,
			Value: messaging.ErrorDict(404, "not found")}
	}
	raw, _ := json.Marshal(f.fetched)
	return &proxy.Result{StatusCode: http.StatusOK, Body: raw, Value: f.fetched}
}

func (f *peerFake) ChangeResource(_ context.Context, t proxy.Target, path string, body any) *proxy.Result {
	f.mu.Lock()
	f.calls = append(f.calls, peerCall{method: "PUT", url: t.BaseURI, path: path, body: body})
	f.mu.Unlock()
	if m, ok := body.(map[string]any); ok {
		if seq, ok := m["sequence"].(int64); ok {
			f.acked <- seq
		}
	}
	return &proxy.Result{StatusCode: http.StatusNoContent}
}

func (f *peerFake) getCalls() []peerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peerCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fixture struct {
	st    store.Store
	sink  *subscription.Sink
	peers *peerFake
	hooks *Hooks
	proc  *Processor

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, bound int) *fixture {
	t.Helper()
	f := &fixture{
		st:    store.NewMemory(),
		peers: newPeerFake(),
		hooks: NewHooks(zerolog.Nop()),
	}
	t.Cleanup(func() { f.st.Close() })

	f.sink = subscription.NewSink(f.st, bound, zerolog.Nop())
	record := func(_ context.Context, ev Event) error {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
		return nil
	}
	f.hooks.OnDiff("", record)
	f.hooks.OnResync("", record)

	trusts := &trustFake{trusts: map[string]*trust.Trust{
		publisher: {
			ActorID:      subActor,
			PeerID:       publisher,
			BaseURI:      "https://pub.example.com/" + publisher,
			Secret:       "shared-secret",
			Relationship: "friend",
			Approved:     true,
		},
	}}
	f.proc = NewProcessor(f.sink, trusts, f.peers, f.hooks, zerolog.Nop())
	return f
}

func (f *fixture) process(t *testing.T, cb *messaging.Callback) Outcome {
	t.Helper()
	raw, err := json.Marshal(cb)
	require.NoError(t, err)
	return f.proc.Process(context.Background(), subActor, publisher, subID, raw)
}

func (f *fixture) eventSequences() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Sequence
	}
	return out
}

func envelope(seq int64) *messaging.Callback {
	return &messaging.Callback{
		ID:             publisher,
		SubscriptionID: subID,
		Target:         "properties",
		Sequence:       seq,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Granularity:    messaging.GranularityHigh,
		Data:           map[string]any{"status": seq},
	}
}

func TestProcessInOrder(t *testing.T) {
	f := newFixture(t, 10)

	for seq := int64(1); seq <= 3; seq++ {
		out := f.process(t, envelope(seq))
		assert.Equal(t, http.StatusNoContent, out.Status)
		assert.Equal(t, "applied", out.Result)
	}
	assert.Equal(t, []int64{1, 2, 3}, f.eventSequences())

	st, err := f.sink.Load(context.Background(), subActor, publisher, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.LastProcessed)
}

func TestProcessDuplicate(t *testing.T) {
	f := newFixture(t, 10)
	f.process(t, envelope(1))
	f.process(t, envelope(2))

	out := f.process(t, envelope(1))
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Equal(t, "duplicate", out.Result)
	assert.Equal(t, []int64{1, 2}, f.eventSequences())
}

func TestProcessGapThenDrain(t *testing.T) {
	f := newFixture(t, 10)
	f.process(t, envelope(1))

	out := f.process(t, envelope(3))
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Equal(t, "pending", out.Result)
	out = f.process(t, envelope(4))
	assert.Equal(t, "pending", out.Result)

	// Nothing handed to the application while the gap is open.
	assert.Equal(t, []int64{1}, f.eventSequences())

	out = f.process(t, envelope(2))
	assert.Equal(t, "applied", out.Result)
	assert.Equal(t, []int64{1, 2, 3, 4}, f.eventSequences())

	st, err := f.sink.Load(context.Background(), subActor, publisher, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.LastProcessed)
	assert.Empty(t, st.Pending)
}

func TestProcessBackPressure(t *testing.T) {
	f := newFixture(t, 2)
	f.process(t, envelope(1))

	assert.Equal(t, "pending", f.process(t, envelope(3)).Result)
	assert.Equal(t, "pending", f.process(t, envelope(4)).Result)

	out := f.process(t, envelope(5))
	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	assert.Equal(t, "rejected", out.Result)
	assert.Equal(t, messaging.ErrBackPressure, out.Detail)

	// A held sequence re-sent is still accepted: it replaces, not grows.
	assert.Equal(t, "pending", f.process(t, envelope(3)).Result)
}

func TestProcessResyncResetsBaseline(t *testing.T) {
	f := newFixture(t, 10)
	f.process(t, envelope(1))
	f.process(t, envelope(5)) // parked
	f.process(t, envelope(12))

	resync := envelope(10)
	resync.Type = messaging.CallbackTypeResync
	out := f.process(t, resync)
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Equal(t, "resync", out.Result)

	st, err := f.sink.Load(context.Background(), subActor, publisher, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.LastProcessed)
	require.Len(t, st.Pending, 1) // 5 discarded below baseline, 12 survives
	assert.Equal(t, int64(12), st.Pending[0].Sequence)

	// 11 closes the remaining gap and the surviving 12 drains behind it.
	assert.Equal(t, "applied", f.process(t, envelope(11)).Result)
	assert.Equal(t, []int64{1, 10, 11, 12}, f.eventSequences())
}

func TestProcessMalformed(t *testing.T) {
	f := newFixture(t, 10)

	out := f.proc.Process(context.Background(), subActor, publisher, subID, []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.Equal(t, "malformed", out.Result)

	cb := envelope(1)
	cb.Sequence = 0
	out = f.process(t, cb)
	assert.Equal(t, http.StatusBadRequest, out.Status)

	cb = envelope(1)
	cb.ID = "someone-else"
	out = f.process(t, cb)
	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.Contains(t, out.Detail, "does not match publisher")

	cb = envelope(1)
	cb.SubscriptionID = "other-sub"
	out = f.process(t, cb)
	assert.Equal(t, http.StatusBadRequest, out.Status)

	assert.Empty(t, f.eventSequences())
}

func TestProcessLowGranularityFetchAndAck(t *testing.T) {
	f := newFixture(t, 10)
	f.peers.fetched = map[string]any{"status": "fetched"}

	cb := envelope(1)
	cb.Granularity = messaging.GranularityLow
	cb.Data = nil
	cb.URL = "https://pub.example.com/" + publisher + "/subscriptions/" + subActor + "/" + subID

	out := f.process(t, cb)
	assert.Equal(t, http.StatusNoContent, out.Status)
	assert.Equal(t, "applied", out.Result)

	f.mu.Lock()
	require.Len(t, f.events, 1)
	assert.True(t, f.events[0].Fetched)
	assert.Equal(t, "fetched", f.events[0].Data["status"])
	f.mu.Unlock()

	select {
	case seq := <-f.peers.acked:
		assert.Equal(t, int64(1), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("acknowledgement PUT never sent")
	}

	calls := f.peers.getCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "GET", calls[0].method)
	assert.Equal(t, cb.URL, calls[0].url)
	assert.Equal(t, "PUT", calls[1].method)
	assert.Equal(t, "subscriptions/"+subActor+"/"+subID, calls[1].path)
}

func TestProcessLowGranularityFetchFailure(t *testing.T) {
	f := newFixture(t, 10)
	// peers.fetched nil: fetch serves 404.

	cb := envelope(2)
	cb.Sequence = 1
	cb.Granularity = messaging.GranularityLow
	cb.Data = nil
	cb.URL = "https://pub.example.com/diff/1"

	out := f.process(t, cb)
	// Sequence still advances: ordering is independent of fetch success.
	assert.Equal(t, "applied", out.Result)

	f.mu.Lock()
	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].Fetched)
	assert.Nil(t, f.events[0].Data)
	f.mu.Unlock()
}

func TestProcessExtractsListMutations(t *testing.T) {
	f := newFixture(t, 10)

	cb := envelope(1)
	cb.Data = map[string]any{
		"list:items": map[string]any{"operation": "append", "item": "x"},
		"plain":      "value",
	}
	assert.Equal(t, "applied", f.process(t, cb).Result)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 1)
	m, ok := f.events[0].ListMutations["items"]
	require.True(t, ok)
	assert.Equal(t, messaging.ListOpAppend, m.Operation)
	assert.Equal(t, "x", m.Item)
}

func TestHookErrorDoesNotBlockAdvancement(t *testing.T) {
	f := newFixture(t, 10)
	f.hooks.OnDiff("properties", func(context.Context, Event) error {
		return assert.AnError
	})

	assert.Equal(t, "applied", f.process(t, envelope(1)).Result)
	assert.Equal(t, "applied", f.process(t, envelope(2)).Result)

	st, err := f.sink.Load(context.Background(), subActor, publisher, subID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastProcessed)
}

func TestHooksTargetRouting(t *testing.T) {
	h := NewHooks(zerolog.Nop())
	var got []string
	h.OnDiff("properties", func(_ context.Context, ev Event) error {
		got = append(got, "properties:"+ev.Target)
		return nil
	})
	h.OnDiff("", func(_ context.Context, ev Event) error {
		got = append(got, "catchall:"+ev.Target)
		return nil
	})

	h.DispatchDiff(context.Background(), Event{Target: "properties"})
	h.DispatchDiff(context.Background(), Event{Target: "resources"})
	// No resync handler registered: dispatch is a no-op, not a panic.
	h.DispatchResync(context.Background(), Event{Target: "properties"})

	assert.Equal(t, []string{"properties:properties", "catchall:resources"}, got)
}
