package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/subscription"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

// PeerCaller is the subset of the peer proxy the processor needs: fetching
// low-granularity bodies and sending acknowledgement PUTs.
type PeerCaller interface {
	GetResource(ctx context.Context, t proxy.Target, path string, params url.Values) *proxy.Result
	ChangeResource(ctx context.Context, t proxy.Target, path string, body any) *proxy.Result
}

// TrustResolver loads the trust toward a publisher. Satisfied by
// *trust.Manager.
type TrustResolver interface {
	Get(ctx context.Context, actorID, peerID string) (*trust.Trust, error)
}

// Outcome is the HTTP-shaped result of processing one inbound callback.
// Result is the low-cardinality label recorded in metrics.
type Outcome struct {
	Status int
	Result string
	Detail string
}

func outcome(status int, result, detail string) Outcome {
	monitoring.RecordCallbackProcessed(result)
	return Outcome{Status: status, Result: result, Detail: detail}
}

// Processor drives the subscriber-side sequencing state machine.
type Processor struct {
	sink       *subscription.Sink
	trusts     TrustResolver
	peers      PeerCaller
	hooks      *Hooks
	ackTimeout time.Duration
	logger     zerolog.Logger
}

// NewProcessor wires the processor.
func NewProcessor(sink *subscription.Sink, trusts TrustResolver, peers PeerCaller, hooks *Hooks, logger zerolog.Logger) *Processor {
	return &Processor{
		sink:       sink,
		trusts:     trusts,
		peers:      peers,
		hooks:      hooks,
		ackTimeout: 10 * time.Second,
		logger:     logger.With().Str("component", "callback").Logger(),
	}
}

// Process handles one callback POSTed to
// /{actorID}/callbacks/subscriptions/{publisherID}/{subID}. Authentication
// happens at the HTTP surface; body is the raw (already decompressed)
// envelope. The whole load-process-save cycle runs under the per-
// subscription lock so concurrent arrivals for one subscription serialize.
func (p *Processor) Process(ctx context.Context, actorID, publisherID, subID string, body []byte) Outcome {
	cb, err := messaging.ParseCallback(body)
	if err != nil {
		return outcome(http.StatusBadRequest, "malformed", err.Error())
	}
	if cb.ID != publisherID {
		return outcome(http.StatusBadRequest, "malformed",
			fmt.Sprintf("envelope id %q does not match publisher %q", cb.ID, publisherID))
	}
	if cb.SubscriptionID != subID {
		return outcome(http.StatusBadRequest, "malformed",
			fmt.Sprintf("envelope subscriptionid %q does not match path %q", cb.SubscriptionID, subID))
	}

	unlock := p.sink.Lock(actorID, publisherID, subID)
	defer unlock()

	st, err := p.sink.Load(ctx, actorID, publisherID, subID)
	if err != nil {
		p.logger.Error().Err(err).
			Str("actor_id", actorID).
			Str("publisher_id", publisherID).
			Msg("Loading sink state failed")
		monitoring.RecordError(monitoring.ErrorTypeStorage, monitoring.ErrorSeverityCritical)
		return outcome(http.StatusInternalServerError, "rejected", messaging.ErrStorageError)
	}

	logger := p.logger.With().
		Str("actor_id", actorID).
		Str("publisher_id", publisherID).
		Str("subscription_id", subID).
		Int64("sequence", cb.Sequence).
		Logger()

	// A resync declares a new baseline at whatever sequence it carries; it
	// bypasses the gap queue entirely.
	if cb.IsResync() {
		p.handleOne(ctx, st, cb)
		st.ResetTo(cb.Sequence)
		p.drain(ctx, st)
		if err := p.sink.Save(ctx, st); err != nil {
			logger.Error().Err(err).Msg("Persisting sink state failed")
			return outcome(http.StatusInternalServerError, "rejected", messaging.ErrStorageError)
		}
		logger.Info().Msg("Resync baseline applied")
		return outcome(http.StatusNoContent, "resync", "")
	}

	switch st.Classify(cb.Sequence, p.sink.Bound()) {
	case subscription.DecisionDuplicate:
		logger.Debug().Int64("last_processed", st.LastProcessed).Msg("Duplicate callback ignored")
		return outcome(http.StatusNoContent, "duplicate", "")

	case subscription.DecisionProcess:
		p.handleOne(ctx, st, cb)
		st.Advance(cb.Sequence)
		p.drain(ctx, st)
		if err := p.sink.Save(ctx, st); err != nil {
			logger.Error().Err(err).Msg("Persisting sink state failed")
			return outcome(http.StatusInternalServerError, "rejected", messaging.ErrStorageError)
		}
		return outcome(http.StatusNoContent, "applied", "")

	case subscription.DecisionPend:
		st.InsertPending(cb)
		monitoring.RecordSequenceGap()
		if err := p.sink.Save(ctx, st); err != nil {
			logger.Error().Err(err).Msg("Persisting sink state failed")
			return outcome(http.StatusInternalServerError, "rejected", messaging.ErrStorageError)
		}
		logger.Debug().
			Int64("last_processed", st.LastProcessed).
			Int("pending", len(st.Pending)).
			Msg("Out-of-order callback parked")
		return outcome(http.StatusNoContent, "pending", "")

	default: // DecisionOverflow
		logger.Warn().
			Int("pending", len(st.Pending)).
			Int("bound", p.sink.Bound()).
			Msg("Pending queue full, rejecting callback")
		return outcome(http.StatusTooManyRequests, "rejected", messaging.ErrBackPressure)
	}
}

// drain processes contiguous parked envelopes now that the gap closed.
func (p *Processor) drain(ctx context.Context, st *subscription.RemoteState) {
	for next := st.NextPending(); next != nil; next = st.NextPending() {
		p.handleOne(ctx, st, next)
		st.Advance(next.Sequence)
	}
}

// handleOne runs the side effects of a single envelope: fetch the body for
// low granularity, invoke the application hook, and acknowledge
// low-granularity diffs back to the publisher.
func (p *Processor) handleOne(ctx context.Context, st *subscription.RemoteState, cb *messaging.Callback) {
	ev := Event{
		ActorID:        st.ActorID,
		PublisherID:    st.PublisherID,
		SubscriptionID: st.SubscriptionID,
		Target:         cb.Target,
		Subtarget:      cb.Subtarget,
		Sequence:       cb.Sequence,
		Timestamp:      cb.Time(),
		Data:           cb.Data,
		Resync:         cb.IsResync(),
	}

	tr, err := p.trusts.Get(ctx, st.ActorID, st.PublisherID)
	if err != nil {
		p.logger.Warn().Err(err).
			Str("actor_id", st.ActorID).
			Str("publisher_id", st.PublisherID).
			Msg("Trust lookup toward publisher failed")
	}

	if cb.Granularity == messaging.GranularityLow && ev.Data == nil && cb.URL != "" {
		if data, ok := p.fetchBody(ctx, tr, cb.URL); ok {
			ev.Data = data
			ev.Fetched = true
		}
	}
	ev.ListMutations = messaging.ExtractListMutations(ev.Data)

	if ev.Resync {
		p.hooks.DispatchResync(ctx, ev)
		return
	}
	p.hooks.DispatchDiff(ctx, ev)

	// The low-granularity acknowledgement contract: tell the publisher to
	// clear diffs up to this sequence. Resync callbacks carry no such
	// obligation. Best effort, off the request path.
	if cb.Granularity == messaging.GranularityLow && tr != nil && tr.Usable() {
		p.ack(ctx, st, tr, cb.Sequence)
	}
}

// fetchBody GETs the low-granularity URL with the trust toward the
// publisher. The response may be a diff body or a full resource snapshot;
// either way it is an object.
func (p *Processor) fetchBody(ctx context.Context, tr *trust.Trust, rawURL string) (map[string]any, bool) {
	t := proxy.Target{BaseURI: rawURL}
	if tr != nil {
		t.ActorID = tr.ActorID
		t.PeerID = tr.PeerID
		t.Secret = tr.Secret
	}
	r := p.peers.GetResource(ctx, t, "", nil)
	if !r.OK() {
		code, msg, _ := r.Err()
		p.logger.Warn().
			Int("code", code).
			Str("message", msg).
			Str("url", rawURL).
			Msg("Low-granularity fetch failed")
		return nil, false
	}
	if r.Value != nil {
		return r.Value, true
	}
	var decoded map[string]any
	if json.Unmarshal(r.Body, &decoded) == nil {
		return decoded, true
	}
	p.logger.Warn().Str("url", rawURL).Msg("Low-granularity fetch returned non-object body")
	return nil, false
}

// ack PUTs {sequence} to the publisher, fire and forget. The goroutine
// carries the correlation context but not the request's cancellation.
func (p *Processor) ack(ctx context.Context, st *subscription.RemoteState, tr *trust.Trust, seq int64) {
	actorID := st.ActorID
	subID := st.SubscriptionID
	target := proxy.Target{
		ActorID: tr.ActorID,
		PeerID:  tr.PeerID,
		BaseURI: tr.BaseURI,
		Secret:  tr.Secret,
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		actx, cancel := context.WithTimeout(bg, p.ackTimeout)
		defer cancel()
		path := fmt.Sprintf("subscriptions/%s/%s", actorID, subID)
		r := p.peers.ChangeResource(actx, target, path, map[string]any{"sequence": seq})
		if !r.OK() {
			code, msg, _ := r.Err()
			p.logger.Debug().
				Int("code", code).
				Str("message", msg).
				Str("publisher_id", tr.PeerID).
				Int64("sequence", seq).
				Msg("Acknowledgement PUT failed")
		}
	}()
}
