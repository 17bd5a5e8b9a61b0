// Package fanout delivers one change to every subscriber in parallel with
// bounded concurrency. It owns the per-actor circuit breakers, consults the
// capability cache for payload shaping, and converts every per-subscriber
// failure into a structured result so one bad peer never cancels the rest.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/awctx"
	"github.com/actingweb/actingweb-sub002/internal/breaker"
	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/store"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

// Subscriber is one delivery destination for a fan-out invocation. Sequence
// is the subscription's own counter value for this diff; subscriptions
// advance independently. Type marks resync baselines and is otherwise empty.
type Subscriber struct {
	PeerID         string
	SubscriptionID string
	CallbackURL    string // derived from the trust base URI when empty
	Granularity    messaging.Granularity
	Sequence       int64
	Subtarget      string
	Type           string
}

// Config tunes one fan-out manager.
type Config struct {
	MaxConcurrent        int
	MaxHighPayloadBytes  int64
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	PersistBreakers      bool
	RequestTimeout       time.Duration
	EnableCompression    bool
	CompressionThreshold int
	Root                 string // external base URL ending in "/", for downgrade URLs
}

// TrustResolver loads the trust record backing a delivery. Satisfied by
// *trust.Manager.
type TrustResolver interface {
	Get(ctx context.Context, actorID, peerID string) (*trust.Trust, error)
}

// CapabilityResolver answers what a peer advertised. Satisfied by
// *trust.CapabilityCache.
type CapabilityResolver interface {
	Get(ctx context.Context, actorID, peerID string) *trust.CapabilitySet
}

// Deliverer posts one prepared callback. Satisfied by *proxy.Client.
type Deliverer interface {
	Deliver(ctx context.Context, t proxy.Target, rawURL string, body []byte, headers map[string]string) *proxy.Result
}

// Manager fans out callbacks for one actor.
type Manager struct {
	actorID  string
	cfg      Config
	breakers *breaker.Manager
	trusts   TrustResolver
	caps     CapabilityResolver
	client   Deliverer
	logger   zerolog.Logger
}

// NewManager builds a fan-out manager for one actor. Call Load to pick up
// circuit state persisted by a previous process.
func NewManager(actorID string, cfg Config, s store.Store, trusts TrustResolver, caps CapabilityResolver, client Deliverer, logger zerolog.Logger) *Manager {
	return &Manager{
		actorID:  actorID,
		cfg:      cfg,
		breakers: breaker.NewManager(actorID, s, cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.PersistBreakers, logger),
		trusts:   trusts,
		caps:     caps,
		client:   client,
		logger:   logger.With().Str("component", "fanout").Str("actor_id", actorID).Logger(),
	}
}

// Load bulk-reads persisted circuit breaker state.
func (m *Manager) Load(ctx context.Context) error {
	return m.breakers.Load(ctx)
}

// BreakerStatus snapshots the actor's circuit breakers.
func (m *Manager) BreakerStatus() map[string]breaker.Status {
	return m.breakers.GetStatus()
}

// ResetBreaker discards a peer's circuit history.
func (m *Manager) ResetBreaker(ctx context.Context, peerID string) {
	m.breakers.Reset(ctx, peerID)
}

// DeliverToSubscribers sends one payload to every subscriber. The payload
// is serialized once; subscribers whose circuit is open are skipped without
// a request. Deliveries run to completion even if the caller's context is
// cancelled, so breaker and ack state stay consistent.
func (m *Manager) DeliverToSubscribers(ctx context.Context, target string, payload map[string]any, subs []Subscriber) *messaging.FanOutResult {
	agg := &messaging.FanOutResult{}
	if len(subs) == 0 {
		return agg
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		// A payload that cannot serialize fails every delivery uniformly.
		for _, sub := range subs {
			agg.Add(messaging.DeliveryResult{
				PeerID:         sub.PeerID,
				SubscriptionID: sub.SubscriptionID,
				Success:        false,
				Error:          messaging.RequestErrorKind(fmt.Sprintf("encode payload: %v", err)),
			})
		}
		return agg
	}
	needsDowngrade := int64(len(raw)) > m.cfg.MaxHighPayloadBytes

	// Deliveries outlive the inbound request that triggered them.
	dctx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, m.cfg.MaxConcurrent)
	resCh := make(chan messaging.DeliveryResult, len(subs))
	var wg sync.WaitGroup

	for _, sub := range subs {
		if !m.breakers.Allow(dctx, sub.PeerID) {
			m.logger.Debug().
				Str("peer_id", sub.PeerID).
				Str("subscription_id", sub.SubscriptionID).
				Msg("Delivery skipped, circuit open")
			resCh <- messaging.DeliveryResult{
				PeerID:         sub.PeerID,
				SubscriptionID: sub.SubscriptionID,
				Success:        false,
				Error:          messaging.ErrCircuitOpen,
			}
			continue
		}

		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().
						Interface("panic_value", r).
						Str("stack_trace", string(debug.Stack())).
						Str("peer_id", sub.PeerID).
						Msg("Delivery panic recovered")
					monitoring.RecordError(monitoring.ErrorTypeDelivery, monitoring.ErrorSeverityCritical)
					m.breakers.RecordFailure(dctx, sub.PeerID)
					resCh <- messaging.DeliveryResult{
						PeerID:         sub.PeerID,
						SubscriptionID: sub.SubscriptionID,
						Success:        false,
						Error:          messaging.RequestErrorKind(fmt.Sprintf("panic: %v", r)),
					}
				}
			}()

			sem <- struct{}{}
			defer func() { <-sem }()

			resCh <- m.deliverOne(dctx, target, sub, payload, raw, needsDowngrade)
		}(sub)
	}

	wg.Wait()
	close(resCh)
	for r := range resCh {
		agg.Add(r)
	}

	m.logger.Info().
		Str("target", target).
		Int("total", agg.Total).
		Int("successful", agg.Successful).
		Int("failed", agg.Failed).
		Int("circuit_open", agg.CircuitOpen).
		Msg("Fan-out completed")
	return agg
}

// deliverOne performs one delivery: shapes the envelope, applies downgrade
// and compression, posts it, and records the outcome on the breaker.
func (m *Manager) deliverOne(ctx context.Context, target string, sub Subscriber, payload map[string]any, raw []byte, needsDowngrade bool) messaging.DeliveryResult {
	ctx = awctx.WithPeerID(ctx, sub.PeerID)
	logger := awctx.Logger(ctx, m.logger)

	result := messaging.DeliveryResult{
		PeerID:         sub.PeerID,
		SubscriptionID: sub.SubscriptionID,
	}

	effective := sub.Granularity
	if needsDowngrade && effective == messaging.GranularityHigh {
		effective = messaging.GranularityLow
		result.GranularityDowngraded = true
		monitoring.RecordGranularityDowngrade()
		logger.Debug().
			Int("payload_bytes", len(raw)).
			Int64("threshold", m.cfg.MaxHighPayloadBytes).
			Msg("Payload over threshold, downgrading to low granularity")
	}

	envelope := messaging.Callback{
		ID:             m.actorID,
		Target:         target,
		Subtarget:      sub.Subtarget,
		Sequence:       sub.Sequence,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Granularity:    effective,
		SubscriptionID: sub.SubscriptionID,
		Type:           sub.Type,
	}
	if effective == messaging.GranularityHigh {
		envelope.Data = payload
	} else {
		envelope.URL = m.resourceURL(target, sub.Subtarget)
	}

	body, err := json.Marshal(&envelope)
	if err != nil {
		// Local fault: the peer never saw a request, so its breaker is
		// not touched.
		result.Error = messaging.RequestErrorKind(fmt.Sprintf("encode envelope: %v", err))
		return result
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if result.GranularityDowngraded {
		headers["X-ActingWeb-Granularity-Downgraded"] = "true"
	}

	tr, err := m.trusts.Get(ctx, m.actorID, sub.PeerID)
	if err != nil {
		logger.Warn().Err(err).Msg("Trust lookup failed, delivering unauthenticated")
	}
	peerTarget := proxy.Target{ActorID: m.actorID, PeerID: sub.PeerID}
	if tr != nil {
		peerTarget.BaseURI = tr.BaseURI
		peerTarget.Secret = tr.Secret
	}

	caps := m.caps.Get(ctx, m.actorID, sub.PeerID)
	if m.cfg.EnableCompression && caps.SupportsCallbackCompression() && len(body) > m.cfg.CompressionThreshold {
		if compressed, cerr := gzipBytes(body); cerr == nil {
			body = compressed
			headers["Content-Encoding"] = "gzip"
			result.Compressed = true
			monitoring.RecordCompressedCallback()
		} else {
			logger.Warn().Err(cerr).Msg("Compression failed, sending uncompressed")
		}
	}

	callbackURL := sub.CallbackURL
	if callbackURL == "" && tr != nil {
		callbackURL = fmt.Sprintf("%s/callbacks/subscriptions/%s/%s",
			trimSlash(tr.BaseURI), m.actorID, sub.SubscriptionID)
	}
	if callbackURL == "" {
		// Local fault as well: no request was issued toward the peer.
		result.Error = messaging.RequestErrorKind("no callback URL and no usable trust")
		monitoring.RecordDelivery("failed", 0)
		monitoring.RecordDeliveryFailure(messaging.FailureReason(result.Error))
		return result
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	resp := m.client.Deliver(dctx, peerTarget, callbackURL, body, headers)
	result.StatusCode = resp.StatusCode
	result.Duration = resp.Duration

	switch {
	case resp.Transport && resp.StatusCode == 408:
		result.Error = messaging.ErrTimeout
	case resp.Transport:
		_, msg, _ := resp.Err()
		result.Error = messaging.RequestErrorKind(msg)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Success = true
	case resp.StatusCode == 429:
		result.Error = messaging.ErrRateLimited
		if ra, aerr := strconv.Atoi(resp.Header.Get("Retry-After")); aerr == nil {
			result.RetryAfter = ra
		}
	case resp.StatusCode == 503:
		result.Error = messaging.ErrServiceUnavailable
	default:
		result.Error = messaging.HTTPErrorKind(resp.StatusCode)
	}

	if result.Success {
		m.breakers.RecordSuccess(ctx, sub.PeerID)
		monitoring.RecordDelivery("delivered", result.Duration)
		logger.Debug().
			Str("subscription_id", sub.SubscriptionID).
			Int64("sequence", sub.Sequence).
			Str("granularity", string(effective)).
			Bool("compressed", result.Compressed).
			Msg("Callback delivered")
	} else {
		m.breakers.RecordFailure(ctx, sub.PeerID)
		monitoring.RecordDelivery("failed", result.Duration)
		monitoring.RecordDeliveryFailure(messaging.FailureReason(result.Error))
		logger.Warn().
			Str("subscription_id", sub.SubscriptionID).
			Int64("sequence", sub.Sequence).
			Str("error", result.Error).
			Int("status", resp.StatusCode).
			Msg("Callback delivery failed")
	}
	return result
}

// resourceURL points a low-granularity receiver at the current resource
// state: <root><actor_id>/<target>[/<subtarget>].
func (m *Manager) resourceURL(target, subtarget string) string {
	u := m.cfg.Root + m.actorID + "/" + target
	if subtarget != "" {
		u += "/" + subtarget
	}
	return u
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
