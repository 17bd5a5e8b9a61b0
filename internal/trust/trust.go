// Package trust manages bilateral trust relationships and the per-peer
// capability cache layered on top of them.
package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/store"
)

const bucketTrusts = "trusts"

// Trust field names as persisted. The capability cache and approval flow
// patch records through Manager.Modify using these keys.
const (
	FieldBaseURI               = "baseuri"
	FieldSecret                = "secret"
	FieldRelationship          = "relationship"
	FieldApproved              = "approved"
	FieldAwSupported           = "aw_supported"
	FieldAwVersion             = "aw_version"
	FieldCapabilitiesFetchedAt = "capabilities_fetched_at"
	FieldEstablishedVia        = "established_via"
	FieldLastAccessed          = "last_accessed"
	FieldDesc                  = "desc"
)

// Trust is one bilateral relationship as seen from the owning actor.
type Trust struct {
	ActorID               string    `json:"-"`
	PeerID                string    `json:"peerid"`
	BaseURI               string    `json:"baseuri"`
	Secret                string    `json:"secret,omitempty"`
	Relationship          string    `json:"relationship"`
	Approved              bool      `json:"approved"`
	AwSupported           string    `json:"aw_supported,omitempty"`
	AwVersion             string    `json:"aw_version,omitempty"`
	CapabilitiesFetchedAt time.Time `json:"-"`
	EstablishedVia        string    `json:"established_via,omitempty"`
	LastAccessed          time.Time `json:"-"`
	Desc                  string    `json:"desc,omitempty"`
}

// Usable reports whether the trust can back an outbound peer call. Approval
// is a separate gate: it is required for subscription operations but not
// for trust deletion.
func (t *Trust) Usable() bool {
	return t.BaseURI != "" && t.Secret != ""
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

func fromData(actorID, peerID string, data map[string]any) *Trust {
	t := &Trust{ActorID: actorID, PeerID: peerID}
	t.BaseURI, _ = data[FieldBaseURI].(string)
	t.Secret, _ = data[FieldSecret].(string)
	t.Relationship, _ = data[FieldRelationship].(string)
	t.Approved, _ = data[FieldApproved].(bool)
	t.AwSupported, _ = data[FieldAwSupported].(string)
	t.AwVersion, _ = data[FieldAwVersion].(string)
	t.EstablishedVia, _ = data[FieldEstablishedVia].(string)
	t.Desc, _ = data[FieldDesc].(string)
	if s, ok := data[FieldCapabilitiesFetchedAt].(string); ok {
		t.CapabilitiesFetchedAt = parseTimeUTC(s)
	}
	if s, ok := data[FieldLastAccessed].(string); ok {
		t.LastAccessed = parseTimeUTC(s)
	}
	return t
}

func toData(t *Trust) map[string]any {
	data := map[string]any{
		FieldBaseURI:      t.BaseURI,
		FieldSecret:       t.Secret,
		FieldRelationship: t.Relationship,
		FieldApproved:     t.Approved,
	}
	if t.AwSupported != "" {
		data[FieldAwSupported] = t.AwSupported
	}
	if t.AwVersion != "" {
		data[FieldAwVersion] = t.AwVersion
	}
	if !t.CapabilitiesFetchedAt.IsZero() {
		data[FieldCapabilitiesFetchedAt] = t.CapabilitiesFetchedAt.UTC().Format(time.RFC3339)
	}
	if t.EstablishedVia != "" {
		data[FieldEstablishedVia] = t.EstablishedVia
	}
	if !t.LastAccessed.IsZero() {
		data[FieldLastAccessed] = t.LastAccessed.UTC().Format(time.RFC3339)
	}
	if t.Desc != "" {
		data[FieldDesc] = t.Desc
	}
	return data
}

// Manager persists trust records, one attribute per peer.
type Manager struct {
	store  store.Store
	locks  store.KeyedMutex
	logger zerolog.Logger
}

// NewManager wires the manager to its store.
func NewManager(s store.Store, logger zerolog.Logger) *Manager {
	return &Manager{store: s, logger: logger.With().Str("component", "trust").Logger()}
}

func trustKey(actorID, peerID string) string {
	return actorID + "/" + bucketTrusts + "/" + peerID
}

// Create persists a new trust record, replacing any existing record for the
// same peer.
func (m *Manager) Create(ctx context.Context, t *Trust) error {
	if t.PeerID == "" {
		return fmt.Errorf("trust: missing peer id")
	}
	if err := m.store.SetAttr(ctx, t.ActorID, bucketTrusts, t.PeerID, toData(t)); err != nil {
		return fmt.Errorf("persist trust: %w", err)
	}
	m.logger.Info().
		Str("actor_id", t.ActorID).
		Str("peer_id", t.PeerID).
		Str("relationship", t.Relationship).
		Bool("approved", t.Approved).
		Msg("Trust created")
	return nil
}

// Get loads one trust, or nil when absent.
func (m *Manager) Get(ctx context.Context, actorID, peerID string) (*Trust, error) {
	data, err := m.store.GetAttr(ctx, actorID, bucketTrusts, peerID)
	if err != nil {
		return nil, fmt.Errorf("load trust: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return fromData(actorID, peerID, data), nil
}

// List returns all trusts owned by an actor.
func (m *Manager) List(ctx context.Context, actorID string) ([]*Trust, error) {
	attrs, err := m.store.ListBucket(ctx, actorID, bucketTrusts)
	if err != nil {
		return nil, fmt.Errorf("list trusts: %w", err)
	}
	out := make([]*Trust, 0, len(attrs))
	for peerID, attr := range attrs {
		out = append(out, fromData(actorID, peerID, attr.Data))
	}
	return out, nil
}

// Modify patches individual fields of an existing record. The
// read-modify-write runs under a per-key lock. Modifying an absent trust is
// an error.
func (m *Manager) Modify(ctx context.Context, actorID, peerID string, fields map[string]any) error {
	unlock := m.locks.Lock(trustKey(actorID, peerID))
	defer unlock()

	data, err := m.store.GetAttr(ctx, actorID, bucketTrusts, peerID)
	if err != nil {
		return fmt.Errorf("load trust: %w", err)
	}
	if data == nil {
		return fmt.Errorf("trust: no trust with peer %s", peerID)
	}
	for k, v := range fields {
		data[k] = v
	}
	if err := m.store.SetAttr(ctx, actorID, bucketTrusts, peerID, data); err != nil {
		return fmt.Errorf("persist trust: %w", err)
	}
	return nil
}

// Approve flips the approval flag.
func (m *Manager) Approve(ctx context.Context, actorID, peerID string, approved bool) error {
	if err := m.Modify(ctx, actorID, peerID, map[string]any{FieldApproved: approved}); err != nil {
		return err
	}
	m.logger.Info().
		Str("actor_id", actorID).
		Str("peer_id", peerID).
		Bool("approved", approved).
		Msg("Trust approval changed")
	return nil
}

// Touch updates last_accessed, best effort: failures are logged, never
// surfaced.
func (m *Manager) Touch(ctx context.Context, actorID, peerID string) {
	err := m.Modify(ctx, actorID, peerID, map[string]any{
		FieldLastAccessed: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.logger.Debug().Err(err).
			Str("actor_id", actorID).
			Str("peer_id", peerID).
			Msg("Failed to touch trust")
	}
}

// Delete removes a trust record. Subscription and diff cleanup for the pair
// is the caller's responsibility; deletion itself requires no approval.
func (m *Manager) Delete(ctx context.Context, actorID, peerID string) error {
	if err := m.store.DeleteAttr(ctx, actorID, bucketTrusts, peerID); err != nil {
		return fmt.Errorf("delete trust: %w", err)
	}
	m.logger.Info().
		Str("actor_id", actorID).
		Str("peer_id", peerID).
		Msg("Trust deleted")
	return nil
}
