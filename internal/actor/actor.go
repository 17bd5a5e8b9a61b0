// Package actor manages actor records and their property store. An actor is
// the unit of ownership: deleting one cascades to every bucket it owns
// (trusts, subscriptions, diffs, breaker state, properties).
package actor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/store"
)

const (
	bucketActor      = "actors"
	bucketProperties = "properties"
	recordName       = "record"
)

// Actor is the persisted identity record.
type Actor struct {
	ID         string    `json:"id"`
	Creator    string    `json:"creator"`
	Passphrase string    `json:"passphrase,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry creates, loads and destroys actors.
type Registry struct {
	store  store.Store
	logger zerolog.Logger
}

// NewRegistry wires the registry to its store.
func NewRegistry(s store.Store, logger zerolog.Logger) *Registry {
	return &Registry{store: s, logger: logger.With().Str("component", "actor").Logger()}
}

// Create mints a new actor. An empty creator defaults to "creator"; an empty
// passphrase is generated.
func (r *Registry) Create(ctx context.Context, creator, passphrase string) (*Actor, error) {
	if creator == "" {
		creator = "creator"
	}
	if passphrase == "" {
		passphrase = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	a := &Actor{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		Creator:    creator,
		Passphrase: passphrase,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.SetAttr(ctx, a.ID, bucketActor, recordName, map[string]any{
		"creator":    a.Creator,
		"passphrase": a.Passphrase,
		"created_at": a.CreatedAt.Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("persist actor: %w", err)
	}
	r.logger.Info().Str("actor_id", a.ID).Str("creator", creator).Msg("Actor created")
	return a, nil
}

// Get loads an actor, or returns nil when it does not exist.
func (r *Registry) Get(ctx context.Context, id string) (*Actor, error) {
	data, err := r.store.GetAttr(ctx, id, bucketActor, recordName)
	if err != nil {
		return nil, fmt.Errorf("load actor: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	a := &Actor{ID: id}
	a.Creator, _ = data["creator"].(string)
	a.Passphrase, _ = data["passphrase"].(string)
	if ts, ok := data["created_at"].(string); ok {
		a.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	return a, nil
}

// Exists reports whether an actor record is present.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	a, err := r.Get(ctx, id)
	return a != nil, err
}

// Delete destroys the actor and everything it owns.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteActor(ctx, id); err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	r.logger.Info().Str("actor_id", id).Msg("Actor deleted")
	return nil
}

// Properties

// GetProperties returns the actor's full property map.
func (r *Registry) GetProperties(ctx context.Context, id string) (map[string]any, error) {
	attrs, err := r.store.ListBucket(ctx, id, bucketProperties)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	out := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		out[name] = attr.Data["value"]
	}
	return out, nil
}

// GetProperty returns one property value, or nil when absent.
func (r *Registry) GetProperty(ctx context.Context, id, name string) (any, error) {
	data, err := r.store.GetAttr(ctx, id, bucketProperties, name)
	if err != nil {
		return nil, fmt.Errorf("get property: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return data["value"], nil
}

// SetProperty stores one property value. Values are wrapped so scalars and
// objects persist uniformly.
func (r *Registry) SetProperty(ctx context.Context, id, name string, value any) error {
	if err := r.store.SetAttr(ctx, id, bucketProperties, name, map[string]any{"value": value}); err != nil {
		return fmt.Errorf("set property: %w", err)
	}
	return nil
}

// DeleteProperty removes one property.
func (r *Registry) DeleteProperty(ctx context.Context, id, name string) error {
	if err := r.store.DeleteAttr(ctx, id, bucketProperties, name); err != nil {
		return fmt.Errorf("delete property: %w", err)
	}
	return nil
}

// DeleteProperties removes the whole property resource.
func (r *Registry) DeleteProperties(ctx context.Context, id string) error {
	if err := r.store.DeleteBucket(ctx, id, bucketProperties); err != nil {
		return fmt.Errorf("delete properties: %w", err)
	}
	return nil
}
