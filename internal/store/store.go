// Package store persists actor-scoped attribute buckets.
//
// Every piece of durable state (actor records, trusts, subscriptions, diffs,
// circuit breaker states) is an attribute: a JSON object filed under
// (actor_id, bucket, name). Callers own bucket naming and any ordering or
// prefix conventions inside a bucket.
package store

import (
	"context"
	"errors"
	"time"
)

// Attribute is one stored value with its last-write timestamp.
type Attribute struct {
	Data      map[string]any
	Timestamp time.Time
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is the persistence contract. A missing attribute reads as (nil, nil),
// not an error. Writes replace the whole value.
//
// Implementations must be safe for concurrent use. They are not required to
// serialize read-modify-write cycles; callers that need atomic RMW hold
// their own per-key locks.
type Store interface {
	// GetAttr returns the attribute data, or nil when absent.
	GetAttr(ctx context.Context, actorID, bucket, name string) (map[string]any, error)

	// SetAttr stores data under (actorID, bucket, name), replacing any
	// previous value and refreshing the timestamp.
	SetAttr(ctx context.Context, actorID, bucket, name string, data map[string]any) error

	// DeleteAttr removes one attribute. Deleting an absent attribute is a
	// no-op.
	DeleteAttr(ctx context.Context, actorID, bucket, name string) error

	// ListBucket returns all attributes in a bucket keyed by name. An
	// unknown bucket reads as an empty map.
	ListBucket(ctx context.Context, actorID, bucket string) (map[string]Attribute, error)

	// DeleteBucket removes a whole bucket.
	DeleteBucket(ctx context.Context, actorID, bucket string) error

	// DeleteActor removes every bucket belonging to an actor.
	DeleteActor(ctx context.Context, actorID string) error

	// Close releases the underlying resources.
	Close() error
}

// Open constructs a store for the configured driver: "memory" or "sqlite".
func Open(driver, path string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, errors.New("store: unknown driver " + driver)
	}
}
