// Package awctx carries per-request correlation identifiers (request ID,
// actor ID, peer ID) through context.Context.
//
// The record stored in a context is immutable: every setter derives a child
// context, so goroutines spawned for a request inherit a snapshot of the
// parent's identifiers simply by capturing the context. Two requests never
// share a record, which keeps identifiers from leaking across requests.
package awctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Info is one request's correlation record. Empty fields mean "not set".
type Info struct {
	RequestID string
	ActorID   string
	PeerID    string
}

type ctxKey struct{}

var emptyInfo Info

// With returns a context carrying info as the complete correlation record,
// replacing any record already present.
func With(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the correlation record, or the zero Info when none is set.
func FromContext(ctx context.Context) Info {
	if info, ok := ctx.Value(ctxKey{}).(Info); ok {
		return info
	}
	return emptyInfo
}

// Set fills any combination of slots and returns the effective request ID.
// Empty arguments leave the corresponding slot untouched. When requestID is
// empty and generate is true, a fresh UUID is assigned.
func Set(ctx context.Context, requestID, actorID, peerID string, generate bool) (context.Context, string) {
	info := FromContext(ctx)
	if requestID != "" {
		info.RequestID = requestID
	} else if generate && info.RequestID == "" {
		info.RequestID = NewRequestID()
	}
	if actorID != "" {
		info.ActorID = actorID
	}
	if peerID != "" {
		info.PeerID = peerID
	}
	return With(ctx, info), info.RequestID
}

// Clear returns a context whose correlation record is empty. Getters on the
// returned context report the empty string for every slot.
func Clear(ctx context.Context) context.Context {
	return With(ctx, emptyInfo)
}

// WithRequestID returns a context with only the request ID replaced.
func WithRequestID(ctx context.Context, id string) context.Context {
	info := FromContext(ctx)
	info.RequestID = id
	return With(ctx, info)
}

// WithActorID returns a context with only the actor ID replaced.
func WithActorID(ctx context.Context, id string) context.Context {
	info := FromContext(ctx)
	info.ActorID = id
	return With(ctx, info)
}

// WithPeerID returns a context with only the peer ID replaced.
func WithPeerID(ctx context.Context, id string) context.Context {
	info := FromContext(ctx)
	info.PeerID = id
	return With(ctx, info)
}

// RequestID returns the request ID slot, or "".
func RequestID(ctx context.Context) string { return FromContext(ctx).RequestID }

// ActorID returns the actor ID slot, or "".
func ActorID(ctx context.Context) string { return FromContext(ctx).ActorID }

// PeerID returns the peer ID slot, or "".
func PeerID(ctx context.Context) string { return FromContext(ctx).PeerID }

// NewRequestID returns a fresh UUID string for use as a request ID.
func NewRequestID() string {
	return uuid.NewString()
}

// AsMap returns the record as a string map with request_id, actor_id and
// peer_id keys. Unset slots are present with empty values.
func AsMap(ctx context.Context) map[string]string {
	info := FromContext(ctx)
	return map[string]string{
		"request_id": info.RequestID,
		"actor_id":   info.ActorID,
		"peer_id":    info.PeerID,
	}
}

// ShortRequestID returns the last 8 characters of id with hyphens stripped,
// or the whole stripped string when shorter than 8.
func ShortRequestID(id string) string {
	stripped := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] != '-' {
			stripped = append(stripped, id[i])
		}
	}
	if len(stripped) > 8 {
		stripped = stripped[len(stripped)-8:]
	}
	return string(stripped)
}

// ShortPeerID returns the substring after the last ':' in id, or id itself
// when it contains no colon.
func ShortPeerID(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			return id[i+1:]
		}
	}
	return id
}

// FormatCompact renders the record as "[<last8>:<actor>:<lastSegment>]",
// substituting "-" for each missing slot. Read on every log line, so it
// avoids fmt and allocates once.
func FormatCompact(ctx context.Context) string {
	info := FromContext(ctx)

	req, actor, peer := "-", "-", "-"
	if info.RequestID != "" {
		req = ShortRequestID(info.RequestID)
	}
	if info.ActorID != "" {
		actor = info.ActorID
	}
	if info.PeerID != "" {
		peer = ShortPeerID(info.PeerID)
	}

	b := make([]byte, 0, len(req)+len(actor)+len(peer)+4)
	b = append(b, '[')
	b = append(b, req...)
	b = append(b, ':')
	b = append(b, actor...)
	b = append(b, ':')
	b = append(b, peer...)
	b = append(b, ']')
	return string(b)
}

// Logger returns base with the non-empty correlation slots attached as
// structured fields.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	info := FromContext(ctx)
	lc := base.With()
	if info.RequestID != "" {
		lc = lc.Str("request_id", info.RequestID)
	}
	if info.ActorID != "" {
		lc = lc.Str("actor_id", info.ActorID)
	}
	if info.PeerID != "" {
		lc = lc.Str("peer_id", info.PeerID)
	}
	return lc.Logger()
}
