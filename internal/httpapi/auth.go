package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/actingweb/actingweb-sub002/internal/actor"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

// bearerToken extracts the Bearer credential, or "".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return ""
}

func secretsEqual(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// isOwner authenticates the actor's owner: HTTP Basic with either the
// creator name or the "trustee" alias the proxy's Basic fallback sends,
// both against the actor passphrase.
func (s *Server) isOwner(r *http.Request, a *actor.Actor) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		if (user == a.Creator || user == "trustee") && secretsEqual(pass, a.Passphrase) {
			return true
		}
	}
	// A Bearer of the passphrase also counts as the owner; some callers
	// cannot send Basic.
	return secretsEqual(bearerToken(r), a.Passphrase)
}

// peerByBearer resolves the trust whose secret matches the Bearer token, or
// nil. Used to identify which peer is calling. A match refreshes the trust's
// last_accessed stamp.
func (s *Server) peerByBearer(ctx context.Context, actorID string, r *http.Request) (*trust.Trust, error) {
	tok := bearerToken(r)
	if tok == "" {
		return nil, nil
	}
	trusts, err := s.deps.Trusts.List(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for _, t := range trusts {
		if secretsEqual(t.Secret, tok) {
			s.deps.Trusts.Touch(ctx, actorID, t.PeerID)
			return t, nil
		}
	}
	return nil, nil
}

// loadActor returns the record the actorCtx middleware already verified.
func (s *Server) loadActor(r *http.Request, actorID string) *actor.Actor {
	a, _ := s.deps.Actors.Get(r.Context(), actorID)
	return a
}
