package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/actingweb/actingweb-sub002/internal/awctx"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

// peerIDFromURL extracts the actor ID from a peer root URL, which is the
// final path segment by convention.
func peerIDFromURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return ""
	}
	return trimmed[idx+1:]
}

func newSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Server) handleListTrusts(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	a := s.loadActor(r, actorID)
	if a == nil || !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	trusts, err := s.deps.Trusts.List(r.Context(), actorID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "listing trusts failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, trusts)
}

// handleCreateTrust serves two flows distinguished by the presence of a
// secret in the body. Without one, the owner is initiating: generate the
// shared secret, persist the approved local record, and register the
// reciprocal trust on the peer. With one, a peer is registering its side:
// store it unapproved pending the owner's decision.
func (s *Server) handleCreateTrust(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")

	var req struct {
		URL          string `json:"url"`
		Relationship string `json:"relationship"`
		Secret       string `json:"secret"`
		Desc         string `json:"desc"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing url")
		return
	}
	if req.Relationship == "" {
		req.Relationship = "friend"
	}
	peerID := peerIDFromURL(req.URL)
	if peerID == "" {
		s.writeError(w, r, http.StatusBadRequest, "url carries no actor id")
		return
	}

	logger := awctx.Logger(r.Context(), s.log)

	if req.Secret != "" {
		// Reciprocal registration from the peer. Unauthenticated by design:
		// approval is the owner's explicit second step.
		t := &trust.Trust{
			ActorID:        actorID,
			PeerID:         peerID,
			BaseURI:        strings.TrimRight(req.URL, "/"),
			Secret:         req.Secret,
			Relationship:   req.Relationship,
			Approved:       false,
			EstablishedVia: "peer",
			Desc:           req.Desc,
		}
		if err := s.deps.Trusts.Create(r.Context(), t); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "storing trust failed")
			return
		}
		s.deps.Caps.Invalidate(actorID, peerID)
		w.Header().Set("Location", s.deps.Config.Root()+actorID+"/trust/"+req.Relationship+"/"+peerID)
		s.writeJSON(w, r, http.StatusCreated, t)
		return
	}

	// Owner-initiated flow.
	a := s.loadActor(r, actorID)
	if a == nil || !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	secret := newSecret()
	t := &trust.Trust{
		ActorID:        actorID,
		PeerID:         peerID,
		BaseURI:        strings.TrimRight(req.URL, "/"),
		Secret:         secret,
		Relationship:   req.Relationship,
		Approved:       true, // the initiator approves its own side
		EstablishedVia: "local",
		Desc:           req.Desc,
	}
	if err := s.deps.Trusts.Create(r.Context(), t); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "storing trust failed")
		return
	}

	resp := s.deps.Peers.CreateResource(r.Context(), proxy.Target{
		ActorID: actorID,
		PeerID:  peerID,
		BaseURI: t.BaseURI,
	}, "trust", map[string]any{
		"url":          s.deps.Config.Root() + actorID,
		"relationship": req.Relationship,
		"secret":       secret,
		"desc":         req.Desc,
	})
	if !resp.OK() {
		code, msg, _ := resp.Err()
		logger.Warn().
			Int("code", code).
			Str("message", msg).
			Str("peer_id", peerID).
			Msg("Reciprocal trust registration failed, rolling back")
		if derr := s.deps.Trusts.Delete(r.Context(), actorID, peerID); derr != nil {
			logger.Error().Err(derr).Str("peer_id", peerID).Msg("Trust rollback failed")
		}
		s.writeError(w, r, http.StatusBadGateway, "peer rejected trust registration")
		return
	}

	s.deps.Caps.Invalidate(actorID, peerID)
	w.Header().Set("Location", s.deps.Config.Root()+actorID+"/trust/"+req.Relationship+"/"+peerID)
	s.writeJSON(w, r, http.StatusCreated, t)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	peerID := chi.URLParam(r, "peerID")

	t, err := s.deps.Trusts.Get(r.Context(), actorID, peerID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading trust failed")
		return
	}
	if t == nil || t.Relationship != chi.URLParam(r, "relationship") {
		s.writeError(w, r, http.StatusNotFound, "trust not found")
		return
	}

	a := s.loadActor(r, actorID)
	owner := a != nil && s.isOwner(r, a)
	if !owner && !secretsEqual(t.Secret, bearerToken(r)) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !owner {
		t.Secret = "" // the peer knows its own secret; never echo it
	}
	s.writeJSON(w, r, http.StatusOK, t)
}

func (s *Server) handleApproveTrust(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	peerID := chi.URLParam(r, "peerID")

	a := s.loadActor(r, actorID)
	if a == nil || !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Approved bool `json:"approved"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.deps.Trusts.Approve(r.Context(), actorID, peerID, req.Approved); err != nil {
		s.writeError(w, r, http.StatusNotFound, "trust not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteTrust dissolves the relationship. No approval is required;
// either side may walk away. Cascades to the pair's subscriptions, diffs,
// remote sink state, and breaker history.
func (s *Server) handleDeleteTrust(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	peerID := chi.URLParam(r, "peerID")
	ctx := r.Context()

	t, err := s.deps.Trusts.Get(ctx, actorID, peerID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading trust failed")
		return
	}
	if t == nil {
		s.writeError(w, r, http.StatusNotFound, "trust not found")
		return
	}

	a := s.loadActor(r, actorID)
	owner := a != nil && s.isOwner(r, a)
	if !owner && !secretsEqual(t.Secret, bearerToken(r)) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	logger := awctx.Logger(ctx, s.log)
	if err := s.deps.Engine.DeleteForPeer(ctx, actorID, peerID); err != nil {
		logger.Warn().Err(err).Str("peer_id", peerID).Msg("Subscription cascade failed")
	}
	if err := s.deps.Sink.DeleteForPublisher(ctx, actorID, peerID); err != nil {
		logger.Warn().Err(err).Str("peer_id", peerID).Msg("Remote subscription cascade failed")
	}
	s.deps.Fanout.For(ctx, actorID).ResetBreaker(ctx, peerID)
	s.deps.Caps.Invalidate(actorID, peerID)

	if err := s.deps.Trusts.Delete(ctx, actorID, peerID); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "deleting trust failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
