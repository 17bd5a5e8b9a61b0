package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/subscription"
)

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	a := s.loadActor(r, actorID)
	if a == nil || !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	subs, err := s.deps.Engine.List(r.Context(), actorID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "listing subscriptions failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"data": subs})
}

// handleCreateSubscription registers a peer's interest. The caller is
// either the peer itself (Bearer) or the owner acting for a named peer.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	ctx := r.Context()

	var req struct {
		PeerID      string `json:"peerid"`
		Target      string `json:"target"`
		Subtarget   string `json:"subtarget"`
		Granularity string `json:"granularity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	peer, err := s.peerByBearer(ctx, actorID, r)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "trust lookup failed")
		return
	}
	switch {
	case peer != nil:
		// Trusted peer subscribing on its own behalf.
		req.PeerID = peer.PeerID
	default:
		a := s.loadActor(r, actorID)
		if a == nil || !s.isOwner(r, a) {
			s.writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		if req.PeerID == "" {
			s.writeError(w, r, http.StatusBadRequest, "missing peerid")
			return
		}
	}

	granularity, ok := messaging.ParseGranularity(req.Granularity)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "invalid granularity")
		return
	}

	sub := &subscription.Subscription{
		PeerID:      req.PeerID,
		Target:      req.Target,
		Subtarget:   req.Subtarget,
		Granularity: granularity,
	}
	if err := s.deps.Engine.Subscribe(ctx, actorID, sub); err != nil {
		switch {
		case errors.Is(err, subscription.ErrTrustRequired):
			s.writeError(w, r, http.StatusForbidden, "no trust with peer")
		case errors.Is(err, subscription.ErrNotApproved):
			s.writeError(w, r, http.StatusForbidden, "trust not approved")
		default:
			s.writeError(w, r, http.StatusBadRequest, err.Error())
		}
		return
	}

	w.Header().Set("Location",
		s.deps.Config.Root()+actorID+"/subscriptions/"+sub.PeerID+"/"+sub.SubscriptionID)
	s.writeJSON(w, r, http.StatusCreated, sub)
}

// handleSubscribeToPeer initiates this actor's subscription on a remote
// publisher. Owner-only; the publisher assigns the subscription ID and the
// local sink state is seeded at sequence zero.
func (s *Server) handleSubscribeToPeer(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	a := s.loadActor(r, actorID)
	if a == nil || !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		PeerID      string `json:"peerid"`
		Target      string `json:"target"`
		Subtarget   string `json:"subtarget"`
		Granularity string `json:"granularity"`
	}
	if err := decodeJSON(r, &req); err != nil || req.PeerID == "" || req.Target == "" {
		s.writeError(w, r, http.StatusBadRequest, "peerid and target are required")
		return
	}
	granularity, ok := messaging.ParseGranularity(req.Granularity)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "invalid granularity")
		return
	}

	subID, err := s.deps.Engine.SubscribeToPeer(r.Context(), actorID, req.PeerID, req.Target, req.Subtarget, granularity)
	if errors.Is(err, subscription.ErrTrustRequired) {
		s.writeError(w, r, http.StatusForbidden, "no usable trust with peer")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, "peer rejected subscription")
		return
	}
	s.writeJSON(w, r, http.StatusCreated, map[string]any{
		"peerid":         req.PeerID,
		"subscriptionid": subID,
		"target":         req.Target,
		"subtarget":      req.Subtarget,
		"granularity":    granularity,
	})
}

// subscriptionAccess authorizes peer-scoped subscription operations: the
// owner, or the named peer presenting its trust secret.
func (s *Server) subscriptionAccess(w http.ResponseWriter, r *http.Request, actorID, peerID string) bool {
	a := s.loadActor(r, actorID)
	if a != nil && s.isOwner(r, a) {
		return true
	}
	t, err := s.deps.Trusts.Get(r.Context(), actorID, peerID)
	if err == nil && t != nil && secretsEqual(t.Secret, bearerToken(r)) {
		s.deps.Trusts.Touch(r.Context(), actorID, peerID)
		return true
	}
	s.writeError(w, r, http.StatusUnauthorized, "authentication required")
	return false
}

func (s *Server) handleListPeerSubscriptions(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	peerID := chi.URLParam(r, "peerID")
	if !s.subscriptionAccess(w, r, actorID, peerID) {
		return
	}
	subs, err := s.deps.Engine.ListByPeer(r.Context(), actorID, peerID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "listing subscriptions failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"data": subs})
}

// handleGetSubscription returns the current sequence plus undelivered
// diffs, the read side of the low-granularity fetch contract.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	peerID := chi.URLParam(r, "peerID")
	subID := chi.URLParam(r, "subID")
	if !s.subscriptionAccess(w, r, actorID, peerID) {
		return
	}

	sub, err := s.deps.Engine.Get(r.Context(), actorID, peerID, subID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading subscription failed")
		return
	}
	if sub == nil {
		s.writeError(w, r, http.StatusNotFound, "subscription not found")
		return
	}
	diffs, err := s.deps.Engine.Diffs(r.Context(), actorID, peerID, subID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading diffs failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"id":             actorID,
		"peerid":         peerID,
		"subscriptionid": subID,
		"target":         sub.Target,
		"subtarget":      sub.Subtarget,
		"granularity":    sub.Granularity,
		"sequence":       sub.Sequence,
		"data":           diffs,
	})
}

// handleAcknowledge clears diffs through the acknowledged sequence.
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	peerID := chi.URLParam(r, "peerID")
	subID := chi.URLParam(r, "subID")
	if !s.subscriptionAccess(w, r, actorID, peerID) {
		return
	}

	var req struct {
		Sequence int64 `json:"sequence"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Sequence <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "sequence must be a positive integer")
		return
	}

	err := s.deps.Engine.Acknowledge(r.Context(), actorID, peerID, subID, req.Sequence)
	if errors.Is(err, subscription.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "acknowledging diffs failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	peerID := chi.URLParam(r, "peerID")
	subID := chi.URLParam(r, "subID")
	if !s.subscriptionAccess(w, r, actorID, peerID) {
		return
	}

	err := s.deps.Engine.Delete(r.Context(), actorID, peerID, subID)
	if errors.Is(err, subscription.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "deleting subscription failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Suspension

func (s *Server) suspensionRequest(w http.ResponseWriter, r *http.Request) (actorID, target, subtarget string, ok bool) {
	actorID = chi.URLParam(r, "actorID")
	a := s.loadActor(r, actorID)
	if a == nil || !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", "", "", false
	}
	var req struct {
		Target    string `json:"target"`
		Subtarget string `json:"subtarget"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Target == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing target")
		return "", "", "", false
	}
	return actorID, req.Target, req.Subtarget, true
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	actorID, target, subtarget, ok := s.suspensionRequest(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Suspend(r.Context(), actorID, target, subtarget); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "suspending callbacks failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	actorID, target, subtarget, ok := s.suspensionRequest(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Engine.Resume(r.Context(), actorID, target, subtarget)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "resuming callbacks failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}
