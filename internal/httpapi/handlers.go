package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/actingweb/actingweb-sub002/internal/awctx"
	"github.com/actingweb/actingweb-sub002/internal/messaging"
)

const maxBodyBytes = 1 << 20 // 1MB cap on inbound JSON bodies

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := awctx.Logger(r.Context(), s.log)
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.writeJSON(w, r, code, messaging.ErrorDict(code, message))
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// handleHealth reports liveness plus guard state for quick triage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Guard != nil {
		body["resources"] = s.deps.Guard.Stats()
	}
	s.writeJSON(w, r, http.StatusOK, body)
}

// Actor lifecycle

func (s *Server) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Creator    string `json:"creator"`
		Passphrase string `json:"passphrase"`
	}
	if err := decodeJSON(r, &req); err != nil && err != io.EOF {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a, err := s.deps.Actors.Create(r.Context(), req.Creator, req.Passphrase)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "creating actor failed")
		return
	}

	w.Header().Set("Location", s.deps.Config.Root()+a.ID)
	s.writeJSON(w, r, http.StatusCreated, map[string]any{
		"id":         a.ID,
		"creator":    a.Creator,
		"passphrase": a.Passphrase,
	})
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	a := s.loadActor(r, actorID)
	if a == nil {
		s.writeError(w, r, http.StatusNotFound, "actor not found")
		return
	}
	if !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"id":      a.ID,
		"creator": a.Creator,
	})
}

// handleDeleteActor destroys the actor and everything it owns. Remote
// subscription state and breakers live in the actor's own buckets, so the
// store-level cascade covers them.
func (s *Server) handleDeleteActor(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	a := s.loadActor(r, actorID)
	if a == nil {
		s.writeError(w, r, http.StatusNotFound, "actor not found")
		return
	}
	if !s.isOwner(r, a) {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := s.deps.Actors.Delete(r.Context(), actorID); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "deleting actor failed")
		return
	}
	s.deps.Fanout.Evict(actorID)
	w.WriteHeader(http.StatusNoContent)
}

// Meta surface

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"id":           actorID,
		"actingweb":    map[string]any{"supported": s.deps.Config.Supported, "version": s.deps.Config.Version},
		"baseuri":      s.deps.Config.Root() + actorID,
		"capabilities": "subscriptions,trust,properties",
	})
}

func (s *Server) handleMetaSupported(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.deps.Config.Supported))
}

func (s *Server) handleMetaVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.deps.Config.Version))
}

// Properties

// propertyRead authorizes a read: the owner or any approved trusted peer.
func (s *Server) propertyRead(w http.ResponseWriter, r *http.Request, actorID string) bool {
	a := s.loadActor(r, actorID)
	if a != nil && s.isOwner(r, a) {
		return true
	}
	t, err := s.peerByBearer(r.Context(), actorID, r)
	if err == nil && t != nil && t.Approved {
		return true
	}
	s.writeError(w, r, http.StatusUnauthorized, "authentication required")
	return false
}

// propertyWrite authorizes a mutation: the owner only.
func (s *Server) propertyWrite(w http.ResponseWriter, r *http.Request, actorID string) bool {
	a := s.loadActor(r, actorID)
	if a != nil && s.isOwner(r, a) {
		return true
	}
	s.writeError(w, r, http.StatusUnauthorized, "authentication required")
	return false
}

func (s *Server) handleGetProperties(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	if !s.propertyRead(w, r, actorID) {
		return
	}
	props, err := s.deps.Actors.GetProperties(r.Context(), actorID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading properties failed")
		return
	}
	s.writeJSON(w, r, http.StatusOK, props)
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	name := chi.URLParam(r, "name")
	if !s.propertyRead(w, r, actorID) {
		return
	}
	value, err := s.deps.Actors.GetProperty(r.Context(), actorID, name)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "loading property failed")
		return
	}
	if value == nil {
		s.writeError(w, r, http.StatusNotFound, "property not found")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{name: value})
}

// handlePutProperty stores one property and feeds the change to the
// subscription engine, which records diffs and fans callbacks out.
func (s *Server) handlePutProperty(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	name := chi.URLParam(r, "name")
	if !s.propertyWrite(w, r, actorID) {
		return
	}

	var value any
	if err := decodeJSON(r, &value); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.deps.Actors.SetProperty(r.Context(), actorID, name, value); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "storing property failed")
		return
	}

	if _, err := s.deps.Engine.RegisterDiff(r.Context(), actorID, "properties", name, map[string]any{name: value}); err != nil {
		log := awctx.Logger(r.Context(), s.log)
		log.Error().Err(err).
			Str("property", name).
			Msg("Registering property diff failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteProperty(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	name := chi.URLParam(r, "name")
	if !s.propertyWrite(w, r, actorID) {
		return
	}
	if err := s.deps.Actors.DeleteProperty(r.Context(), actorID, name); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "deleting property failed")
		return
	}
	if _, err := s.deps.Engine.RegisterDiff(r.Context(), actorID, "properties", name, map[string]any{name: nil}); err != nil {
		log := awctx.Logger(r.Context(), s.log)
		log.Error().Err(err).
			Str("property", name).
			Msg("Registering property diff failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteProperties(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	if !s.propertyWrite(w, r, actorID) {
		return
	}
	if err := s.deps.Actors.DeleteProperties(r.Context(), actorID); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "deleting properties failed")
		return
	}
	if _, err := s.deps.Engine.RegisterDiff(r.Context(), actorID, "properties", "", map[string]any{}); err != nil {
		log := awctx.Logger(r.Context(), s.log)
		log.Error().Err(err).Msg("Registering property diff failed")
	}
	w.WriteHeader(http.StatusNoContent)
}
