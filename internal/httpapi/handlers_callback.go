package httpapi

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/actingweb/actingweb-sub002/internal/awctx"
	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
)

// handleCallback is the subscriber-side intake for publisher callbacks. The
// order of the gates matters: authenticate first so unauthenticated traffic
// never consumes rate budget, then resource guard, then per-publisher rate
// limit, then the sequencing state machine.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	publisherID := chi.URLParam(r, "publisherID")
	subID := chi.URLParam(r, "subID")

	tok := bearerToken(r)
	if tok == "" {
		s.writeError(w, r, http.StatusUnauthorized, "bearer token required")
		return
	}
	t, err := s.deps.Trusts.Get(r.Context(), actorID, publisherID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "trust lookup failed")
		return
	}
	if t == nil || !secretsEqual(t.Secret, tok) {
		s.writeError(w, r, http.StatusForbidden, "invalid callback credentials")
		return
	}
	s.deps.Trusts.Touch(r.Context(), actorID, publisherID)

	ctx, _ := awctx.Set(r.Context(), "", "", publisherID, false)

	if s.deps.Guard != nil {
		if ok, reason := s.deps.Guard.AllowIntake(); !ok {
			log := awctx.Logger(ctx, s.log)
			log.Warn().
				Str("reason", reason).
				Msg("Callback rejected by resource guard")
			s.writeError(w, r, http.StatusServiceUnavailable, messaging.ErrServiceUnavailable)
			return
		}
	}
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(publisherID) {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, r, http.StatusTooManyRequests, messaging.ErrRateLimited)
		return
	}

	body, err := s.readCallbackBody(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "unreadable request body")
		return
	}

	out := s.deps.Processor.Process(ctx, actorID, publisherID, subID, body)
	if out.Status >= http.StatusBadRequest {
		s.writeError(w, r, out.Status, out.Detail)
		return
	}
	w.WriteHeader(out.Status)
}

// readCallbackBody returns the envelope bytes, transparently inflating a
// gzip-compressed body.
func (s *Server) readCallbackBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var src io.Reader = io.LimitReader(r.Body, maxBodyBytes)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		monitoring.RecordCompressedCallback()
		src = io.LimitReader(gz, maxBodyBytes)
	}
	return io.ReadAll(src)
}
