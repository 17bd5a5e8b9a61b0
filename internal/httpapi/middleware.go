package httpapi

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/actingweb/actingweb-sub002/internal/awctx"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
)

// requestID installs the correlation context and echoes the request ID. An
// inbound X-Request-ID is adopted; otherwise one is generated.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := awctx.Set(r.Context(), r.Header.Get("X-Request-ID"), "", "", true)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorCtx verifies the actor in the path exists and threads its ID into
// the correlation context.
func (s *Server) actorCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := chi.URLParam(r, "actorID")
		a, err := s.deps.Actors.Get(r.Context(), actorID)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "actor lookup failed")
			return
		}
		if a == nil {
			s.writeError(w, r, http.StatusNotFound, "actor not found")
			return
		}
		ctx, _ := awctx.Set(r.Context(), "", actorID, "", false)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter captures the response code for the request metric.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// measure records one inbound request against the route pattern, not the
// raw path, to keep metric cardinality bounded.
func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		monitoring.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), time.Since(start))
	})
}

// recoverer converts a handler panic into a 500 instead of killing the
// connection and the siblings sharing the process.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log := awctx.Logger(r.Context(), s.log)
				log.Error().
					Interface("panic_value", rec).
					Str("stack_trace", string(debug.Stack())).
					Str("path", r.URL.Path).
					Msg("Handler panic recovered")
				s.writeError(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
