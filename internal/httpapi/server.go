// Package httpapi exposes the actor mesh over HTTP: actor lifecycle,
// properties, trust, subscriptions, the inbound callback endpoint, meta
// discovery, and the operational endpoints (health, metrics).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/actor"
	"github.com/actingweb/actingweb-sub002/internal/callback"
	"github.com/actingweb/actingweb-sub002/internal/config"
	"github.com/actingweb/actingweb-sub002/internal/fanout"
	"github.com/actingweb/actingweb-sub002/internal/limits"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/subscription"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Config    *config.Config
	Actors    *actor.Registry
	Trusts    *trust.Manager
	Caps      *trust.CapabilityCache
	Engine    *subscription.Engine
	Sink      *subscription.Sink
	Processor *callback.Processor
	Fanout    *fanout.Registry
	Peers     *proxy.Client
	Guard     *limits.Guard
	Limiter   *limits.CallbackRateLimiter
	Logger    zerolog.Logger
}

// Server wires the router and owns the http.Server lifecycle.
type Server struct {
	deps Deps
	srv  *http.Server
	log  zerolog.Logger
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  deps.Logger.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.measure)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", monitoring.Handler())

	r.Post("/", s.handleCreateActor)
	r.Route("/{actorID}", func(r chi.Router) {
		r.Use(s.actorCtx)

		r.Get("/", s.handleGetActor)
		r.Delete("/", s.handleDeleteActor)

		r.Get("/meta", s.handleMeta)
		r.Get("/meta/actingweb/supported", s.handleMetaSupported)
		r.Get("/meta/actingweb/version", s.handleMetaVersion)

		r.Route("/properties", func(r chi.Router) {
			r.Get("/", s.handleGetProperties)
			r.Delete("/", s.handleDeleteProperties)
			r.Get("/{name}", s.handleGetProperty)
			r.Put("/{name}", s.handlePutProperty)
			r.Delete("/{name}", s.handleDeleteProperty)
		})

		r.Route("/trust", func(r chi.Router) {
			r.Get("/", s.handleListTrusts)
			r.Post("/", s.handleCreateTrust)
			r.Get("/{relationship}/{peerID}", s.handleGetTrust)
			r.Put("/{relationship}/{peerID}", s.handleApproveTrust)
			r.Delete("/{relationship}/{peerID}", s.handleDeleteTrust)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.handleListSubscriptions)
			r.Post("/", s.handleCreateSubscription)
			r.Post("/remote", s.handleSubscribeToPeer)
			r.Post("/suspend", s.handleSuspend)
			r.Post("/resume", s.handleResume)
			r.Get("/{peerID}", s.handleListPeerSubscriptions)
			r.Get("/{peerID}/{subID}", s.handleGetSubscription)
			r.Put("/{peerID}/{subID}", s.handleAcknowledge)
			r.Delete("/{peerID}/{subID}", s.handleDeleteSubscription)
		})

		r.Post("/callbacks/subscriptions/{publisherID}/{subID}", s.handleCallback)
	})

	s.srv = &http.Server{
		Addr:         deps.Config.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.srv.Shutdown(ctx)
}
