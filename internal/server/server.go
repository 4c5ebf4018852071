package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/tunnelkeeper/tunneld/internal/config"
	"github.com/tunnelkeeper/tunneld/internal/server/handlers"
	"github.com/tunnelkeeper/tunneld/internal/server/middleware"
	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

// Server hosts the realtime Command Ingress channel and health checks. It
// owns no tunnel state itself — that lives in the Supervisor/Broadcaster
// pair it's constructed with.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server
}

// New builds the router. ingress and bus are shared with whatever else in
// the process needs them (e.g. the Supervisor that publishes on bus).
func New(cfg *config.Config, ingress *tunnel.Ingress, bus *tunnel.Broadcaster) *Server {
	s := &Server{cfg: cfg}
	s.setupRouter(ingress, bus)
	return s
}

func (s *Server) setupRouter(ingress *tunnel.Ingress, bus *tunnel.Broadcaster) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready)

	gate := middleware.SharedSecretGate{Secret: s.cfg.AuthSharedSecret}
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(gate))
		r.Get("/realtime", handlers.Realtime(ingress, bus))
	})

	s.router = r
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("starting tunneld realtime server")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down tunneld realtime server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
