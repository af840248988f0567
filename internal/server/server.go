// Package server provides the thin HTTP and WebSocket boundary in front
// of the supervisor, project index, session log store, auth service, and
// relay: every route maps to a single call on one of those
// collaborators, with no business logic of its own.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentbridge/gateway/internal/auth"
	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/project"
	"github.com/agentbridge/gateway/internal/provider"
	"github.com/agentbridge/gateway/internal/sessionlog"
	"github.com/agentbridge/gateway/internal/srp"
	"github.com/agentbridge/gateway/internal/supervisor"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Host         string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         4096,
		Host:         "127.0.0.1",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE and relay streams are long-lived
	}
}

// Deps are the collaborators every route dispatches to.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Projects   *project.Index
	Logs       *sessionlog.Store
	Auth       *auth.Service
	Backends   *provider.Registry
	Bus        *eventbus.Bus

	// Relay collaborators, forwarded into relay.Deps on every /relay
	// upgrade; AppHandler is filled in with the server's own router.
	VerifierLookup srp.VerifierLookup
	Identities     *srp.IdentityLimiter
	Cooldown       *srp.CooldownTracker
	Sessions       *srp.SessionStore

	// RemoteAccessEnabled governs the WebSocket connection-policy
	// classifier the same way it does in internal/auth.
	RemoteAccessEnabled bool
	AwaitTimeout        time.Duration // how long POST /sessions/{sid}/send?wait=true blocks
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	deps    Deps
	router  *chi.Mux
	httpSrv *http.Server
}

// New creates a new Server instance.
func New(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.AwaitTimeout <= 0 {
		deps.AwaitTimeout = 30 * time.Second
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, primarily for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
