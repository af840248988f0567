package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes wires every route to exactly one Supervisor, Project
// Index, Session Log Store, or Auth Service call; no handler here
// contains business logic of its own.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.healthz)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/status", s.authStatus)
		r.Post("/setup", s.authSetup)
		r.Post("/login", s.authLogin)
		r.Post("/logout", s.authLogout)
	})

	r.Get("/relay", s.handleRelay)

	r.Group(func(r chi.Router) {
		r.Use(s.requireCookieWhenRemote)

		r.Get("/debug/vars", s.debugVars)

		r.Get("/projects", s.listProjects)
		r.Get("/projects/{id}/sessions", s.listProjectSessions)
		r.Get("/projects/{id}/sessions/{sid}", s.getProjectSession)
		r.Get("/projects/{id}/sessions/{sid}/tail", s.tailProjectSession)

		r.Get("/sessions/{sid}/stream", s.streamSession)
		r.Post("/sessions/{sid}/send", s.sendMessage)
		r.Post("/sessions/create", s.createSession)
		r.Delete("/sessions/{sid}", s.abortSession)
	})
}
