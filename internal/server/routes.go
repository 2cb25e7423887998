package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)

		r.Route("/{agentID}", func(r chi.Router) {
			r.Post("/message", s.sendMessage)
			r.Post("/stop", s.stopSession)
		})
	})

	// Permission responses
	r.Post("/permission/{requestID}", s.respondPermission)

	// Grant management
	r.Route("/grants", func(r chi.Router) {
		r.Get("/", s.listGrants)
		r.Delete("/", s.clearGrants)
		r.Delete("/{grantID}", s.deleteGrant)
	})

	// Event streaming (SSE)
	r.Get("/event", s.allEvents)
}
