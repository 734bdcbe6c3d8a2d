package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	// Turns and their control requests
	r.Post("/api/chat", s.chat)
	r.Get("/api/chat/ws", s.chatWebSocket)
	r.Post("/api/chat/approve", s.approve)
	r.Post("/api/chat/abort", s.abort)
	r.Get("/api/chat/active", s.active)

	// Session views
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/messages", s.getMessages)
			r.Get("/approvals", s.getApprovals)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)
}
