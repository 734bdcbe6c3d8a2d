package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/store"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// SessionResponse is a session plus its live state.
type SessionResponse struct {
	*types.Session
	Active        bool     `json:"active"`
	AlwaysAllowed []string `json:"alwaysAllowed"`
}

// listSessions handles GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeInternalError(w, err, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// getSession handles GET /api/sessions/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Session:       session,
		Active:        s.queries.Has(sessionID),
		AlwaysAllowed: s.turns.AlwaysAllowed(sessionID),
	})
}

// getMessages handles GET /api/sessions/{sessionID}/messages
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// getApprovals handles GET /api/sessions/{sessionID}/approvals
func (s *Server) getApprovals(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	records, err := s.store.ListApprovals(r.Context(), sessionID)
	if err != nil {
		s.writeInternalError(w, err, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	s.writeInternalError(w, err, "store request failed")
}
