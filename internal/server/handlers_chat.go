package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/approval"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/event"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/turn"
)

// ApproveRequest is the body of POST /api/chat/approve.
type ApproveRequest struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

// AbortRequest is the body of POST /api/chat/abort.
type AbortRequest struct {
	SessionID string `json:"sessionId"`
}

// AbortResponse reports what an abort touched.
type AbortResponse struct {
	Success                bool     `json:"success"`
	InterruptedApprovalIDs []string `json:"interruptedApprovalIds"`
	QueryInterrupted       bool     `json:"queryInterrupted"`
}

// ActiveResponse is the body of GET /api/chat/active.
type ActiveResponse struct {
	Sessions         []string               `json:"sessions"`
	PendingApprovals []approval.PendingInfo `json:"pendingApprovals"`
}

// apiError is a handler failure with its HTTP status and code.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) write(w http.ResponseWriter) {
	writeError(w, e.status, e.code, e.message)
}

func invalidRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: ErrCodeInvalidRequest, message: msg}
}

func notFound(msg string) *apiError {
	return &apiError{status: http.StatusNotFound, code: ErrCodeNotFound, message: msg}
}

// chat handles POST /api/chat: one turn streamed as SSE.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req turn.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "message is required")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	sse.start()

	stopHeartbeat := sse.startHeartbeat(SSEHeartbeatInterval)
	defer stopHeartbeat()

	if err := s.turns.Run(r.Context(), req, turn.EmitterFunc(sse.writeEvent)); err != nil {
		s.log.Debug().Err(err).Msg("chat client disconnected")
	}
}

// approve handles POST /api/chat/approve.
func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if apiErr := s.resolveApproval(req); apiErr != nil {
		apiErr.write(w)
		return
	}
	writeSuccess(w)
}

// resolveApproval validates and delivers a client decision. Decisions a
// client may not send never reach the coordinator.
func (s *Server) resolveApproval(req ApproveRequest) *apiError {
	if strings.TrimSpace(req.RequestID) == "" {
		return invalidRequest("requestId is required")
	}
	if strings.TrimSpace(req.Decision) == "" {
		return invalidRequest("decision is required")
	}
	decision, err := approval.ParseClientDecision(req.Decision)
	if err != nil {
		return invalidRequest(err.Error())
	}
	if !s.approvals.Resolve(req.RequestID, decision) {
		return notFound("Approval request not found or expired")
	}
	return nil
}

// abort handles POST /api/chat/abort.
func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	resp, apiErr := s.abortSession(r.Context(), req.SessionID)
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// abortSession interrupts pending approvals first, then the query. Either
// one having an effect counts as success.
func (s *Server) abortSession(ctx context.Context, sessionID string) (*AbortResponse, *apiError) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, invalidRequest("sessionId is required")
	}

	ids := s.approvals.InterruptAllForSession(sessionID)
	interrupted := s.queries.Interrupt(ctx, sessionID)
	if len(ids) == 0 && !interrupted {
		return nil, notFound("No active query or pending approval for this session")
	}

	s.log.Info().
		Str("sessionID", sessionID).
		Strs("approvals", ids).
		Bool("queryInterrupted", interrupted).
		Msg("session aborted")
	if s.bus != nil {
		s.bus.Publish(event.Event{
			Type: event.QueryInterrupted,
			Data: event.QueryInterruptedData{
				SessionID:              sessionID,
				InterruptedApprovalIDs: ids,
				QueryInterrupted:       interrupted,
			},
		})
	}
	return &AbortResponse{Success: true, InterruptedApprovalIDs: ids, QueryInterrupted: interrupted}, nil
}

// active handles GET /api/chat/active.
func (s *Server) active(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActiveResponse{
		Sessions:         s.queries.ActiveSessionIDs(),
		PendingApprovals: s.approvals.Pending(r.URL.Query().Get("sessionId")),
	})
}

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"activeQueries":    s.queries.Count(),
		"pendingApprovals": s.approvals.PendingCount(),
	})
}
