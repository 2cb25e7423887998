package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acplink/acplink/internal/session"
)

// listSessions returns a snapshot of all live sessions.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Sessions()})
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationID"`
	Content        string `json:"content"`
}

type sendMessageResponse struct {
	StopReason string `json:"stopReason"`
}

// sendMessage dispatches one user message to an agent and blocks until the
// agent finishes its turn.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "conversationID and content required")
		return
	}

	reason, err := s.sessions.Send(r.Context(), agentID, req.ConversationID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrUnknownAgent):
			writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		case errors.Is(err, session.ErrAgentUnavailable):
			writeError(w, http.StatusBadGateway, ErrCodeAgentUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{StopReason: string(reason)})
}

// stopSession tears down an agent's live session. Stopping an agent with no
// session succeeds.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Stop(chi.URLParam(r, "agentID"))
	writeSuccess(w)
}
