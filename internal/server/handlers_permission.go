package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type respondPermissionRequest struct {
	OptionID string `json:"optionID"`
}

// respondPermission answers a pending permission request with the user's
// chosen option. Responses to unknown or already-resolved requests succeed;
// the decision simply no longer matters.
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req respondPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.OptionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "optionID required")
		return
	}

	if err := s.icpt.Respond(r.Context(), requestID, req.OptionID); err != nil {
		// The option reached the agent; only persistence failed.
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"persistError": err.Error(),
		})
		return
	}
	writeSuccess(w)
}
