package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acplink/acplink/internal/grant"
)

// listGrants returns the project's stored permission decisions, newest
// first.
func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.grants.List(r.Context(), s.project(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if grants == nil {
		grants = []grant.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

// deleteGrant revokes one stored decision. Unknown ids succeed; the grant
// is gone either way.
func (s *Server) deleteGrant(w http.ResponseWriter, r *http.Request) {
	if err := s.grants.Delete(r.Context(), chi.URLParam(r, "grantID")); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// clearGrants revokes every stored decision for the project.
func (s *Server) clearGrants(w http.ResponseWriter, r *http.Request) {
	n, err := s.grants.DeleteAll(r.Context(), s.project(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
