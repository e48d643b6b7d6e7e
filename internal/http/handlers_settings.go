package httpapi

import (
	"encoding/json"
	"net/http"
)

// handleSettings returns the active settings on GET. PUT merges the body
// over them, normalizes and persists the result.
func (s *Service) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cur, err := s.store.Settings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cur)
	case http.MethodPut:
		cur, err := s.store.Settings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&cur); err != nil {
			writeError(w, http.StatusBadRequest, "invalid settings body")
			return
		}
		cur = cur.Normalize()
		if err := s.store.SaveSettings(r.Context(), cur); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cur)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
