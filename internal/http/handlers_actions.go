package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/interject/internal/core"
)

const (
	defaultActionLimit = 50
	maxActionLimit     = 500
)

type apiAction struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	ChannelID string         `json:"channel_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type actionsResponse struct {
	Actions []apiAction `json:"actions"`
}

// handleActions lists the action log newest first, optionally filtered by
// ?kind= and capped by ?limit=.
func (s *Service) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	var kind core.ActionKind
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		k, err := core.ParseActionKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}
	limit := defaultActionLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxActionLimit)
	}

	actions, err := s.store.RecentActions(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := actionsResponse{Actions: make([]apiAction, 0, len(actions))}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, apiAction{
			ID:        a.ID,
			Kind:      string(a.Kind),
			ChannelID: a.ChannelID,
			UserID:    a.UserID,
			Content:   a.Content,
			Metadata:  a.Metadata,
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
