package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/interject/internal/auth"
	"github.com/mistakeknot/interject/internal/core"
)

type forceReplyRequest struct {
	ChannelID  string `json:"channel_id"`
	EventID    string `json:"event_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
}

type forceReplyResponse struct {
	Queued bool   `json:"queued"`
	Source string `json:"source"`
}

// handleForceReply queues a reply to an existing message that bypasses
// the address threshold and the eagerness roll. Gates and budgets still
// apply.
func (s *Service) handleForceReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not started")
		return
	}
	var req forceReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.EventID = strings.TrimSpace(req.EventID)
	if req.ChannelID == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "channel_id and event_id required")
		return
	}

	source := "operator"
	if info, ok := auth.FromContext(r.Context()); ok && info.Operator != "" {
		source = "operator:" + info.Operator
	}
	queued := s.runtime.Enqueue(core.ReplyJob{
		Event: core.IncomingEvent{
			ID:         req.EventID,
			ChannelID:  req.ChannelID,
			AuthorID:   req.AuthorID,
			AuthorName: req.AuthorName,
			Content:    req.Content,
			CreatedAt:  time.Now().UTC(),
		},
		Source:       source,
		ForceRespond: true,
	})
	if !queued {
		writeJSON(w, http.StatusConflict, forceReplyResponse{Source: source})
		return
	}
	writeJSON(w, http.StatusAccepted, forceReplyResponse{Queued: true, Source: source})
}
