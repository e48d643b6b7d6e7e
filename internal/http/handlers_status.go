package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/interject/internal/core"
)

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

type gatewayView struct {
	LastEventAt       string `json:"last_event_at,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ReconnectInFlight bool   `json:"reconnect_in_flight"`
	HasConnectedOnce  bool   `json:"has_connected_once"`
}

type budgetView struct {
	Kind          string `json:"kind"`
	WindowSeconds int64  `json:"window_seconds"`
	MaxPerWindow  int    `json:"max_per_window"`
	Used          int    `json:"used"`
	Remaining     int    `json:"remaining"`
	CanAct        bool   `json:"can_act"`
}

type statusResponse struct {
	Ready   bool           `json:"ready"`
	Gateway gatewayView    `json:"gateway"`
	Queues  map[string]int `json:"queues"`
	Budgets []budgetView   `json:"budgets"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.runtime == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "starting"})
		return
	}
	st, _ := s.runtime.Status(r.Context())
	if !st.Ready {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Ready: true})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "runtime not started")
		return
	}
	st, err := s.runtime.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statusResponse{
		Ready:   st.Ready,
		Gateway: toGatewayView(st.Gateway),
		Queues:  st.QueueDepths,
		Budgets: make([]budgetView, 0, len(st.Budgets)),
	}
	if resp.Queues == nil {
		resp.Queues = map[string]int{}
	}
	for _, b := range st.Budgets {
		resp.Budgets = append(resp.Budgets, budgetView{
			Kind:          b.Kind,
			WindowSeconds: int64(b.Window / time.Second),
			MaxPerWindow:  b.MaxPerWindow,
			Used:          b.Used,
			Remaining:     b.Remaining,
			CanAct:        b.CanAct,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func toGatewayView(g core.GatewayState) gatewayView {
	v := gatewayView{
		ReconnectAttempts: g.ReconnectAttempts,
		ReconnectInFlight: g.ReconnectInFlight,
		HasConnectedOnce:  g.HasConnectedOnce,
	}
	if !g.LastEventAt.IsZero() {
		v.LastEventAt = g.LastEventAt.UTC().Format(time.RFC3339Nano)
	}
	return v
}
