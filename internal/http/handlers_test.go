package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/interject/internal/auth"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

func TestHealthReflectsReadiness(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/healthz")
	requireStatus(t, resp, http.StatusServiceUnavailable)
	if h := decodeJSON[healthResponse](t, resp); h.Status != "degraded" {
		t.Fatalf("expected degraded, got %+v", h)
	}

	env.runtime.update(func(f *fakeRuntime) { f.status.Ready = true })
	resp = env.get(t, "/healthz")
	requireStatus(t, resp, http.StatusOK)
	if h := decodeJSON[healthResponse](t, resp); !h.Ready || h.Status != "ok" {
		t.Fatalf("expected ok, got %+v", h)
	}
}

func TestStatusRendersBudgetsAndGateway(t *testing.T) {
	env := newTestEnv(t)
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.runtime.update(func(f *fakeRuntime) {
		f.status.Ready = true
		f.status.Gateway = core.GatewayState{LastEventAt: last, ReconnectAttempts: 2, HasConnectedOnce: true}
		f.status.QueueDepths = map[string]int{"c1": 3}
		f.status.Budgets = []core.Budget{core.NewBudget("messages_per_hour", time.Hour, 40, 4)}
	})

	resp := env.get(t, "/api/status")
	requireStatus(t, resp, http.StatusOK)
	st := decodeJSON[statusResponse](t, resp)
	if st.Gateway.ReconnectAttempts != 2 || st.Gateway.LastEventAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected gateway %+v", st.Gateway)
	}
	if st.Queues["c1"] != 3 {
		t.Fatalf("unexpected queues %+v", st.Queues)
	}
	if len(st.Budgets) != 1 || st.Budgets[0].Remaining != 36 || st.Budgets[0].WindowSeconds != 3600 {
		t.Fatalf("unexpected budgets %+v", st.Budgets)
	}
}

func TestActionsFilterAndLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	for i, kind := range []core.ActionKind{core.ActionSentReply, core.ActionReplySkipped, core.ActionSentReply} {
		if err := env.store.LogAction(ctx, core.Action{Kind: kind, ChannelID: "c1", CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("log action: %v", err)
		}
	}

	resp := env.get(t, "/api/actions?kind=sent_reply")
	requireStatus(t, resp, http.StatusOK)
	if got := decodeJSON[actionsResponse](t, resp); len(got.Actions) != 2 {
		t.Fatalf("expected 2 sent_reply actions, got %d", len(got.Actions))
	}

	resp = env.get(t, "/api/actions?limit=1")
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[actionsResponse](t, resp)
	if len(got.Actions) != 1 || got.Actions[0].Kind != "sent_reply" {
		t.Fatalf("expected newest action only, got %+v", got.Actions)
	}

	requireStatus(t, env.get(t, "/api/actions?kind=bogus"), http.StatusBadRequest)
	requireStatus(t, env.get(t, "/api/actions?limit=-1"), http.StatusBadRequest)
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := env.put(t, "/api/settings", map[string]any{
		"activity": map[string]any{"replyEagerness": 250},
		"bot":      map[string]any{"name": "Pip"},
	})
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[settings.Settings](t, resp)
	if got.Activity.ReplyEagerness != 100 || got.Bot.Name != "Pip" {
		t.Fatalf("expected normalized merge, got %+v", got)
	}
	if got.Permissions.MaxMessagesPerHour != settings.Defaults().Permissions.MaxMessagesPerHour {
		t.Fatalf("unrelated fields should keep their values")
	}

	resp = env.get(t, "/api/settings")
	requireStatus(t, resp, http.StatusOK)
	if s := decodeJSON[settings.Settings](t, resp); s.Bot.Name != "Pip" {
		t.Fatalf("settings not persisted: %+v", s.Bot)
	}
}

func TestForceReplyQueuesJob(t *testing.T) {
	env := newTestEnv(t)

	requireStatus(t, env.post(t, "/api/replies", map[string]any{"channel_id": "c1"}), http.StatusBadRequest)

	resp := env.post(t, "/api/replies", map[string]any{"channel_id": "c1", "event_id": "e1", "author_id": "u1"})
	requireStatus(t, resp, http.StatusAccepted)
	if r := decodeJSON[forceReplyResponse](t, resp); !r.Queued || r.Source != "operator" {
		t.Fatalf("unexpected response %+v", r)
	}
	jobs := env.runtime.queued()
	if len(jobs) != 1 || !jobs[0].ForceRespond || jobs[0].Event.ID != "e1" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	env.runtime.update(func(f *fakeRuntime) { f.reject = true })
	requireStatus(t, env.post(t, "/api/replies", map[string]any{"channel_id": "c1", "event_id": "e1"}), http.StatusConflict)
}

func TestAPIKeyRequiredForRemoteCallers(t *testing.T) {
	env := newTestEnv(t)
	ring := auth.NewKeyring(true, map[string]string{"secret": "ops"})
	h := NewRouter(NewService(env.store, env.runtime), nil, auth.Middleware(ring))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code == http.StatusUnauthorized {
		t.Fatalf("healthz must not require a key")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/replies", strings.NewReader(`{"channel_id":"c1","event_id":"e9"}`))
	req.RemoteAddr = "203.0.113.10:9999"
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with key, got %d", rr.Code)
	}
	jobs := env.runtime.queued()
	if last := jobs[len(jobs)-1]; last.Source != "operator:ops" {
		t.Fatalf("expected operator source, got %q", last.Source)
	}
}
