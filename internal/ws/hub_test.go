package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/storage"
)

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/actions" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", n, hub.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedBroadcastsLoggedActions(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	all := dial(t, ctx, srv, "")
	c1 := dial(t, ctx, srv, "?channel_id=c1")
	waitSubscribers(t, hub, 2)

	store := storage.NewInMemory()
	feed := NewFeed(store, hub)
	if err := feed.LogAction(ctx, core.Action{Kind: core.ActionSentReply, ChannelID: "c1", Content: "hi"}); err != nil {
		t.Fatalf("log action: %v", err)
	}

	for _, conn := range []*websocket.Conn{all, c1} {
		var ev ActionEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type != EventActionLogged || ev.Kind != "sent_reply" || ev.ChannelID != "c1" || ev.ID == "" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if n, _ := store.CountActionsSince(ctx, core.ActionSentReply, time.Time{}); n != 1 {
		t.Fatalf("expected action persisted, got %d", n)
	}
}

func TestBroadcastSkipsOtherChannels(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c2 := dial(t, ctx, srv, "?channel_id=c2")
	waitSubscribers(t, hub, 1)
	hub.Broadcast("c1", ActionEvent{Type: EventActionLogged, Kind: "reacted"})
	hub.Broadcast("c2", ActionEvent{Type: EventActionLogged, Kind: "sent_reply"})

	var ev ActionEvent
	if err := wsjson.Read(ctx, c2, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != "sent_reply" {
		t.Fatalf("expected only the c2 event first, got %+v", ev)
	}
}
