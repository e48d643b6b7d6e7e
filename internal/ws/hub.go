// Package ws streams logged actions to operator websocket subscribers.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Hub fans events out to subscribers keyed by channel id. The empty key
// subscribes to every channel.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

// Handler upgrades /ws/actions?channel_id=... requests. Inbound frames
// are read and discarded to keep the connection alive.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := strings.TrimSpace(r.URL.Query().Get("channel_id"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.add(channel, conn)
		defer h.remove(channel, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn    *websocket.Conn
	channel string
}

// Broadcast writes event to subscribers of channelID and to wildcard
// subscribers. Connections that fail a write are dropped.
func (h *Hub) Broadcast(channelID string, event any) {
	for _, e := range h.snapshot(channelID) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.channel, e.conn)
			}(e)
		}
	}
}

// Subscribers counts open connections across all keys.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.conns {
		n += len(conns)
	}
	return n
}

func (h *Hub) snapshot(channelID string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	keys := []string{""}
	if channelID != "" {
		keys = append(keys, channelID)
	}
	for _, key := range keys {
		for conn := range h.conns[key] {
			out = append(out, connEntry{conn: conn, channel: key})
		}
	}
	return out
}

func (h *Hub) add(channel string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.conns[channel]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		h.conns[channel] = conns
	}
	conns[conn] = struct{}{}
}

func (h *Hub) remove(channel string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.conns[channel]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.conns, channel)
	}
}
