package ws

import (
	"context"
	"time"

	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/storage"
)

const EventActionLogged = "action.logged"

type ActionEvent struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	ChannelID string         `json:"channel_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// Feed is a store that publishes every successfully logged action.
type Feed struct {
	storage.Store
	hub *Hub
}

func NewFeed(store storage.Store, hub *Hub) *Feed {
	return &Feed{Store: store, hub: hub}
}

func (f *Feed) LogAction(ctx context.Context, a core.Action) error {
	a = storage.PrepareAction(a)
	if err := f.Store.LogAction(ctx, a); err != nil {
		return err
	}
	f.hub.Broadcast(a.ChannelID, ActionEvent{
		Type:      EventActionLogged,
		ID:        a.ID,
		Kind:      string(a.Kind),
		ChannelID: a.ChannelID,
		UserID:    a.UserID,
		Content:   a.Content,
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return nil
}
