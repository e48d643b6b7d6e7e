// Package transport connects the bot to a chat gateway over a websocket.
// The wire protocol is a small op-coded frame set; frames travel as JSON
// or CBOR, optionally zstd-compressed.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/interject/internal/core"
)

var ErrNotConnected = errors.New("transport: not connected")

// ChatTransport is what the runtime needs from a chat platform.
type ChatTransport interface {
	Login(ctx context.Context) error
	Destroy(ctx context.Context) error
	IsReady() bool
	Send(ctx context.Context, channelID, content string) (string, error)
	Reply(ctx context.Context, channelID, eventID, content string) (string, error)
	SendTyping(ctx context.Context, channelID string) error
	React(ctx context.Context, channelID, eventID, emoji string) error
	Events() <-chan Event
}

type EventKind string

const (
	EventReady           EventKind = "ready"
	EventMessageCreate   EventKind = "message_create"
	EventShardDisconnect EventKind = "shard_disconnect"
	EventShardError      EventKind = "shard_error"
	EventError           EventKind = "error"
	EventInvalidated     EventKind = "invalidated"
	EventShardResume     EventKind = "shard_resume"
)

type Event struct {
	Kind    EventKind
	Message core.IncomingEvent
	Self    Identity
	Err     error
}

// Identity is the bot account as reported by the gateway on ready.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Frame ops.
const (
	OpIdentify    = "identify"
	OpReady       = "ready"
	OpResumed     = "resumed"
	OpMessage     = "message_create"
	OpSend        = "send"
	OpReply       = "reply"
	OpTyping      = "typing"
	OpReact       = "react"
	OpAck         = "ack"
	OpError       = "error"
	OpInvalidated = "invalidated"
)

// Frame is the single envelope for both directions.
type Frame struct {
	Op        string       `json:"op"`
	Nonce     string       `json:"nonce,omitempty"`
	Token     string       `json:"token,omitempty"`
	Self      *Identity    `json:"self,omitempty"`
	Message   *WireMessage `json:"message,omitempty"`
	ChannelID string       `json:"channel_id,omitempty"`
	EventID   string       `json:"event_id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Emoji     string       `json:"emoji,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type WireMessage struct {
	ID                 string   `json:"id"`
	ChannelID          string   `json:"channel_id"`
	AuthorID           string   `json:"author_id"`
	AuthorName         string   `json:"author_name,omitempty"`
	AuthorBot          bool     `json:"author_bot,omitempty"`
	Content            string   `json:"content"`
	CreatedAtMs        int64    `json:"created_at_ms"`
	ReferencedID       string   `json:"referenced_id,omitempty"`
	ReferencedAuthorID string   `json:"referenced_author_id,omitempty"`
	Mentions           []string `json:"mentions,omitempty"`
}

func (m WireMessage) Event() core.IncomingEvent {
	var created time.Time
	if m.CreatedAtMs > 0 {
		created = time.UnixMilli(m.CreatedAtMs).UTC()
	}
	return core.IncomingEvent{
		ID:                 m.ID,
		ChannelID:          m.ChannelID,
		AuthorID:           m.AuthorID,
		AuthorName:         m.AuthorName,
		AuthorIsBot:        m.AuthorBot,
		Content:            m.Content,
		CreatedAt:          created,
		ReferencedID:       m.ReferencedID,
		ReferencedAuthorID: m.ReferencedAuthorID,
		MentionIDs:         m.Mentions,
	}
}

func WireFromEvent(e core.IncomingEvent) WireMessage {
	var ms int64
	if !e.CreatedAt.IsZero() {
		ms = e.CreatedAt.UnixMilli()
	}
	return WireMessage{
		ID:                 e.ID,
		ChannelID:          e.ChannelID,
		AuthorID:           e.AuthorID,
		AuthorName:         e.AuthorName,
		AuthorBot:          e.AuthorIsBot,
		Content:            e.Content,
		CreatedAtMs:        ms,
		ReferencedID:       e.ReferencedID,
		ReferencedAuthorID: e.ReferencedAuthorID,
		Mentions:           e.MentionIDs,
	}
}
