package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

// Store is the append-only action log plus the recent-context record and
// the persisted settings. Budgets are always derived from the action log.
type Store interface {
	LogAction(ctx context.Context, action core.Action) error
	CountActionsSince(ctx context.Context, kind core.ActionKind, since time.Time) (int, error)
	LastActionTime(ctx context.Context, kind core.ActionKind) (time.Time, bool, error)
	RecentActions(ctx context.Context, kind core.ActionKind, limit int) ([]core.Action, error)
	// HasTriggeredResponse reports whether a reply was already recorded
	// for the given inbound event.
	HasTriggeredResponse(ctx context.Context, eventID string) (bool, error)
	RecordMessage(ctx context.Context, msg core.ChannelMessage) error
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]core.ChannelMessage, error)
	LastBotMessageAt(ctx context.Context, channelID string) (time.Time, bool, error)
	Settings(ctx context.Context) (settings.Settings, error)
	SaveSettings(ctx context.Context, s settings.Settings) error
	PruneActions(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// TriggerMetaKey is the action metadata key holding the inbound event id a
// reply answered.
const TriggerMetaKey = "trigger_message_id"

// ReplyKinds are the action kinds that answer an inbound event.
var ReplyKinds = []core.ActionKind{core.ActionSentReply, core.ActionSentMessage}

// PrepareAction fills in the id and timestamp of an action about to be
// appended.
func PrepareAction(a core.Action) core.Action {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return a
}

// TriggerID extracts the answered event id from action metadata.
func TriggerID(a core.Action) string {
	if a.Metadata == nil {
		return ""
	}
	v, _ := a.Metadata[TriggerMetaKey].(string)
	return v
}

// InMemory is a mutex-guarded store for tests and dry runs.
type InMemory struct {
	mu       sync.Mutex
	actions  []core.Action
	messages map[string][]core.ChannelMessage
	settings *settings.Settings
}

func NewInMemory() *InMemory {
	return &InMemory{messages: make(map[string][]core.ChannelMessage)}
}

func (m *InMemory) LogAction(_ context.Context, a core.Action) error {
	a = PrepareAction(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, a)
	return nil
}

func (m *InMemory) CountActionsSince(_ context.Context, kind core.ActionKind, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions {
		if a.Kind == kind && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) LastActionTime(_ context.Context, kind core.ActionKind) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	found := false
	for _, a := range m.actions {
		if a.Kind == kind && (!found || a.CreatedAt.After(last)) {
			last = a.CreatedAt
			found = true
		}
	}
	return last, found, nil
}

func (m *InMemory) RecentActions(_ context.Context, kind core.ActionKind, limit int) ([]core.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Action
	for i := len(m.actions) - 1; i >= 0; i-- {
		a := m.actions[i]
		if kind != "" && a.Kind != kind {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) HasTriggeredResponse(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if isReplyKind(a.Kind) && TriggerID(a) == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *InMemory) RecordMessage(_ context.Context, msg core.ChannelMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[msg.ChannelID]
	for i, existing := range msgs {
		if msg.ID != "" && existing.ID == msg.ID {
			msgs[i] = msg
			return nil
		}
	}
	msgs = append(msgs, msg)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	m.messages[msg.ChannelID] = msgs
	return nil
}

func (m *InMemory) RecentMessages(_ context.Context, channelID string, limit int) ([]core.ChannelMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]core.ChannelMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *InMemory) LastBotMessageAt(_ context.Context, channelID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[channelID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsBot {
			return msgs[i].CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *InMemory) Settings(context.Context) (settings.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return settings.Defaults().Normalize(), nil
	}
	return *m.settings, nil
}

func (m *InMemory) SaveSettings(_ context.Context, s settings.Settings) error {
	s = s.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}

func (m *InMemory) PruneActions(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.actions[:0]
	removed := 0
	for _, a := range m.actions {
		if a.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.actions = kept
	return removed, nil
}

func (m *InMemory) Close() error { return nil }

func isReplyKind(kind core.ActionKind) bool {
	for _, k := range ReplyKinds {
		if k == kind {
			return true
		}
	}
	return false
}
