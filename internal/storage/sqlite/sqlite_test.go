package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSQLiteCountActionsSince(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	for _, at := range []time.Time{base.Add(-2 * time.Hour), base.Add(-20 * time.Minute), base.Add(-time.Minute)} {
		if err := st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, ChannelID: "c1", CreatedAt: at}); err != nil {
			t.Fatalf("log action: %v", err)
		}
	}
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionReacted, CreatedAt: base})

	n, err := st.CountActionsSince(ctx, core.ActionSentReply, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 replies within the hour, got %d", n)
	}

	last, ok, err := st.LastActionTime(ctx, core.ActionSentReply)
	if err != nil || !ok {
		t.Fatalf("last action: ok=%v err=%v", ok, err)
	}
	if !last.Equal(base.Add(-time.Minute)) {
		t.Fatalf("expected %v, got %v", base.Add(-time.Minute), last)
	}
	if _, ok, _ := st.LastActionTime(ctx, core.ActionInitiativePost); ok {
		t.Fatal("expected no initiative posts")
	}
}

func TestSQLiteActionMetadataRoundTrip(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	err := st.LogAction(ctx, core.Action{
		Kind:     core.ActionSentReply,
		Content:  "hi",
		Metadata: map[string]any{storage.TriggerMetaKey: "e1", "burst": 3},
	})
	if err != nil {
		t.Fatalf("log action: %v", err)
	}
	actions, err := st.RecentActions(ctx, core.ActionSentReply, 10)
	if err != nil || len(actions) != 1 {
		t.Fatalf("recent actions: %v (%d)", err, len(actions))
	}
	if storage.TriggerID(actions[0]) != "e1" {
		t.Fatalf("metadata lost: %+v", actions[0].Metadata)
	}
	if actions[0].ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestSQLiteHasTriggeredResponse(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionReplySkipped, Metadata: map[string]any{storage.TriggerMetaKey: "e1"}})
	if ok, _ := st.HasTriggeredResponse(ctx, "e1"); ok {
		t.Fatal("a skipped reply is not a response")
	}
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentMessage, Metadata: map[string]any{storage.TriggerMetaKey: "e1"}})
	ok, err := st.HasTriggeredResponse(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("expected e1 answered, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteRecentMessagesOldestFirst(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		msg := core.ChannelMessage{ID: id, ChannelID: "c1", AuthorID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if id == "m2" {
			msg.IsBot = true
			msg.AuthorID = "bot"
		}
		if err := st.RecordMessage(ctx, msg); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = st.RecordMessage(ctx, core.ChannelMessage{ID: "x1", ChannelID: "c2", CreatedAt: base})

	msgs, err := st.RecentMessages(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 3 || msgs[0].ID != "m2" || msgs[2].ID != "m4" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if !msgs[0].IsBot {
		t.Fatal("is_bot flag lost")
	}

	at, ok, err := st.LastBotMessageAt(ctx, "c1")
	if err != nil || !ok || !at.Equal(base.Add(time.Second)) {
		t.Fatalf("last bot message: %v ok=%v err=%v", at, ok, err)
	}
	if _, ok, _ := st.LastBotMessageAt(ctx, "c2"); ok {
		t.Fatal("c2 has no bot messages")
	}
}

func TestSQLiteSettingsDefaultsThenSave(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	s, err := st.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.Permissions.MaxMessagesPerHour != settings.Defaults().Permissions.MaxMessagesPerHour {
		t.Fatalf("expected defaults, got %+v", s.Permissions)
	}

	s.Permissions.BlockedUserIDs = []string{"u9"}
	s.Addressing.Threshold = 2
	if err := st.SaveSettings(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.Settings(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Permissions.UserBlocked("u9") {
		t.Fatal("blocked user lost")
	}
	if got.Addressing.Threshold != settings.MaxThreshold {
		t.Fatalf("expected clamped threshold, got %v", got.Addressing.Threshold)
	}
}

func TestSQLitePruneActions(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionLLMCall, CreatedAt: base.Add(-40 * 24 * time.Hour)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionLLMCall, CreatedAt: base})
	n, err := st.PruneActions(ctx, base.Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned, got %d (%v)", n, err)
	}
}

func TestSQLiteFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "interject.db")
	ctx := context.Background()
	st, err := New(path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionInitiativePost, ChannelID: "c1", CreatedAt: base})
	_ = st.Close()

	reopened, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok, _ := reopened.LastActionTime(ctx, core.ActionInitiativePost); !ok {
		t.Fatal("action not persisted")
	}
}

type failingStore struct {
	storage.Store
	calls int
	err   error
}

func (f *failingStore) CountActionsSince(context.Context, core.ActionKind, time.Time) (int, error) {
	f.calls++
	return 0, f.err
}

func TestResilientStoreOpensBreaker(t *testing.T) {
	inner := &failingStore{err: errors.New("disk I/O error")}
	clk := clock.Fake(base)
	r := NewResilientWithBreaker(inner, NewCircuitBreaker(2, time.Minute, clk, nil))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.CountActionsSince(ctx, core.ActionSentReply, base); err == nil {
			t.Fatal("expected error")
		}
	}
	if _, err := r.CountActionsSince(ctx, core.ActionSentReply, base); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker must not reach the store, calls=%d", inner.calls)
	}
	if r.CircuitBreakerState() != "open" {
		t.Fatalf("expected open, got %s", r.CircuitBreakerState())
	}
}

func TestResilientStorePassesThrough(t *testing.T) {
	r := NewResilient(NewSQLiteTest(t), nil)
	ctx := context.Background()
	if err := r.LogAction(ctx, core.Action{Kind: core.ActionReacted, CreatedAt: base}); err != nil {
		t.Fatalf("log: %v", err)
	}
	n, err := r.CountActionsSince(ctx, core.ActionReacted, base.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1, got %d (%v)", n, err)
	}
}
