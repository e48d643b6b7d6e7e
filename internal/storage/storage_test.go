package storage

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/interject/internal/core"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCountActionsSinceWindow(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, CreatedAt: base.Add(-2 * time.Hour)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, CreatedAt: base.Add(-30 * time.Minute)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionReacted, CreatedAt: base.Add(-10 * time.Minute)})

	n, err := st.CountActionsSince(ctx, core.ActionSentReply, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reply in window, got %d", n)
	}

	last, ok, _ := st.LastActionTime(ctx, core.ActionSentReply)
	if !ok || !last.Equal(base.Add(-30*time.Minute)) {
		t.Fatalf("unexpected last action time %v (found=%v)", last, ok)
	}
}

func TestHasTriggeredResponse(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionReplySkipped, Metadata: map[string]any{TriggerMetaKey: "e1"}})
	if ok, _ := st.HasTriggeredResponse(ctx, "e1"); ok {
		t.Fatal("skipped reply must not count as a response")
	}
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, Metadata: map[string]any{TriggerMetaKey: "e1"}})
	if ok, _ := st.HasTriggeredResponse(ctx, "e1"); !ok {
		t.Fatal("expected e1 answered")
	}
}

func TestRecentMessagesOrderAndBotLookup(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	_ = st.RecordMessage(ctx, core.ChannelMessage{ID: "m2", ChannelID: "c", CreatedAt: base.Add(time.Minute), IsBot: true})
	_ = st.RecordMessage(ctx, core.ChannelMessage{ID: "m1", ChannelID: "c", CreatedAt: base})
	_ = st.RecordMessage(ctx, core.ChannelMessage{ID: "m3", ChannelID: "c", CreatedAt: base.Add(2 * time.Minute)})

	msgs, _ := st.RecentMessages(ctx, "c", 2)
	if len(msgs) != 2 || msgs[0].ID != "m2" || msgs[1].ID != "m3" {
		t.Fatalf("unexpected recent messages %+v", msgs)
	}
	at, ok, _ := st.LastBotMessageAt(ctx, "c")
	if !ok || !at.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected last bot message %v", at)
	}
}

func TestPruneActions(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, CreatedAt: base.Add(-48 * time.Hour)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, CreatedAt: base})
	n, err := st.PruneActions(ctx, base.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned action, got %d (%v)", n, err)
	}
	recent, _ := st.RecentActions(ctx, "", 0)
	if len(recent) != 1 {
		t.Fatalf("expected one remaining action, got %d", len(recent))
	}
}
