package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSnapshotCountsAllMessageKinds(t *testing.T) {
	st := storage.NewInMemory()
	ctx := context.Background()
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, CreatedAt: now.Add(-10 * time.Minute)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentMessage, CreatedAt: now.Add(-20 * time.Minute)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionInitiativePost, CreatedAt: now.Add(-30 * time.Minute)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionSentReply, CreatedAt: now.Add(-90 * time.Minute)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionReacted, CreatedAt: now.Add(-time.Minute)})

	s := settings.Defaults()
	s.Permissions.MaxMessagesPerHour = 5
	tr := NewTracker(st, clock.Fake(now))

	b, err := tr.Snapshot(ctx, MessagesPerHour(s))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if b.Used != 3 || b.Remaining != 2 || !b.CanAct {
		t.Fatalf("unexpected budget %+v", b)
	}
}

func TestSnapshotSeesNewActionsImmediately(t *testing.T) {
	st := storage.NewInMemory()
	ctx := context.Background()
	s := settings.Defaults()
	s.Permissions.MaxReactionsPerHour = 1
	tr := NewTracker(st, clock.Fake(now))

	b, _ := tr.Snapshot(ctx, ReactionsPerHour(s))
	if !b.CanAct {
		t.Fatalf("expected reaction budget available, got %+v", b)
	}
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionReacted, CreatedAt: now})
	b, _ = tr.Snapshot(ctx, ReactionsPerHour(s))
	if b.CanAct || b.Remaining != 0 {
		t.Fatalf("expected exhausted budget, got %+v", b)
	}
}

func TestBudgetNeverNegative(t *testing.T) {
	cases := []struct {
		max, used int
	}{
		{5, 7},
		{0, 3},
		{1, 100},
		{-2, 1},
	}
	for _, tc := range cases {
		b := core.NewBudget("x", time.Hour, tc.max, tc.used)
		if b.Remaining != 0 {
			t.Fatalf("max=%d used=%d: remaining %d, want 0", tc.max, tc.used, b.Remaining)
		}
		if b.CanAct {
			t.Fatalf("max=%d used=%d: expected CanAct=false", tc.max, tc.used)
		}
	}
}

func TestInitiativePerDayIsRolling(t *testing.T) {
	st := storage.NewInMemory()
	ctx := context.Background()
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionInitiativePost, CreatedAt: now.Add(-23 * time.Hour)})
	_ = st.LogAction(ctx, core.Action{Kind: core.ActionInitiativePost, CreatedAt: now.Add(-25 * time.Hour)})
	s := settings.Defaults()
	s.Initiative.MaxPostsPerDay = 2
	b, _ := NewTracker(st, clock.Fake(now)).Snapshot(ctx, InitiativePerDay(s))
	if b.Used != 1 || b.Remaining != 1 {
		t.Fatalf("unexpected daily budget %+v", b)
	}
}

type brokenCounter struct{}

func (brokenCounter) CountActionsSince(context.Context, core.ActionKind, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func TestSnapshotsReportErrors(t *testing.T) {
	tr := NewTracker(brokenCounter{}, clock.Fake(now))
	budgets, err := tr.Snapshots(context.Background(), settings.Defaults())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(budgets) != 3 {
		t.Fatalf("expected three budgets, got %d", len(budgets))
	}
}
