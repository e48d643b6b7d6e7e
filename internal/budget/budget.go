// Package budget derives quota snapshots from the action log. Nothing is
// cached: every snapshot re-counts, so the reply path and the initiative
// path always see each other's sends.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

// Counter is the slice of the store the tracker needs.
type Counter interface {
	CountActionsSince(ctx context.Context, kind core.ActionKind, since time.Time) (int, error)
}

// Spec names a budget: which action kinds draw from it, over which
// window, and how many are allowed.
type Spec struct {
	Name         string
	Kinds        []core.ActionKind
	Window       time.Duration
	MaxPerWindow int
}

const (
	NameMessagesPerHour  = "messages_per_hour"
	NameReactionsPerHour = "reactions_per_hour"
	NameInitiativePerDay = "initiative_per_day"
)

// MessageKinds all count against the hourly message budget.
var MessageKinds = []core.ActionKind{core.ActionSentReply, core.ActionSentMessage, core.ActionInitiativePost}

func MessagesPerHour(s settings.Settings) Spec {
	return Spec{Name: NameMessagesPerHour, Kinds: MessageKinds, Window: time.Hour, MaxPerWindow: s.Permissions.MaxMessagesPerHour}
}

func ReactionsPerHour(s settings.Settings) Spec {
	return Spec{Name: NameReactionsPerHour, Kinds: []core.ActionKind{core.ActionReacted}, Window: time.Hour, MaxPerWindow: s.Permissions.MaxReactionsPerHour}
}

// InitiativePerDay is a rolling 24h window, not a calendar day.
func InitiativePerDay(s settings.Settings) Spec {
	return Spec{Name: NameInitiativePerDay, Kinds: []core.ActionKind{core.ActionInitiativePost}, Window: 24 * time.Hour, MaxPerWindow: s.Initiative.MaxPostsPerDay}
}

type Tracker struct {
	counter Counter
	clock   clock.Clock
}

func NewTracker(counter Counter, clk clock.Clock) *Tracker {
	return &Tracker{counter: counter, clock: clock.OrReal(clk)}
}

// Snapshot counts actions of spec.Kinds since now-window.
func (t *Tracker) Snapshot(ctx context.Context, spec Spec) (core.Budget, error) {
	since := t.clock.Now().Add(-spec.Window)
	used := 0
	for _, kind := range spec.Kinds {
		n, err := t.counter.CountActionsSince(ctx, kind, since)
		if err != nil {
			return core.NewBudget(spec.Name, spec.Window, spec.MaxPerWindow, 0), fmt.Errorf("count %s: %w", kind, err)
		}
		used += n
	}
	return core.NewBudget(spec.Name, spec.Window, spec.MaxPerWindow, used), nil
}

// Snapshots returns the three named budgets for s. Errors leave the
// affected budget at zero usage.
func (t *Tracker) Snapshots(ctx context.Context, s settings.Settings) ([]core.Budget, error) {
	specs := []Spec{MessagesPerHour(s), ReactionsPerHour(s), InitiativePerDay(s)}
	out := make([]core.Budget, 0, len(specs))
	var firstErr error
	for _, spec := range specs {
		b, err := t.Snapshot(ctx, spec)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, b)
	}
	return out, firstErr
}
