package initiative

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interject/internal/budget"
	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

type recordingPoster struct {
	mu    sync.Mutex
	store *storage.InMemory
	clk   clock.Clock
	posts []string
}

func (p *recordingPoster) PostInitiative(ctx context.Context, channelID string, d core.ScheduleDecision) error {
	p.mu.Lock()
	p.posts = append(p.posts, channelID+":"+d.Trigger)
	p.mu.Unlock()
	return p.store.LogAction(ctx, core.Action{Kind: core.ActionInitiativePost, ChannelID: channelID, CreatedAt: p.clk.Now()})
}

func (p *recordingPoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

func enabledSettings() settings.Settings {
	s := settings.Defaults()
	s.Bot = settings.Bot{ID: "bot", Name: "clanker"}
	s.Initiative.Enabled = true
	s.Initiative.ChannelIDs = []string{"c1"}
	s.Initiative.PostOnStartup = true
	s.Initiative.MaxPostsPerDay = 6
	s.Initiative.MinMinutesBetweenPosts = 120
	return s.Normalize()
}

type fixture struct {
	sched  *Scheduler
	store  *storage.InMemory
	poster *recordingPoster
	clk    *clock.FakeClock
}

func newFixture(s settings.Settings) *fixture {
	clk := clock.Fake(t0)
	store := storage.NewInMemory()
	poster := &recordingPoster{store: store, clk: clk}
	sched := New(Deps{
		Settings: settings.Static(s),
		Store:    store,
		Budgets:  budget.NewTracker(store, clk),
		Poster:   poster,
		Rand:     fixedRand(0),
		Clock:    clk,
	}, Options{})
	return &fixture{sched: sched, store: store, poster: poster, clk: clk}
}

func (f *fixture) priorPost(t *testing.T, ago time.Duration) {
	t.Helper()
	err := f.store.LogAction(context.Background(), core.Action{Kind: core.ActionInitiativePost, ChannelID: "c1", CreatedAt: t0.Add(-ago)})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEvaluateEarlyExits(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*settings.Settings)
		startup bool
		want    string
	}{
		{"disabled", func(s *settings.Settings) { s.Initiative.Enabled = false }, false, TriggerDisabled},
		{"no channels", func(s *settings.Settings) { s.Initiative.ChannelIDs = nil }, false, TriggerNoChannels},
		{"blocked channel", func(s *settings.Settings) { s.Permissions.BlockedChannelIDs = []string{"c1"} }, false, TriggerNoChannels},
		{"cap disabled", func(s *settings.Settings) { s.Initiative.MaxPostsPerDay = 0 }, false, TriggerDailyCapDisabled},
		{"startup disabled", func(s *settings.Settings) { s.Initiative.PostOnStartup = false }, true, TriggerStartupDisabled},
		{"message budget disabled", func(s *settings.Settings) { s.Permissions.MaxMessagesPerHour = 0 }, false, TriggerMessageBudgetExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := enabledSettings()
			tc.mutate(&s)
			plan, err := newFixture(s).sched.Evaluate(context.Background(), tc.startup)
			if err != nil {
				t.Fatal(err)
			}
			if plan.ShouldPost || plan.Trigger != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, plan)
			}
		})
	}
}

func TestEvaluateDailyCapReached(t *testing.T) {
	s := enabledSettings()
	s.Initiative.MaxPostsPerDay = 2
	f := newFixture(s)
	f.priorPost(t, 10*time.Hour)
	f.priorPost(t, 5*time.Hour)
	plan, err := f.sched.Evaluate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Trigger != TriggerDailyCapReached {
		t.Fatalf("expected daily cap, got %+v", plan)
	}
}

func TestEvaluateChannelCooldown(t *testing.T) {
	f := newFixture(enabledSettings())
	err := f.store.RecordMessage(context.Background(), core.ChannelMessage{ID: "b1", ChannelID: "c1", AuthorID: "bot", IsBot: true, CreatedAt: t0.Add(-5 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := f.sched.Evaluate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Trigger != TriggerChannelCooldown {
		t.Fatalf("expected channel cooldown, got %+v", plan)
	}
}

func TestStepStartupBootstrapPosts(t *testing.T) {
	f := newFixture(enabledSettings())
	plan, err := f.sched.Step(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.ShouldPost || plan.Trigger != TriggerStartupBootstrap || plan.ChannelID != "c1" {
		t.Fatalf("expected bootstrap post, got %+v", plan)
	}
	if f.poster.count() != 1 {
		t.Fatalf("expected one post, got %d", f.poster.count())
	}

	plan, err = f.sched.Step(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if plan.ShouldPost || plan.Trigger != TriggerMinGapBlock {
		t.Fatalf("second startup should hit the min gap, got %+v", plan)
	}
}

func TestEvaluateEvenPacing(t *testing.T) {
	f := newFixture(enabledSettings())
	f.priorPost(t, 3*time.Hour)
	plan, err := f.sched.Evaluate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if plan.ShouldPost || plan.Trigger != TriggerEvenWait {
		t.Fatalf("expected even wait, got %+v", plan)
	}

	f.clk.Advance(time.Hour)
	plan, err = f.sched.Evaluate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.ShouldPost || plan.Trigger != TriggerEvenDue {
		t.Fatalf("expected even due, got %+v", plan)
	}
}

func TestEvaluateSpontaneousUsesRand(t *testing.T) {
	s := enabledSettings()
	s.Initiative.PacingMode = "spontaneous"
	f := newFixture(s)
	f.priorPost(t, 3*time.Hour)
	plan, err := f.sched.Evaluate(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Mode != core.PacingSpontaneous || !plan.ShouldPost || plan.Trigger != TriggerRollDue {
		t.Fatalf("expected spontaneous roll with zero draw, got %+v", plan)
	}
}

func TestRunPostsOnStartupAndStops(t *testing.T) {
	f := newFixture(enabledSettings())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	f.clk.WaitForTimers(1)
	if f.poster.count() != 1 {
		t.Fatalf("expected startup post, got %d", f.poster.count())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
