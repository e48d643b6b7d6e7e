// Package initiative decides when the bot posts unprompted. Pacing is
// either even (a fixed target interval) or spontaneous (a ramped
// probability with a hard force-after bound).
package initiative

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mistakeknot/interject/internal/admission"
	"github.com/mistakeknot/interject/internal/budget"
	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

// Rand supplies rolls in [0,1).
type Rand interface {
	Float64() float64
}

// Store reads the last post and the last bot message per channel.
type Store interface {
	LastActionTime(ctx context.Context, kind core.ActionKind) (time.Time, bool, error)
	LastBotMessageAt(ctx context.Context, channelID string) (time.Time, bool, error)
}

// BudgetSource snapshots the daily initiative and hourly message budgets.
type BudgetSource interface {
	Snapshot(ctx context.Context, spec budget.Spec) (core.Budget, error)
}

// Poster sends an initiative post to channelID. It owns recording the
// initiative_post action.
type Poster interface {
	PostInitiative(ctx context.Context, channelID string, d core.ScheduleDecision) error
}

// Plan is one evaluation: the decision and, when due, the target channel.
type Plan struct {
	core.ScheduleDecision
	ChannelID string
}

// Options sets the evaluation tick (default 60s) and pacing tuning
// (default DefaultTuning).
type Options struct {
	Tick   time.Duration
	Tuning Tuning
}

// Deps are the scheduler's collaborators. A nil Rand uses math/rand/v2.
type Deps struct {
	Settings settings.Provider
	Store    Store
	Budgets  BudgetSource
	Poster   Poster
	Rand     Rand
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Scheduler evaluates pacing once at startup and on every tick.
type Scheduler struct {
	deps   Deps
	tick   time.Duration
	tuning Tuning
	rand   Rand
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a scheduler; nothing runs until Run or Step.
func New(deps Deps, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.Tuning == (Tuning{}) {
		opts.Tuning = DefaultTuning()
	}
	rng := deps.Rand
	if rng == nil {
		rng = admission.RandFunc(rand.Float64)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		deps:   deps,
		tick:   opts.Tick,
		tuning: opts.Tuning,
		rand:   rng,
		clock:  clock.OrReal(deps.Clock),
		logger: logger.With("component", "initiative"),
	}
}

// Evaluate gathers the current state and decides whether to post now.
func (s *Scheduler) Evaluate(ctx context.Context, startup bool) (Plan, error) {
	cfg, err := s.deps.Settings.Settings(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("load settings: %w", err)
	}
	ini := cfg.Initiative
	mode := core.PacingMode(ini.PacingMode)
	skip := func(trigger string) (Plan, error) {
		return Plan{ScheduleDecision: core.ScheduleDecision{Mode: mode, Trigger: trigger}}, nil
	}

	if !ini.Enabled {
		return skip(TriggerDisabled)
	}
	channels := eligibleChannels(cfg)
	if len(channels) == 0 {
		return skip(TriggerNoChannels)
	}
	if ini.MaxPostsPerDay <= 0 {
		return skip(TriggerDailyCapDisabled)
	}
	if startup && !ini.PostOnStartup {
		return skip(TriggerStartupDisabled)
	}

	daily, err := s.deps.Budgets.Snapshot(ctx, budget.InitiativePerDay(cfg))
	if err != nil {
		return Plan{}, fmt.Errorf("initiative budget: %w", err)
	}
	if !daily.CanAct {
		return skip(TriggerDailyCapReached)
	}
	messages, err := s.deps.Budgets.Snapshot(ctx, budget.MessagesPerHour(cfg))
	if err != nil {
		return Plan{}, fmt.Errorf("message budget: %w", err)
	}
	if !messages.CanAct {
		return skip(TriggerMessageBudgetExhausted)
	}

	now := s.clock.Now()
	channelID := channels[int(s.rand.Float64()*float64(len(channels)))%len(channels)]
	if cooldown := cfg.Activity.Cooldown(); cooldown > 0 {
		last, ok, err := s.deps.Store.LastBotMessageAt(ctx, channelID)
		if err != nil {
			return Plan{}, fmt.Errorf("last bot message: %w", err)
		}
		if ok && now.Sub(last) < cooldown {
			return skip(TriggerChannelCooldown)
		}
	}

	last, hasPrior, err := s.deps.Store.LastActionTime(ctx, core.ActionInitiativePost)
	if err != nil {
		return Plan{}, fmt.Errorf("last initiative post: %w", err)
	}
	var elapsed time.Duration
	if hasPrior {
		elapsed = now.Sub(last)
	}

	var d core.ScheduleDecision
	switch {
	case startup && !hasPrior:
		d = core.ScheduleDecision{ShouldPost: true, Mode: mode, Trigger: TriggerStartupBootstrap}
	case mode == core.PacingSpontaneous:
		d = EvaluateSpontaneous(SpontaneousInput{
			MinGap:      ini.MinGap(),
			MaxPerDay:   ini.MaxPostsPerDay,
			Spontaneity: ini.Spontaneity,
			Elapsed:     elapsed,
			HasPrior:    hasPrior,
			PostsToday:  daily.Used,
			Tick:        s.tick,
			Tuning:      s.tuning,
		}, s.rand.Float64())
	default:
		d = EvaluateEven(EvenInput{
			MinGap:    ini.MinGap(),
			MaxPerDay: ini.MaxPostsPerDay,
			Elapsed:   elapsed,
			HasPrior:  hasPrior,
		})
	}
	return Plan{ScheduleDecision: d, ChannelID: channelID}, nil
}

// Step evaluates once and posts when due.
func (s *Scheduler) Step(ctx context.Context, startup bool) (Plan, error) {
	plan, err := s.Evaluate(ctx, startup)
	if err != nil {
		return plan, err
	}
	s.logger.Debug("initiative_decision",
		"trigger", plan.Trigger,
		"mode", string(plan.Mode),
		"should_post", plan.ShouldPost,
		"chance", plan.Chance,
		"roll", plan.Roll,
		"elapsed", plan.Elapsed,
		"required", plan.RequiredInterval,
	)
	if !plan.ShouldPost {
		return plan, nil
	}
	if err := s.deps.Poster.PostInitiative(ctx, plan.ChannelID, plan.ScheduleDecision); err != nil {
		return plan, fmt.Errorf("post initiative: %w", err)
	}
	s.logger.Info("initiative_posted", "channel_id", plan.ChannelID, "trigger", plan.Trigger)
	return plan, nil
}

// Run evaluates once at startup and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Step(ctx, true); err != nil {
		s.logger.Warn("initiative_step_failed", "startup", true, "error", err)
	}
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := s.Step(ctx, false); err != nil {
				s.logger.Warn("initiative_step_failed", "startup", false, "error", err)
			}
		}
	}
}

// eligibleChannels drops configured channels the permission gates block.
func eligibleChannels(cfg settings.Settings) []string {
	var out []string
	for _, id := range cfg.Initiative.ChannelIDs {
		p := cfg.Permissions
		if p.ChannelBlocked(id) || !p.ChannelAllowed(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
