package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/interject/internal/admission"
	"github.com/mistakeknot/interject/internal/budget"
	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/llm"
	"github.com/mistakeknot/interject/internal/replyqueue"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
	"github.com/mistakeknot/interject/internal/transport"
)

// Skip reasons recorded on reply_skipped actions beyond the admission ones.
const (
	SkipMessageBudget = "message_budget_exhausted"
	SkipNoGenerator   = "no_generator"
	SkipModel         = "model_skip"
)

// Responder turns a dispatched burst into at most one reply.
type Responder struct {
	policy    *admission.Policy
	budgets   *budget.Tracker
	store     storage.Store
	transport transport.ChatTransport
	gen       llm.Generator
	clock     clock.Clock
	logger    *slog.Logger
}

var _ replyqueue.Dispatcher = (*Responder)(nil)

func (r *Responder) DispatchTurn(ctx context.Context, turn replyqueue.Turn) (replyqueue.Outcome, error) {
	s := turn.Settings
	latest := turn.Latest()
	d := r.policy.Decide(ctx, admission.Input{
		Settings:     s,
		Event:        latest,
		ForceRespond: turn.ForceRespond,
		Signal:       turn.Signal,
	})
	if !d.Eligible {
		r.skip(ctx, turn, d, d.Reason)
		return replyqueue.Outcome{Reason: d.Reason}, nil
	}

	messages, err := r.budgets.Snapshot(ctx, budget.MessagesPerHour(s))
	if err != nil {
		return replyqueue.Outcome{}, fmt.Errorf("message budget: %w", err)
	}
	if !messages.CanAct {
		r.skip(ctx, turn, d, SkipMessageBudget)
		return replyqueue.Outcome{Reason: SkipMessageBudget}, nil
	}
	if r.gen == nil {
		r.skip(ctx, turn, d, SkipNoGenerator)
		return replyqueue.Outcome{Reason: SkipNoGenerator}, nil
	}

	if err := r.transport.SendTyping(ctx, turn.ChannelID); err != nil {
		r.logger.Debug("typing_failed", "channel_id", turn.ChannelID, "error", err)
	}

	history, err := r.store.RecentMessages(ctx, turn.ChannelID, s.Addressing.ContextWindow+len(turn.Jobs))
	if err != nil {
		r.logger.Warn("reply_history_failed", "channel_id", turn.ChannelID, "error", err)
	}
	res, err := r.gen.Generate(ctx, llm.Request{
		System:          replySystemPrompt(s),
		User:            conversationPrompt(history, turn.Jobs, s.Bot.Name),
		Temperature:     0.8,
		MaxOutputTokens: 300,
		Trace: llm.Trace{
			Source:    "reply",
			ChannelID: turn.ChannelID,
			UserID:    latest.AuthorID,
			EventID:   latest.ID,
		},
	})
	if err != nil {
		return replyqueue.Outcome{}, fmt.Errorf("generate reply: %w", err)
	}

	text, emoji, skip := parseReply(res.Text)
	if skip {
		r.skip(ctx, turn, d, SkipModel)
		return replyqueue.Outcome{Reason: SkipModel}, nil
	}
	if emoji != "" {
		r.react(ctx, s, latest, emoji)
	}
	if text == "" {
		return replyqueue.Outcome{Spoke: true, Reason: "reacted"}, nil
	}

	msgID, err := r.transport.Reply(ctx, turn.ChannelID, latest.ID, text)
	if err != nil {
		return replyqueue.Outcome{}, fmt.Errorf("send reply: %w", err)
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	now := r.clock.Now()
	// Logged with a detached context: the reply is already out.
	lctx := context.WithoutCancel(ctx)
	err = r.store.LogAction(lctx, core.Action{
		Kind:      core.ActionSentReply,
		ChannelID: turn.ChannelID,
		UserID:    latest.AuthorID,
		Content:   text,
		CreatedAt: now,
		Metadata: map[string]any{
			storage.TriggerMetaKey: latest.ID,
			"message_id":           msgID,
			"burst_event_ids":      turn.EventIDs(),
			"reason":               d.Reason,
			"confidence":           d.Signal.Confidence,
			"signal_source":        string(d.Signal.Source),
			"job_source":           turn.Source,
			"provider":             res.Provider,
			"model":                res.Model,
		},
	})
	if err != nil {
		r.logger.Error("reply_action_log_failed", "event_id", latest.ID, "error", err)
	}
	r.recordOwn(lctx, s, turn.ChannelID, msgID, text, latest.ID, now)
	r.logger.Info("reply_sent", "channel_id", turn.ChannelID, "event_id", latest.ID, "reason", d.Reason, "burst", len(turn.Jobs))
	return replyqueue.Outcome{Spoke: true, Reason: d.Reason}, nil
}

func (r *Responder) react(ctx context.Context, s settings.Settings, ev core.IncomingEvent, emoji string) {
	b, err := r.budgets.Snapshot(ctx, budget.ReactionsPerHour(s))
	if err != nil || !b.CanAct {
		r.logger.Debug("reaction_skipped", "event_id", ev.ID, "used", b.Used, "max", b.MaxPerWindow, "error", err)
		return
	}
	if err := r.transport.React(ctx, ev.ChannelID, ev.ID, emoji); err != nil {
		r.logger.Warn("reaction_failed", "event_id", ev.ID, "error", err)
		return
	}
	err = r.store.LogAction(context.WithoutCancel(ctx), core.Action{
		Kind:      core.ActionReacted,
		ChannelID: ev.ChannelID,
		UserID:    ev.AuthorID,
		Content:   emoji,
		CreatedAt: r.clock.Now(),
		Metadata:  map[string]any{"event_id": ev.ID},
	})
	if err != nil {
		r.logger.Warn("reaction_action_log_failed", "event_id", ev.ID, "error", err)
	}
}

func (r *Responder) skip(ctx context.Context, turn replyqueue.Turn, d admission.Decision, reason string) {
	latest := turn.Latest()
	r.logger.Info("reply_skipped", "channel_id", turn.ChannelID, "event_id", latest.ID, "reason", reason)
	err := r.store.LogAction(context.WithoutCancel(ctx), core.Action{
		Kind:      core.ActionReplySkipped,
		ChannelID: turn.ChannelID,
		UserID:    latest.AuthorID,
		CreatedAt: r.clock.Now(),
		Metadata: map[string]any{
			"event_id":        latest.ID,
			"burst_event_ids": turn.EventIDs(),
			"reason":          reason,
			"confidence":      d.Signal.Confidence,
			"threshold":       d.Signal.Threshold,
			"chance":          d.Chance,
			"roll":            d.Roll,
		},
	})
	if err != nil {
		r.logger.Warn("reply_action_log_failed", "event_id", latest.ID, "error", err)
	}
}

// recordOwn stores the bot's message so cooldowns and context windows see it.
func (r *Responder) recordOwn(ctx context.Context, s settings.Settings, channelID, msgID, text, referencedID string, at time.Time) {
	err := r.store.RecordMessage(ctx, core.ChannelMessage{
		ID:           msgID,
		ChannelID:    channelID,
		AuthorID:     s.Bot.ID,
		AuthorName:   s.Bot.Name,
		IsBot:        true,
		Content:      text,
		CreatedAt:    at,
		ReferencedID: referencedID,
	})
	if err != nil {
		r.logger.Warn("message_record_failed", "channel_id", channelID, "error", err)
	}
}
