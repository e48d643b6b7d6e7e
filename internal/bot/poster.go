package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mistakeknot/interject/internal/clock"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/llm"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
	"github.com/mistakeknot/interject/internal/transport"
)

// Poster writes initiative posts.
type Poster struct {
	settings  settings.Provider
	store     storage.Store
	transport transport.ChatTransport
	gen       llm.Generator
	clock     clock.Clock
	logger    *slog.Logger
}

func (p *Poster) PostInitiative(ctx context.Context, channelID string, d core.ScheduleDecision) error {
	if p.gen == nil {
		return llm.ErrNotConfigured
	}
	s, err := p.settings.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	history, err := p.store.RecentMessages(ctx, channelID, s.Addressing.ContextWindow)
	if err != nil {
		p.logger.Warn("initiative_history_failed", "channel_id", channelID, "error", err)
	}
	res, err := p.gen.Generate(ctx, llm.Request{
		System:          initiativeSystemPrompt(s),
		User:            initiativePrompt(history, s.Bot.Name),
		Temperature:     0.9,
		MaxOutputTokens: 200,
		Trace:           llm.Trace{Source: "initiative", ChannelID: channelID},
	})
	if err != nil {
		return fmt.Errorf("generate initiative: %w", err)
	}
	text, _, skip := parseReply(res.Text)
	if skip || text == "" {
		p.logger.Info("initiative_declined", "channel_id", channelID, "trigger", d.Trigger)
		return nil
	}

	msgID, err := p.transport.Send(ctx, channelID, text)
	if err != nil {
		return fmt.Errorf("send initiative: %w", err)
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	now := p.clock.Now()
	lctx := context.WithoutCancel(ctx)
	err = p.store.LogAction(lctx, core.Action{
		Kind:      core.ActionInitiativePost,
		ChannelID: channelID,
		Content:   text,
		CreatedAt: now,
		Metadata: map[string]any{
			"message_id": msgID,
			"trigger":    d.Trigger,
			"mode":       string(d.Mode),
			"chance":     d.Chance,
			"roll":       d.Roll,
			"elapsed_ms": d.Elapsed.Milliseconds(),
		},
	})
	if err != nil {
		p.logger.Error("initiative_action_log_failed", "channel_id", channelID, "error", err)
	}
	err = p.store.RecordMessage(lctx, core.ChannelMessage{
		ID:         msgID,
		ChannelID:  channelID,
		AuthorID:   s.Bot.ID,
		AuthorName: s.Bot.Name,
		IsBot:      true,
		Content:    text,
		CreatedAt:  now,
	})
	if err != nil {
		p.logger.Warn("message_record_failed", "channel_id", channelID, "error", err)
	}
	return nil
}
