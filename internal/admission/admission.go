// Package admission decides whether an inbound event may produce a reply:
// hard gates first, then the address signal, then the eagerness roll.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/mistakeknot/interject/internal/address"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

// Gate reasons, in evaluation order.
const (
	GateDisabled          = "disabled"
	GateSelfAuthor        = "self_author"
	GateBotAuthor         = "bot_author"
	GateChannelBlocked    = "channel_blocked"
	GateChannelNotAllowed = "channel_not_allowed"
	GateUserBlocked       = "user_blocked"
)

// Decision reasons once the gates pass.
const (
	ReasonTriggered       = "triggered"
	ReasonForced          = "forced"
	ReasonAmbientRollPass = "ambient_roll_pass"
	ReasonAmbientRollFail = "ambient_roll_fail"
)

const (
	SignalReasonDirect    = "direct"
	SignalReasonNoContext = "no_context"
)

type Rand interface {
	Float64() float64
}

// RandFunc adapts a function such as math/rand/v2.Float64.
type RandFunc func() float64

func (f RandFunc) Float64() float64 { return f() }

type Scorer interface {
	Score(ctx context.Context, req address.Request) address.Result
}

// History supplies the recent-context window, oldest first.
type History interface {
	RecentMessages(ctx context.Context, channelID string, limit int) ([]core.ChannelMessage, error)
}

type Input struct {
	Settings     settings.Settings
	Event        core.IncomingEvent
	ForceRespond bool
	// Recent, when non-nil, is used instead of loading history.
	Recent []core.ChannelMessage
	// Signal, when non-nil, replaces computing one (merged bursts).
	Signal *core.AddressSignal
}

type Decision struct {
	Eligible bool
	Reason   string
	Signal   core.AddressSignal
	Chance   float64
	Roll     float64
}

type Policy struct {
	scorer  Scorer
	history History
	rand    Rand
	logger  *slog.Logger
}

// New builds a policy. A nil scorer skips the model and a nil rng uses
// the global math/rand/v2 source.
func New(scorer Scorer, history History, rng Rand, logger *slog.Logger) *Policy {
	if rng == nil {
		rng = RandFunc(rand.Float64)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{scorer: scorer, history: history, rand: rng, logger: logger.With("component", "admission")}
}

// CheckGates applies the hard gates. Any failing gate ends evaluation.
func CheckGates(s settings.Settings, e core.IncomingEvent) (bool, string) {
	botID := s.Bot.ID
	switch {
	case !s.Permissions.AllowReplies:
		return false, GateDisabled
	case botID != "" && e.AuthorID == botID:
		return false, GateSelfAuthor
	case e.AuthorIsBot:
		return false, GateBotAuthor
	case s.Permissions.ChannelBlocked(e.ChannelID):
		return false, GateChannelBlocked
	case !s.Permissions.ChannelAllowed(e.ChannelID):
		return false, GateChannelNotAllowed
	case s.Permissions.UserBlocked(e.AuthorID):
		return false, GateUserBlocked
	}
	return true, ""
}

// IsDirect reports an explicit mention, a name cue or a reply to the bot.
func IsDirect(s settings.Settings, e core.IncomingEvent) bool {
	botID := s.Bot.ID
	if e.Mentions(botID) {
		return true
	}
	if botID != "" && e.ReferencedAuthorID == botID {
		return true
	}
	return address.HasNameCue(e.Content, s.Bot.Name)
}

// Signal computes the address signal for one event.
func (p *Policy) Signal(ctx context.Context, in Input) core.AddressSignal {
	s := in.Settings
	threshold := address.ClampThreshold(s.Addressing.Threshold)
	if IsDirect(s, in.Event) {
		return core.AddressSignal{
			Direct:     true,
			Triggered:  true,
			Confidence: 1,
			Threshold:  threshold,
			Source:     core.SourceDirect,
			Reason:     SignalReasonDirect,
		}
	}

	recent := p.recent(ctx, in)
	if !hasContext(recent, in.Event.AuthorID, s.Bot.ID) {
		return core.AddressSignal{Threshold: threshold, Source: core.SourceFallback, Reason: SignalReasonNoContext}
	}
	if p.scorer == nil {
		return core.AddressSignal{Threshold: threshold, Source: core.SourceFallback, Reason: "fallback:no_generator"}
	}

	res := p.scorer.Score(ctx, address.Request{
		Transcript:   transcript(recent, in.Event, s.Bot),
		BotName:      s.Bot.Name,
		SpeakerName:  in.Event.AuthorName,
		Participants: participants(recent, in.Event),
		Mode:         address.ModeText,
		Threshold:    threshold,
	})
	sig := core.AddressSignal{
		Inferred:   res.Addressed,
		Confidence: res.Confidence,
		Threshold:  res.Threshold,
		Source:     res.Source,
		Reason:     res.Reason,
	}
	sig.Triggered = sig.Inferred && sig.Confidence >= sig.Threshold
	return sig
}

// Decide runs the gates, the signal and the eagerness roll.
func (p *Policy) Decide(ctx context.Context, in Input) Decision {
	if ok, reason := CheckGates(in.Settings, in.Event); !ok {
		return Decision{Reason: reason}
	}
	var sig core.AddressSignal
	if in.Signal != nil {
		sig = *in.Signal
	} else {
		sig = p.Signal(ctx, in)
	}
	if sig.Triggered {
		return Decision{Eligible: true, Reason: ReasonTriggered, Signal: sig}
	}
	if in.ForceRespond {
		return Decision{Eligible: true, Reason: ReasonForced, Signal: sig}
	}
	chance := in.Settings.Activity.ReplyEagerness / 100
	roll := p.rand.Float64()
	d := Decision{Signal: sig, Chance: chance, Roll: roll, Reason: ReasonAmbientRollFail}
	if chance > 0 && roll < chance {
		d.Eligible = true
		d.Reason = ReasonAmbientRollPass
	}
	return d
}

func (p *Policy) recent(ctx context.Context, in Input) []core.ChannelMessage {
	msgs := in.Recent
	if msgs == nil && p.history != nil {
		limit := in.Settings.Addressing.ContextWindow
		if limit <= 0 {
			limit = settings.DefaultContextWindow
		}
		loaded, err := p.history.RecentMessages(ctx, in.Event.ChannelID, limit+1)
		if err != nil {
			p.logger.Warn("admission_history_failed", "channel_id", in.Event.ChannelID, "error", err)
		}
		msgs = loaded
	}
	out := make([]core.ChannelMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != "" && m.ID == in.Event.ID {
			continue
		}
		out = append(out, m)
	}
	limit := in.Settings.Addressing.ContextWindow
	if limit <= 0 {
		limit = settings.DefaultContextWindow
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// hasContext holds when the previous turn was the bot's, or both the
// author and the bot spoke within the window. Without a known bot id no
// message can be the bot's.
func hasContext(recent []core.ChannelMessage, authorID, botID string) bool {
	if len(recent) == 0 || botID == "" {
		return false
	}
	isBot := func(m core.ChannelMessage) bool {
		return m.IsBot && m.AuthorID == botID
	}
	if isBot(recent[len(recent)-1]) {
		return true
	}
	authorSeen, botSeen := false, false
	for _, m := range recent {
		if isBot(m) {
			botSeen = true
		} else if m.AuthorID == authorID {
			authorSeen = true
		}
	}
	return authorSeen && botSeen
}

func transcript(recent []core.ChannelMessage, e core.IncomingEvent, bot settings.Bot) string {
	var b strings.Builder
	for _, m := range recent {
		name := m.AuthorName
		if m.IsBot && name == "" {
			name = bot.Name
		}
		fmt.Fprintf(&b, "%s: %s\n", displayName(name, m.AuthorID), m.Content)
	}
	fmt.Fprintf(&b, "%s: %s", displayName(e.AuthorName, e.AuthorID), e.Content)
	return b.String()
}

func participants(recent []core.ChannelMessage, e core.IncomingEvent) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name, id string) {
		n := displayName(name, id)
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, m := range recent {
		if !m.IsBot {
			add(m.AuthorName, m.AuthorID)
		}
	}
	add(e.AuthorName, e.AuthorID)
	return out
}

func displayName(name, id string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if id != "" {
		return id
	}
	return "someone"
}
