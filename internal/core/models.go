package core

import (
	"fmt"
	"time"
)

type ActionKind string

const (
	ActionSentReply           ActionKind = "sent_reply"
	ActionSentMessage         ActionKind = "sent_message"
	ActionInitiativePost      ActionKind = "initiative_post"
	ActionReacted             ActionKind = "reacted"
	ActionReplySkipped        ActionKind = "reply_skipped"
	ActionReplyQueueOverflow  ActionKind = "reply_queue_overflow"
	ActionReplyDispatchFailed ActionKind = "reply_dispatch_failed"
	ActionLLMCall             ActionKind = "llm_call"
	ActionLLMError            ActionKind = "llm_error"
	ActionGatewayReconnect    ActionKind = "gateway_reconnect"
	ActionBotRuntime          ActionKind = "bot_runtime"
)

var actionKinds = []ActionKind{
	ActionSentReply, ActionSentMessage, ActionInitiativePost, ActionReacted,
	ActionReplySkipped, ActionReplyQueueOverflow, ActionReplyDispatchFailed,
	ActionLLMCall, ActionLLMError, ActionGatewayReconnect, ActionBotRuntime,
}

// ParseActionKind accepts any known kind.
func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range actionKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// IncomingEvent is an inbound chat message as observed on the gateway.
// The transport owns the source of truth; the runtime only keeps what it
// needs for scheduling.
type IncomingEvent struct {
	ID                 string
	ChannelID          string
	AuthorID           string
	AuthorName         string
	AuthorIsBot        bool
	Content            string
	CreatedAt          time.Time
	ReferencedID       string
	ReferencedAuthorID string
	MentionIDs         []string
}

// Mentions reports whether userID is explicitly mentioned by the event.
func (e IncomingEvent) Mentions(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range e.MentionIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type ConfidenceSource string

const (
	SourceLLM      ConfidenceSource = "llm"
	SourceFallback ConfidenceSource = "fallback"
	SourceDirect   ConfidenceSource = "direct"
)

type AddressSignal struct {
	Direct     bool
	Inferred   bool
	Triggered  bool
	Confidence float64
	Threshold  float64
	Source     ConfidenceSource
	Reason     string
}

// Validate checks Triggered => Direct || Confidence >= Threshold.
func (s AddressSignal) Validate() error {
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %v", s.Confidence)
	}
	if s.Triggered && !s.Direct && s.Confidence < s.Threshold {
		return fmt.Errorf("triggered without direct address or confidence (%.2f < %.2f)", s.Confidence, s.Threshold)
	}
	return nil
}

// Widen merges other into s. Flags are OR-ed and the higher confidence
// wins; a signal is never narrowed.
func (s AddressSignal) Widen(other AddressSignal) AddressSignal {
	out := s
	if other.Confidence > s.Confidence {
		out.Confidence = other.Confidence
		out.Threshold = other.Threshold
		out.Source = other.Source
		out.Reason = other.Reason
	}
	out.Direct = s.Direct || other.Direct
	out.Inferred = s.Inferred || other.Inferred
	out.Triggered = s.Triggered || other.Triggered
	if out.Direct {
		out.Source = SourceDirect
		out.Reason = "direct"
	}
	return out
}

type ReplyJob struct {
	Event        IncomingEvent
	Source       string
	ForceRespond bool
	Signal       *AddressSignal
	Attempts     int
	EnqueuedAt   time.Time
}

type Budget struct {
	Kind         string
	Window       time.Duration
	MaxPerWindow int
	Used         int
	Remaining    int
	CanAct       bool
}

func NewBudget(kind string, window time.Duration, maxPerWindow, used int) Budget {
	remaining := maxPerWindow - used
	if remaining < 0 {
		remaining = 0
	}
	return Budget{
		Kind:         kind,
		Window:       window,
		MaxPerWindow: maxPerWindow,
		Used:         used,
		Remaining:    remaining,
		CanAct:       maxPerWindow > 0 && remaining > 0,
	}
}

type GatewayState struct {
	LastEventAt       time.Time
	ReconnectAttempts int
	ReconnectInFlight bool
	HasConnectedOnce  bool
}

type PacingMode string

const (
	PacingEven        PacingMode = "even"
	PacingSpontaneous PacingMode = "spontaneous"
)

type ScheduleDecision struct {
	ShouldPost       bool
	Mode             PacingMode
	Trigger          string
	Chance           float64
	Roll             float64
	Elapsed          time.Duration
	RequiredInterval time.Duration
}

type Action struct {
	ID        string
	Kind      ActionKind
	ChannelID string
	UserID    string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

type ChannelMessage struct {
	ID           string
	ChannelID    string
	AuthorID     string
	AuthorName   string
	IsBot        bool
	Content      string
	CreatedAt    time.Time
	ReferencedID string
}
