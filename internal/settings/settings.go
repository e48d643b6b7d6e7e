// Package settings holds the operator-editable bot settings. Settings are
// always consumed as an immutable snapshot: callers fetch a fresh copy at
// the start of every drain iteration or scheduler tick.
package settings

import (
	"context"
	"math"
	"strings"
	"time"
)

type Settings struct {
	Bot         Bot         `yaml:"bot" json:"bot"`
	Activity    Activity    `yaml:"activity" json:"activity"`
	Permissions Permissions `yaml:"permissions" json:"permissions"`
	Addressing  Addressing  `yaml:"addressing" json:"addressing"`
	Initiative  Initiative  `yaml:"initiative" json:"initiative"`
}

type Bot struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type Activity struct {
	MinSecondsBetweenMessages  float64 `yaml:"minSecondsBetweenMessages" json:"minSecondsBetweenMessages"`
	ReplyCoalesceWindowSeconds float64 `yaml:"replyCoalesceWindowSeconds" json:"replyCoalesceWindowSeconds"`
	ReplyCoalesceMaxMessages   int     `yaml:"replyCoalesceMaxMessages" json:"replyCoalesceMaxMessages"`
	// ReplyEagerness is the 0-100 chance of joining a conversation the
	// bot was not addressed in.
	ReplyEagerness float64 `yaml:"replyEagerness" json:"replyEagerness"`
}

type Permissions struct {
	AllowReplies        bool     `yaml:"allowReplies" json:"allowReplies"`
	MaxMessagesPerHour  int      `yaml:"maxMessagesPerHour" json:"maxMessagesPerHour"`
	MaxReactionsPerHour int      `yaml:"maxReactionsPerHour" json:"maxReactionsPerHour"`
	AllowedChannelIDs   []string `yaml:"allowedChannelIds" json:"allowedChannelIds"`
	BlockedChannelIDs   []string `yaml:"blockedChannelIds" json:"blockedChannelIds"`
	BlockedUserIDs      []string `yaml:"blockedUserIds" json:"blockedUserIds"`
}

type Addressing struct {
	Threshold     float64 `yaml:"threshold" json:"threshold"`
	ContextWindow int     `yaml:"contextWindow" json:"contextWindow"`
}

type Initiative struct {
	Enabled                bool     `yaml:"enabled" json:"enabled"`
	ChannelIDs             []string `yaml:"channelIds" json:"channelIds"`
	PacingMode             string   `yaml:"pacingMode" json:"pacingMode"`
	Spontaneity            float64  `yaml:"spontaneity" json:"spontaneity"`
	MaxPostsPerDay         int      `yaml:"maxPostsPerDay" json:"maxPostsPerDay"`
	MinMinutesBetweenPosts float64  `yaml:"minMinutesBetweenPosts" json:"minMinutesBetweenPosts"`
	PostOnStartup          bool     `yaml:"postOnStartup" json:"postOnStartup"`
}

// Provider yields the current settings snapshot.
type Provider interface {
	Settings(ctx context.Context) (Settings, error)
}

// Static is a Provider that always returns the same snapshot.
type Static Settings

func (s Static) Settings(context.Context) (Settings, error) {
	return Settings(s).Normalize(), nil
}

const (
	DefaultThreshold     = 0.62
	MinThreshold         = 0.40
	MaxThreshold         = 0.95
	DefaultContextWindow = 8
)

func Defaults() Settings {
	return Settings{
		Bot: Bot{Name: "interject"},
		Activity: Activity{
			MinSecondsBetweenMessages:  12,
			ReplyCoalesceWindowSeconds: 4,
			ReplyCoalesceMaxMessages:   20,
			ReplyEagerness:             15,
		},
		Permissions: Permissions{
			AllowReplies:        true,
			MaxMessagesPerHour:  40,
			MaxReactionsPerHour: 30,
		},
		Addressing: Addressing{
			Threshold:     DefaultThreshold,
			ContextWindow: DefaultContextWindow,
		},
		Initiative: Initiative{
			PacingMode:             "even",
			Spontaneity:            50,
			MaxPostsPerDay:         6,
			MinMinutesBetweenPosts: 120,
		},
	}
}

// Normalize clamps every field into its documented range.
func (s Settings) Normalize() Settings {
	s.Bot.ID = strings.TrimSpace(s.Bot.ID)
	s.Bot.Name = strings.TrimSpace(s.Bot.Name)

	s.Activity.MinSecondsBetweenMessages = clamp(s.Activity.MinSecondsBetweenMessages, 0, 3600)
	s.Activity.ReplyCoalesceWindowSeconds = clamp(s.Activity.ReplyCoalesceWindowSeconds, 0, 20)
	if s.Activity.ReplyCoalesceMaxMessages <= 0 {
		s.Activity.ReplyCoalesceMaxMessages = 20
	}
	if s.Activity.ReplyCoalesceMaxMessages > 50 {
		s.Activity.ReplyCoalesceMaxMessages = 50
	}
	s.Activity.ReplyEagerness = clamp(s.Activity.ReplyEagerness, 0, 100)

	s.Addressing.Threshold = ClampThreshold(s.Addressing.Threshold)
	if s.Addressing.ContextWindow <= 0 {
		s.Addressing.ContextWindow = DefaultContextWindow
	}

	s.Permissions.AllowedChannelIDs = cleanIDs(s.Permissions.AllowedChannelIDs)
	s.Permissions.BlockedChannelIDs = cleanIDs(s.Permissions.BlockedChannelIDs)
	s.Permissions.BlockedUserIDs = cleanIDs(s.Permissions.BlockedUserIDs)
	s.Initiative.ChannelIDs = cleanIDs(s.Initiative.ChannelIDs)

	switch strings.ToLower(strings.TrimSpace(s.Initiative.PacingMode)) {
	case "spontaneous":
		s.Initiative.PacingMode = "spontaneous"
	default:
		s.Initiative.PacingMode = "even"
	}
	s.Initiative.Spontaneity = clamp(s.Initiative.Spontaneity, 0, 100)
	s.Initiative.MinMinutesBetweenPosts = clamp(s.Initiative.MinMinutesBetweenPosts, 0, 24*60)
	return s
}

// ClampThreshold keeps an addressing threshold in [0.40, 0.95]; an unset
// value falls back to the default.
func ClampThreshold(v float64) float64 {
	if v == 0 || math.IsNaN(v) {
		return DefaultThreshold
	}
	return clamp(v, MinThreshold, MaxThreshold)
}

func (a Activity) Cooldown() time.Duration {
	return seconds(a.MinSecondsBetweenMessages)
}

func (a Activity) CoalesceWindow() time.Duration {
	return seconds(a.ReplyCoalesceWindowSeconds)
}

func (i Initiative) MinGap() time.Duration {
	return time.Duration(i.MinMinutesBetweenPosts * float64(time.Minute))
}

func (p Permissions) ChannelBlocked(id string) bool { return contains(p.BlockedChannelIDs, id) }
func (p Permissions) UserBlocked(id string) bool    { return contains(p.BlockedUserIDs, id) }

// ChannelAllowed applies the allow-list: empty allows everything.
func (p Permissions) ChannelAllowed(id string) bool {
	if len(p.AllowedChannelIDs) == 0 {
		return true
	}
	return contains(p.AllowedChannelIDs, id)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func cleanIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
