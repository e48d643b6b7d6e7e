package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClampThreshold(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0, DefaultThreshold},
		{0.1, 0.40},
		{0.7, 0.7},
		{1.2, 0.95},
	}
	for _, tc := range cases {
		if got := ClampThreshold(tc.in); got != tc.want {
			t.Fatalf("ClampThreshold(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeClampsRanges(t *testing.T) {
	s := Settings{
		Activity: Activity{ReplyCoalesceWindowSeconds: 90, ReplyEagerness: 140, MinSecondsBetweenMessages: -4},
		Initiative: Initiative{
			PacingMode:  "SPONTANEOUS",
			Spontaneity: -1,
			ChannelIDs:  []string{" c1 ", "c1", ""},
		},
	}.Normalize()

	if s.Activity.CoalesceWindow() != 20*time.Second {
		t.Fatalf("expected 20s window, got %v", s.Activity.CoalesceWindow())
	}
	if s.Activity.ReplyEagerness != 100 || s.Activity.Cooldown() != 0 {
		t.Fatalf("unexpected activity: %+v", s.Activity)
	}
	if s.Activity.ReplyCoalesceMaxMessages != 20 {
		t.Fatalf("expected default burst cap 20, got %d", s.Activity.ReplyCoalesceMaxMessages)
	}
	if s.Initiative.PacingMode != "spontaneous" || s.Initiative.Spontaneity != 0 {
		t.Fatalf("unexpected initiative: %+v", s.Initiative)
	}
	if len(s.Initiative.ChannelIDs) != 1 || s.Initiative.ChannelIDs[0] != "c1" {
		t.Fatalf("expected deduped channel ids, got %v", s.Initiative.ChannelIDs)
	}
}

func TestChannelAllowList(t *testing.T) {
	open := Permissions{}
	if !open.ChannelAllowed("any") {
		t.Fatal("empty allow-list should allow every channel")
	}
	restricted := Permissions{AllowedChannelIDs: []string{"c1"}}
	if restricted.ChannelAllowed("c2") || !restricted.ChannelAllowed("c1") {
		t.Fatal("allow-list not applied")
	}
}

func TestParseYAMLKeepsDefaults(t *testing.T) {
	s, err := Parse([]byte("activity:\n  minSecondsBetweenMessages: 3\npermissions:\n  blockedUserIds: [u9]\n"), ".yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Activity.Cooldown() != 3*time.Second {
		t.Fatalf("expected 3s cooldown, got %v", s.Activity.Cooldown())
	}
	if s.Permissions.MaxMessagesPerHour != Defaults().Permissions.MaxMessagesPerHour {
		t.Fatalf("default lost: %+v", s.Permissions)
	}
	if !s.Permissions.UserBlocked("u9") {
		t.Fatal("expected u9 blocked")
	}
}

func TestParseJSONCWithComments(t *testing.T) {
	raw := []byte(`{
		// pacing
		"initiative": {"pacingMode": "spontaneous", "maxPostsPerDay": 10,},
	}`)
	s, err := Parse(raw, ".jsonc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Initiative.PacingMode != "spontaneous" || s.Initiative.MaxPostsPerDay != 10 {
		t.Fatalf("unexpected initiative: %+v", s.Initiative)
	}
}

func TestWriteFileRoundTripAndNoOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := WriteFile(path, Defaults()); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Bot.Name != Defaults().Bot.Name {
		t.Fatalf("expected bot name %q, got %q", Defaults().Bot.Name, loaded.Bot.Name)
	}
	if err := WriteFile(path, Defaults()); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file missing: %v", err)
	}
}
