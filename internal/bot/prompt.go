package bot

import (
	"fmt"
	"strings"

	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/settings"
)

// SkipToken in model output means the bot stays silent.
const SkipToken = "[SKIP]"

const reactPrefix = "REACT:"

func replySystemPrompt(s settings.Settings) string {
	return fmt.Sprintf(`You are %s, a member of a group chat.
Reply to the latest messages in one short, natural chat message.
If nothing is worth saying, answer exactly %s.
To add an emoji reaction to the latest message, put a line "%s <emoji>" first.`,
		s.Bot.Name, SkipToken, reactPrefix)
}

func initiativeSystemPrompt(s settings.Settings) string {
	return fmt.Sprintf(`You are %s, a member of a group chat.
Start a new, light conversation topic in one short message, without greeting anyone by name.
If you have nothing worth posting, answer exactly %s.`, s.Bot.Name, SkipToken)
}

func conversationPrompt(history []core.ChannelMessage, burst []core.ReplyJob, botName string) string {
	var b strings.Builder
	seen := make(map[string]struct{}, len(burst))
	for _, j := range burst {
		seen[j.Event.ID] = struct{}{}
	}
	if len(history) > 0 {
		b.WriteString("Earlier in the channel:\n")
		for _, m := range history {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			name := m.AuthorName
			if m.IsBot && name == "" {
				name = botName
			}
			if name == "" {
				name = m.AuthorID
			}
			fmt.Fprintf(&b, "%s: %s\n", name, m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("New messages:\n")
	for _, j := range burst {
		name := j.Event.AuthorName
		if name == "" {
			name = j.Event.AuthorID
		}
		fmt.Fprintf(&b, "%s: %s\n", name, j.Event.Content)
	}
	return b.String()
}

func initiativePrompt(history []core.ChannelMessage, botName string) string {
	if len(history) == 0 {
		return "The channel has been quiet."
	}
	return conversationPrompt(history, nil, botName) + "\nThe conversation has gone quiet."
}

// parseReply splits model output into message text and an optional
// reaction. skip is true when the model declined.
func parseReply(out string) (text, emoji string, skip bool) {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		trimmed := strings.TrimSpace(line)
		if emoji == "" && strings.HasPrefix(strings.ToUpper(trimmed), reactPrefix) {
			emoji = strings.TrimSpace(trimmed[len(reactPrefix):])
			continue
		}
		lines = append(lines, line)
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))
	if text == SkipToken || strings.HasPrefix(text, SkipToken) {
		text = ""
	}
	return text, emoji, text == "" && emoji == ""
}
