package conversation

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultHistoryWindow is how many trailing messages feed the preamble.
	DefaultHistoryWindow = 40
	// DefaultMessageCharLimit caps one message body inside the preamble.
	DefaultMessageCharLimit = 2000

	truncationMarker = " [...truncated]"
)

const preambleFraming = "The following is earlier conversation history between you and the user. " +
	"You already have this context from a previous session; treat it as messages " +
	"you have already seen and do not respond to it directly."

// BuildPreamble renders messages into a delimited context block for an
// unresumed session. Returns the empty string when there is nothing to
// inject. charLimit <= 0 falls back to DefaultMessageCharLimit.
func BuildPreamble(msgs []Message, charLimit int) string {
	if len(msgs) == 0 {
		return ""
	}
	if charLimit <= 0 {
		charLimit = DefaultMessageCharLimit
	}

	var sb strings.Builder
	sb.WriteString(preambleFraming)
	sb.WriteString("\n\n<conversation-history>\n")
	for _, m := range msgs {
		sb.WriteString(roleLabel(m.Role))
		sb.WriteString(": ")
		sb.WriteString(truncate(m.Content, charLimit))
		sb.WriteString("\n")
	}
	sb.WriteString("</conversation-history>")
	return sb.String()
}

func roleLabel(r Role) string {
	switch r {
	case RoleAssistant:
		return "Assistant"
	default:
		return "User"
	}
}

// truncate cuts s to at most limit runes, never splitting a rune.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	end := 0
	for i := 0; i < limit; i++ {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return s[:end] + truncationMarker
}
