package conversation

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultTitle names a conversation before its first user turn.
const DefaultTitle = "New Conversation"

const (
	titleWords    = 6
	titleMaxRunes = 40
)

var titleCaser = cases.Title(language.Und, cases.NoLower)

// FormatTitle derives a conversation name from the first user message:
// whitespace collapsed, at most six words and 40 characters, a trailing
// period removed and each word capitalized.
func FormatTitle(message string) string {
	words := strings.Fields(message)
	if len(words) == 0 {
		return DefaultTitle
	}
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	preview := strings.Join(words, " ")
	if utf8.RuneCountInString(preview) > titleMaxRunes {
		preview = strings.TrimRight(string([]rune(preview)[:titleMaxRunes]), " ")
	}
	preview = strings.TrimSuffix(preview, ".")
	if preview == "" {
		return DefaultTitle
	}
	return titleCaser.String(preview)
}

// NeedsTitle reports whether a conversation still carries a placeholder name.
func NeedsTitle(name string) bool {
	return name == "" || name == DefaultTitle
}
