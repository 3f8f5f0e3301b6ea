package utils

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// NewID returns a random UUID v4 string.
func NewID() string {
	return uuid.NewString()
}

// DefaultDisplayName derives "User-xxxxx" from the first five characters of an id.
func DefaultDisplayName(id string) string {
	short := id
	if len(short) > 5 {
		short = short[:5]
	}
	return "User-" + short
}

// RoomName is the name given to a broadcaster's lazily created room.
func RoomName(displayName string) string {
	return fmt.Sprintf("%s's Room", displayName)
}

// SanitizeString strips control characters and surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString truncates a string to maxLen runes.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
