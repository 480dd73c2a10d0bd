package wire

import (
	"strings"

	"github.com/google/uuid"
)

// NewMessageID returns a fresh normalized UUID message ID.
func NewMessageID() string {
	return uuid.NewString()
}

// NormalizeMessageID strips decorative UUID wrappers ("urn:uuid:", braces)
// and lowercases the result when it parses as a UUID. Other IDs are
// returned trimmed but otherwise untouched.
func NormalizeMessageID(id string) string {
	trimmed := strings.TrimSpace(id)
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	return parsed.String()
}
