package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/shsh-chat/internal/protocol"
)

// titleMaxRunes bounds the title derived from the first user message.
const titleMaxRunes = 60

// Conversation is a persisted chat thread owned by one user of one tenant.
type Conversation struct {
	ID        string
	TenantID  string
	UserID    string
	AgentID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMessage is a persisted conversation entry.
type StoredMessage struct {
	ID             string
	ConversationID string
	Role           protocol.Role
	Content        string
	AgentID        string
	CreatedAt      time.Time
}

// TitleFrom derives a single-line conversation title from a message.
func TitleFrom(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(title) <= titleMaxRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
}
