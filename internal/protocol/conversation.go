package protocol

import "time"

// Conversation is the summary returned by GET /api/conversations.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationDetail is a conversation with its ordered messages.
type ConversationDetail struct {
	Conversation
	Messages []HistoryMessage `json:"messages"`
}

// Envelope carries an event with its stream id over the WebSocket channel.
type Envelope struct {
	ID    int64 `json:"id"`
	Event Event `json:"event"`
}

// HeaderTenantID scopes requests to a tenant.
const HeaderTenantID = "X-Tenant-ID"
