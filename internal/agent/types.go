// Package agent runs chat turns against an agent backend and streams the
// resulting protocol events to subscribers.
package agent

import (
	"errors"

	"github.com/ashureev/shsh-chat/internal/protocol"
)

// ErrorCodeAgent is the RUN_ERROR code published when the agent backend
// fails mid-run.
const ErrorCodeAgent = "AGENT_ERROR"

var (
	// ErrConversationNotFound is returned when a chat targets a conversation
	// owned by someone else.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrServiceClosed is returned when submitting to a closed service.
	ErrServiceClosed = errors.New("agent service closed")
)

// Request is one chat turn handed to a Processor.
type Request struct {
	TenantID       string
	UserID         string
	ConversationID string
	MessageID      string
	AgentID        string
	Message        string
	History        []protocol.HistoryMessage
}

// Submission is an accepted user message waiting for its agent run.
type Submission struct {
	TenantID       string
	UserID         string
	ConversationID string
	MessageID      string
	AgentID        string
	Message        string
	RequestID      string
}

// Stats contains agent run counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Duplicates int64 `json:"duplicates"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Active     int64 `json:"active"`
}
