// Package protocol defines the agent event vocabulary shared by the gateway
// server and the session controller.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType names a protocol event emitted by an agent run.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventThinkingStart      EventType = "THINKING_START"
	EventThinkingEnd        EventType = "THINKING_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventStepStarted        EventType = "STEP_STARTED"
	EventStepFinished       EventType = "STEP_FINISHED"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
)

// RunError describes a failure reported by the agent inside the event stream.
type RunError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Event is a single typed notification from an agent run.
// Optional fields are left empty when the event type does not carry them.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	ToolName       string    `json:"tool_name,omitempty"`
	StepName       string    `json:"step_name,omitempty"`
	Delta          string    `json:"delta,omitempty"`
	Error          *RunError `json:"error,omitempty"`
	Timestamp      int64     `json:"timestamp,omitempty"`
}

// DecodeEvent parses a JSON event. Unknown fields are ignored and unknown
// types are returned as-is so the consumer decides how to degrade.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// HistoryMessage is a persisted conversation entry returned by the history API.
type HistoryMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRequest is the body of POST /api/agent/chat.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Message        string `json:"message"`
	AgentID        string `json:"agent_id,omitempty"`
}

// ChatAccepted is the body returned when the gateway accepts a chat request.
type ChatAccepted struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}
