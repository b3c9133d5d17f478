package session

import (
	"log/slog"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
)

// ThinkingMarker is shown while the agent reports it is thinking.
const ThinkingMarker = "Thinking..."

// unknownErrorCode is used when a RUN_ERROR carries no code.
const unknownErrorCode = "UNKNOWN"

// ToolStatusRunning is the only status a current tool can have.
const ToolStatusRunning = "running"

// ToolCall is the tool invocation currently in flight.
type ToolCall struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// RunError is the last error reported by the agent run.
type RunError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentRunState is the ephemeral activity of the current agent run.
type AgentRunState struct {
	IsRunning       bool      `json:"is_running"`
	IsThinking      bool      `json:"is_thinking"`
	ThinkingMessage string    `json:"thinking_message"`
	CurrentTool     *ToolCall `json:"current_tool,omitempty"`
	CurrentStep     string    `json:"current_step,omitempty"`
	LastError       *RunError `json:"last_error,omitempty"`
}

// Reduce returns the run state that results from applying evt to state.
// It is pure apart from a warning logged for unrecognised event types.
func Reduce(state AgentRunState, evt protocol.Event, now time.Time, logger *slog.Logger) AgentRunState {
	switch evt.Type {
	case protocol.EventRunStarted:
		state.IsRunning = true
		state.LastError = nil
	case protocol.EventRunFinished:
		state.IsRunning = false
		state.IsThinking = false
		state.ThinkingMessage = ""
		state.CurrentTool = nil
		state.CurrentStep = ""
	case protocol.EventThinkingStart:
		state.IsThinking = true
		state.ThinkingMessage = ThinkingMarker
	case protocol.EventThinkingEnd:
		state.IsThinking = false
		state.ThinkingMessage = ""
	case protocol.EventToolCallStart:
		if evt.ToolName == "" {
			return state
		}
		state.CurrentTool = &ToolCall{Name: evt.ToolName, Status: ToolStatusRunning, StartedAt: now}
	case protocol.EventToolCallEnd:
		state.CurrentTool = nil
	case protocol.EventStepStarted:
		if evt.StepName != "" {
			state.CurrentStep = evt.StepName
		}
	case protocol.EventStepFinished:
		state.CurrentStep = ""
	case protocol.EventRunError:
		if evt.Error == nil {
			return state
		}
		code := evt.Error.Code
		if code == "" {
			code = unknownErrorCode
		}
		state.LastError = &RunError{Message: evt.Error.Message, Code: code, Timestamp: now}
		state.IsRunning = false
		state.IsThinking = false
		state.ThinkingMessage = ""
		state.CurrentTool = nil
		state.CurrentStep = ""
	case protocol.EventTextMessageStart, protocol.EventTextMessageContent, protocol.EventTextMessageEnd:
		// Message text is assembled by the controller.
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("unrecognized agent event", "event_type", string(evt.Type))
	}
	return state
}
