package agent

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// EchoProcessor is the development agent used when no upstream is
// configured. It walks through a full run (thinking, one tool call, a
// streamed text reply) so clients exercise every activity state.
type EchoProcessor struct {
	clock clockwork.Clock
	pause time.Duration
}

// NewEchoProcessor creates an echo agent that waits pause between events.
func NewEchoProcessor(clock clockwork.Clock, pause time.Duration) *EchoProcessor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EchoProcessor{clock: clock, pause: pause}
}

// Run streams the echo run for req.
func (p *EchoProcessor) Run(ctx context.Context, req Request) iter.Seq2[*protocol.Event, error] {
	return func(yield func(*protocol.Event, error) bool) {
		replyID := uuid.NewString()
		emit := func(evt protocol.Event) bool {
			if p.pause > 0 {
				select {
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return false
				case <-p.clock.After(p.pause):
				}
			}
			evt.ConversationID = req.ConversationID
			evt.Timestamp = p.clock.Now().UnixMilli()
			return yield(&evt, nil)
		}

		steps := []protocol.Event{
			{Type: protocol.EventRunStarted},
			{Type: protocol.EventThinkingStart},
			{Type: protocol.EventThinkingEnd},
			{Type: protocol.EventStepStarted, StepName: "compose"},
			{Type: protocol.EventToolCallStart, ToolName: "echo"},
			{Type: protocol.EventToolCallEnd, ToolName: "echo"},
			{Type: protocol.EventTextMessageStart, MessageID: replyID},
		}
		for _, chunk := range echoChunks(req) {
			steps = append(steps, protocol.Event{Type: protocol.EventTextMessageContent, MessageID: replyID, Delta: chunk})
		}
		steps = append(steps,
			protocol.Event{Type: protocol.EventTextMessageEnd, MessageID: replyID},
			protocol.Event{Type: protocol.EventStepFinished, StepName: "compose"},
			protocol.Event{Type: protocol.EventRunFinished},
		)

		for _, evt := range steps {
			if !emit(evt) {
				return
			}
		}
	}
}

// Health always succeeds.
func (p *EchoProcessor) Health(context.Context) error { return nil }

// Close is a no-op.
func (p *EchoProcessor) Close() {}

// echoChunks splits the reply on word boundaries, keeping the separating
// spaces so the chunks concatenate back to the full reply.
func echoChunks(req Request) []string {
	reply := "You said: " + strings.TrimSpace(req.Message)
	if req.AgentID != "" {
		reply = "[" + req.AgentID + "] " + reply
	}
	words := strings.SplitAfter(reply, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
