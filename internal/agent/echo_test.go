package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoChunks(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"plain", Request{Message: "hi"}, []string{"You ", "said: ", "hi"}},
		{"trims", Request{Message: "  hi  "}, []string{"You ", "said: ", "hi"}},
		{"agent prefix", Request{Message: "yo", AgentID: "helper"}, []string{"[helper] ", "You ", "said: ", "yo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, echoChunks(tt.req))
		})
	}
}

func TestEchoProcessorRunSequence(t *testing.T) {
	p := NewEchoProcessor(nil, 0)

	var events []*protocol.Event
	for evt, err := range p.Run(context.Background(), Request{ConversationID: "conv-1", Message: "hi"}) {
		require.NoError(t, err)
		events = append(events, evt)
	}

	want := []protocol.EventType{
		protocol.EventRunStarted,
		protocol.EventThinkingStart,
		protocol.EventThinkingEnd,
		protocol.EventStepStarted,
		protocol.EventToolCallStart,
		protocol.EventToolCallEnd,
		protocol.EventTextMessageStart,
		protocol.EventTextMessageContent,
		protocol.EventTextMessageContent,
		protocol.EventTextMessageContent,
		protocol.EventTextMessageEnd,
		protocol.EventStepFinished,
		protocol.EventRunFinished,
	}
	require.Len(t, events, len(want))
	replyID := events[6].MessageID
	require.NotEmpty(t, replyID)
	for i, evt := range events {
		assert.Equal(t, want[i], evt.Type, "event %d", i)
		if strings.HasPrefix(string(evt.Type), "TEXT_MESSAGE") {
			assert.Equal(t, replyID, evt.MessageID)
		}
	}
}

func TestEchoProcessorPausesOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewEchoProcessor(clock, time.Second)

	got := make(chan protocol.EventType, 1)
	go func() {
		for evt, err := range p.Run(context.Background(), Request{Message: "hi"}) {
			if err != nil {
				return
			}
			got <- evt.Type
			return
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	select {
	case <-got:
		t.Fatal("event emitted before the pause elapsed")
	default:
	}

	clock.Advance(time.Second)
	select {
	case typ := <-got:
		assert.Equal(t, protocol.EventRunStarted, typ)
	case <-ctx.Done():
		t.Fatal("no event after advancing the clock")
	}
}

func TestEchoProcessorStopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewEchoProcessor(clock, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var runErr error
	for _, err := range p.Run(ctx, Request{Message: "hi"}) {
		runErr = err
	}
	assert.ErrorIs(t, runErr, context.Canceled)
}
