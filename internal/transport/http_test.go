package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newTestTransport(t *testing.T, h http.Handler) *HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tr, err := NewHTTPTransport(HTTPConfig{
		BaseURL:  srv.URL,
		TenantID: "acme",
		Retry:    fastRetry,
	})
	require.NoError(t, err)
	return tr
}

type eventSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *eventSink) add(e protocol.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) types() []protocol.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func TestNewHTTPTransportRejectsBadURL(t *testing.T) {
	_, err := NewHTTPTransport(HTTPConfig{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestSendAccepted(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, chatPath, r.URL.Path)
		assert.Equal(t, "acme", r.Header.Get(protocol.HeaderTenantID))

		var req protocol.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Message)
		assert.Equal(t, "m-1", req.MessageID)

		w.Header().Set(protocol.HeaderRateLimitLimit, "30")
		w.Header().Set(protocol.HeaderRateLimitRemaining, "29")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(protocol.ChatAccepted{ConversationID: req.ConversationID, MessageID: req.MessageID})
	}))

	resp, err := tr.Send(context.Background(), SendRequest{ConversationID: "c-1", MessageID: "m-1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", resp.ConversationID)
	assert.Equal(t, http.StatusAccepted, resp.Metadata.StatusCode)
	require.NotNil(t, resp.Metadata.Remaining)
	assert.Equal(t, 29, *resp.Metadata.Remaining)
}

func TestSendRateLimitedIsObservedAndNotTransient(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(protocol.HeaderRateLimitRemaining, "0")
		w.Header().Set(protocol.HeaderRetryAfter, "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"rate limit exceeded"}`)
	}))

	var observed []protocol.Metadata
	release := tr.Observe(func(m protocol.Metadata) { observed = append(observed, m) })
	defer release()

	_, err := tr.Send(context.Background(), SendRequest{ConversationID: "c", MessageID: "m", Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "rate limit exceeded")

	require.Len(t, observed, 1)
	assert.Equal(t, http.StatusTooManyRequests, observed[0].StatusCode)
	require.NotNil(t, observed[0].RetryAfter)
	assert.Equal(t, 12, *observed[0].RetryAfter)
}

func TestHistoryRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, conversationsPath+"/c-9", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.ConversationDetail{
			Conversation: protocol.Conversation{ID: "c-9"},
			Messages: []protocol.HistoryMessage{
				{ID: "1", Role: protocol.RoleUser, Content: "hi"},
				{ID: "2", Role: protocol.RoleAssistant, Content: "hello"},
			},
		})
	}))

	msgs, err := tr.History(context.Background(), "c-9")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestHistoryNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
	}))

	_, err := tr.History(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSSESubscribeResumesWithLastEventID(t *testing.T) {
	var conns atomic.Int32
	resumedFrom := make(chan string, 1)

	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, streamPath, r.URL.Path)
		assert.Equal(t, "c-1", r.URL.Query().Get("conversation_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		if conns.Add(1) == 1 {
			fmt.Fprint(w, "retry: 10\n\n")
			fmt.Fprint(w, ": keepalive\n\n")
			fmt.Fprint(w, "id: 1\nevent: agent\ndata: {\"type\":\"RUN_STARTED\",\"conversation_id\":\"c-1\"}\n\n")
			fmt.Fprint(w, "id: 2\nevent: agent\ndata: {\"type\":\"THINKING_START\",\"conversation_id\":\"c-1\"}\n\n")
			flusher.Flush()
			return
		}

		resumedFrom <- r.Header.Get("Last-Event-ID")
		fmt.Fprint(w, "id: 3\nevent: agent\ndata: {\"type\":\"THINKING_END\",\"conversation_id\":\"c-1\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))

	sink := &eventSink{}
	unsubscribe, err := tr.Subscribe(context.Background(), "c-1", "agent-a", sink.add)
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case id := <-resumedFrom:
		assert.Equal(t, "2", id)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not reconnect")
	}

	require.Eventually(t, func() bool { return len(sink.types()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []protocol.EventType{
		protocol.EventRunStarted, protocol.EventThinkingStart, protocol.EventThinkingEnd,
	}, sink.types())
}

func TestSSESubscribeReportsLostStream(t *testing.T) {
	var conns atomic.Int32
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if conns.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))

	sink := &eventSink{}
	unsubscribe, err := tr.Subscribe(context.Background(), "c-1", "", sink.add)
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool { return len(sink.types()) == 1 }, 5*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotNil(t, sink.events[0].Error)
	assert.Equal(t, StreamLostCode, sink.events[0].Error.Code)
}

func TestSSESubscribeFailsFastOnClientError(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))

	_, err := tr.Subscribe(context.Background(), "c-1", "", func(protocol.Event) {})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestReadSSE(t *testing.T) {
	input := strings.Join([]string{
		": comment",
		"id: 5",
		"event: agent",
		"data: line one",
		"data: line two",
		"",
		"event: ping",
		"data: {}",
		"",
		"data: trailing without blank line",
	}, "\n")

	var got []sseEvent
	err := readSSE(strings.NewReader(input), func(e sseEvent) bool {
		got = append(got, e)
		return true
	})
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, got, 2)
	assert.Equal(t, sseEvent{ID: "5", Event: "agent", Data: "line one\nline two"}, got[0])
	assert.Equal(t, sseEvent{ID: "5", Event: "ping", Data: "{}"}, got[1])
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &StatusError{StatusCode: http.StatusBadGateway}, true},
		{"request timeout", &StatusError{StatusCode: http.StatusRequestTimeout}, true},
		{"bad request", &StatusError{StatusCode: http.StatusBadRequest}, false},
		{"rate limited", fmt.Errorf("send: %w", &StatusError{StatusCode: http.StatusTooManyRequests}), false},
		{"network", fmt.Errorf("send message: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")}), true},
		{"dropped stream", errStreamDropped, true},
		{"cancelled", context.Canceled, false},
		{"other", errors.New("decode"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
