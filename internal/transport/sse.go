package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
)

// errStreamDropped marks an event stream that ended without being asked to.
var errStreamDropped = errors.New("event stream dropped")

// StreamLostCode is the RUN_ERROR code delivered when reconnecting gives up.
const StreamLostCode = "STREAM_LOST"

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE parses a text/event-stream body and calls fn for every event.
// Comment lines (keepalives) are skipped.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	var cur sseEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				cur.Data = strings.Join(data, "\n")
				if !fn(cur) {
					return nil
				}
			}
			cur = sseEvent{ID: cur.ID}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			cur.ID = value
		case "event":
			cur.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// sseSubscriber streams events from GET /api/agent/stream and resumes with
// Last-Event-ID after a drop.
type sseSubscriber struct {
	transport *HTTPTransport
}

func (s *sseSubscriber) Subscribe(ctx context.Context, conversationID, agentID string, onEvent EventHandler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	stream := &sseStream{
		t:              s.transport,
		conversationID: conversationID,
		agentID:        agentID,
		onEvent:        onEvent,
	}

	body, err := stream.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	go stream.run(ctx, body)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

type sseStream struct {
	t              *HTTPTransport
	conversationID string
	agentID        string
	onEvent        EventHandler
	lastEventID    string
}

func (s *sseStream) connect(ctx context.Context) (io.ReadCloser, error) {
	opts := s.t.retry
	opts.ShouldRetry = IsTransient
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.t.logger.Warn("event stream connect failed, retrying",
			"conversation_id", s.conversationID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	return retry.Do(ctx, s.open, opts)
}

func (s *sseStream) open(ctx context.Context) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("conversation_id", s.conversationID)
	if s.agentID != "" {
		q.Set("agent_id", s.agentID)
	}
	req, err := s.t.newRequest(ctx, http.MethodGet, streamPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}

	resp, err := s.t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (s *sseStream) run(ctx context.Context, body io.ReadCloser) {
	for {
		err := s.consume(ctx, body)
		body.Close()
		if ctx.Err() != nil {
			return
		}

		s.t.logger.Info("event stream dropped, reconnecting",
			"conversation_id", s.conversationID,
			"last_event_id", s.lastEventID,
			"error", err,
		)
		body, err = s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.t.logger.Error("event stream lost", "conversation_id", s.conversationID, "error", err)
			s.onEvent(protocol.Event{
				Type:           protocol.EventRunError,
				ConversationID: s.conversationID,
				Error:          &protocol.RunError{Message: "event stream lost: " + err.Error(), Code: StreamLostCode},
			})
			return
		}
	}
}

func (s *sseStream) consume(ctx context.Context, body io.Reader) error {
	err := readSSE(body, func(e sseEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		if e.ID != "" {
			s.lastEventID = e.ID
		}
		if e.Event == "ping" || e.Event == "connected" {
			return true
		}
		evt, err := protocol.DecodeEvent([]byte(e.Data))
		if err != nil {
			s.t.logger.Warn("dropping malformed event", "conversation_id", s.conversationID, "error", err)
			return true
		}
		s.onEvent(evt)
		return true
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return errStreamDropped
	}
	return fmt.Errorf("%w: %w", errStreamDropped, err)
}
