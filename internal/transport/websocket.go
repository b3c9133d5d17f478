package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsPath = "/ws/agent"

// WSSubscriber streams events over the gateway's WebSocket endpoint.
type WSSubscriber struct {
	baseURL  *url.URL
	tenantID string
	client   *http.Client
	retry    retry.Options
	logger   *slog.Logger
}

var _ Subscriber = (*WSSubscriber)(nil)

// NewWSSubscriber builds a subscriber for baseURL (http or https). client
// carries the identity cookie and may be nil.
func NewWSSubscriber(baseURL, tenantID string, client *http.Client, opts retry.Options, logger *slog.Logger) (*WSSubscriber, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("base url %q has unsupported scheme", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSubscriber{baseURL: u, tenantID: tenantID, client: client, retry: opts, logger: logger}, nil
}

// Subscribe dials the socket and delivers events until unsubscribed.
func (s *WSSubscriber) Subscribe(ctx context.Context, conversationID, agentID string, onEvent EventHandler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var lastID int64

	dial := func() (*websocket.Conn, error) {
		opts := s.retry
		opts.ShouldRetry = IsTransient
		return retry.Do(ctx, func(ctx context.Context) (*websocket.Conn, error) {
			return s.dial(ctx, conversationID, agentID, lastID)
		}, opts)
	}

	conn, err := dial()
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		for {
			err := s.read(ctx, conn, conversationID, &lastID, onEvent)
			conn.CloseNow()
			if ctx.Err() != nil {
				return
			}
			s.logger.Info("websocket dropped, reconnecting", "conversation_id", conversationID, "error", err)
			conn, err = dial()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				onEvent(protocol.Event{
					Type:           protocol.EventRunError,
					ConversationID: conversationID,
					Error:          &protocol.RunError{Message: "event stream lost: " + err.Error(), Code: StreamLostCode},
				})
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *WSSubscriber) dial(ctx context.Context, conversationID, agentID string, lastID int64) (*websocket.Conn, error) {
	u := *s.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + wsPath
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if lastID > 0 {
		q.Set("last_event_id", strconv.FormatInt(lastID, 10))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.tenantID != "" {
		header.Set(protocol.HeaderTenantID, s.tenantID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: s.client,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("%w: dial websocket: %w", errStreamDropped, err)
	}
	return conn, nil
}

func (s *WSSubscriber) read(ctx context.Context, conn *websocket.Conn, conversationID string, lastID *int64, onEvent EventHandler) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return errStreamDropped
			}
			return fmt.Errorf("%w: %w", errStreamDropped, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if env.ID > 0 {
			*lastID = env.ID
		}
		if env.Event.ConversationID == "" {
			env.Event.ConversationID = conversationID
		}
		onEvent(env.Event)
	}
}
