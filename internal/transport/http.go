package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
)

const (
	chatPath          = "/api/agent/chat"
	streamPath        = "/api/agent/stream"
	conversationsPath = "/api/conversations"

	defaultRequestTimeout = 30 * time.Second
	maxErrorBodySize      = 4 << 10
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	BaseURL  string
	TenantID string

	// Client is shared by every request. Nil creates a client with a
	// cookie jar so the gateway's anonymous identity sticks.
	Client *http.Client

	// Subscriber overrides the event stream. Nil streams over SSE.
	Subscriber Subscriber

	RequestTimeout time.Duration
	Retry          retry.Options
	Logger         *slog.Logger
}

// HTTPTransport talks to the gateway's REST and SSE endpoints.
type HTTPTransport struct {
	baseURL        *url.URL
	tenantID       string
	client         *http.Client
	subscriber     Subscriber
	requestTimeout time.Duration
	retry          retry.Options
	logger         *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport validates cfg and builds a transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}

	client := cfg.Client
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client = &http.Client{Jar: jar}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	t := &HTTPTransport{
		baseURL:        base,
		tenantID:       cfg.TenantID,
		client:         client,
		requestTimeout: cfg.RequestTimeout,
		retry:          cfg.Retry,
		logger:         cfg.Logger,
	}
	t.subscriber = cfg.Subscriber
	if t.subscriber == nil {
		t.subscriber = &sseSubscriber{transport: t}
	}
	return t, nil
}

// Client returns the shared HTTP client.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

// Send posts one user message. It does not retry; callers decide.
func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) (*Response, error) {
	body, err := json.Marshal(protocol.ChatRequest{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Message:        req.Content,
		AgentID:        req.AgentID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	httpReq, err := t.newRequest(ctx, http.MethodPost, chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	meta := protocol.ParseMetadata(resp.StatusCode, resp.Header)
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var accepted protocol.ChatAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	return &Response{
		ConversationID: accepted.ConversationID,
		MessageID:      accepted.MessageID,
		Metadata:       meta,
	}, nil
}

// History loads a conversation's messages, retrying transient failures.
func (t *HTTPTransport) History(ctx context.Context, conversationID string) ([]protocol.HistoryMessage, error) {
	opts := t.retry
	opts.ShouldRetry = IsTransient
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.logger.Warn("history request failed, retrying",
			"conversation_id", conversationID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	detail, err := retry.Do(ctx, func(ctx context.Context) (*protocol.ConversationDetail, error) {
		return t.fetchConversation(ctx, conversationID)
	}, opts)
	if err != nil {
		return nil, err
	}
	return detail.Messages, nil
}

// Conversations lists the caller's conversations, newest first.
func (t *HTTPTransport) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodGet, conversationsPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var list []protocol.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return list, nil
}

func (t *HTTPTransport) fetchConversation(ctx context.Context, conversationID string) (*protocol.ConversationDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodGet, conversationsPath+"/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var detail protocol.ConversationDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &detail, nil
}

// Subscribe opens the configured event stream.
func (t *HTTPTransport) Subscribe(ctx context.Context, conversationID, agentID string, onEvent EventHandler) (func(), error) {
	return t.subscriber.Subscribe(ctx, conversationID, agentID, onEvent)
}

// Observe registers fn for the metadata of every round trip made through
// the shared client.
func (t *HTTPTransport) Observe(fn MetadataFunc) func() {
	return Instrument(t.client, fn)
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := *t.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if t.tenantID != "" {
		req.Header.Set(protocol.HeaderTenantID, t.tenantID)
	}
	return req, nil
}

// checkStatus turns a non-2xx response into a StatusError carrying the
// gateway's error message when there is one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: msg}
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
