package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepaliveInterval  = 10 * time.Second
	defaultRetryDelay         = 5 * time.Second
	wsWriteTimeout            = 10 * time.Second
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// HandlerConfig tunes the HTTP surface of the agent.
type HandlerConfig struct {
	MaxRequestBody    int64
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	// OriginPatterns are the extra hosts allowed to open the WebSocket.
	OriginPatterns []string
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Handler serves the chat, SSE and WebSocket endpoints.
type Handler struct {
	svc     *Service
	broker  *Broker
	limiter *RateLimiter
	cfg     HandlerConfig
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewHandler creates the agent HTTP handler.
func NewHandler(svc *Service, broker *Broker, limiter *RateLimiter, cfg HandlerConfig) *Handler {
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = defaultMaxRequestBodySize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		broker:  broker,
		limiter: limiter,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// RegisterRoutes registers agent routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/stream", h.HandleStream)
	})
	r.Get("/ws/agent", h.HandleWebSocket)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// HandleChat handles POST /api/agent/chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tenantID := identity.TenantIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by tenant and user only (not conversation) so clients cannot
	// bypass throttling by rotating conversation ids.
	quota := h.limiter.Allow(tenantID + ":" + userID)
	quota.Metadata().SetHeaders(w.Header())
	if !quota.Allowed {
		h.logger.Info("chat request rate limited",
			"tenant_id", tenantID,
			"user_id", userID,
			"retry_after", quota.RetryAfter,
		)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBody)

	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	for name, id := range map[string]string{
		"conversation_id": req.ConversationID,
		"message_id":      req.MessageID,
		"agent_id":        req.AgentID,
	} {
		if id != "" && !idPattern.MatchString(id) {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	h.logger.Info("Agent chat request",
		"tenant_id", tenantID,
		"user_id", userID,
		"conversation_id", req.ConversationID,
		"message_id", req.MessageID,
		"message_length", len(req.Message),
	)

	accepted, err := h.svc.Submit(r.Context(), Submission{
		TenantID:       tenantID,
		UserID:         userID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		AgentID:        req.AgentID,
		Message:        req.Message,
		RequestID:      reqID,
	})
	switch {
	case errors.Is(err, ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, "agent unavailable")
		return
	case err != nil:
		h.logger.Error("failed to submit chat message", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "failed to submit message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(accepted); err != nil {
		h.logger.Warn("failed to write chat response", "error", err)
	}
}

func (h *Handler) streamKey(r *http.Request) (StreamKey, bool) {
	key := StreamKey{
		TenantID:       identity.TenantIDFromContext(r.Context()),
		UserID:         identity.UserIDFromContext(r.Context()),
		ConversationID: r.URL.Query().Get("conversation_id"),
	}
	return key, key.UserID != "" && idPattern.MatchString(key.ConversationID)
}

func parseEventID(raw string) int64 {
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// HandleStream handles the SSE event stream of one conversation.
// This version includes:
// - Event ID tracking for replay
// - Configured retry timing
// - Missed event recovery.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	key, ok := h.streamKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	// Parse Last-Event-ID header or query param for replay
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	lastEventID := parseEventID(idHeader)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Configure client retry behavior
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "user_id", key.UserID)
		return
	}

	sub, missed := h.broker.Subscribe(key, lastEventID)
	defer sub.Close()

	connectedData := fmt.Sprintf(`{"status":"connected","conversation_id":%q}`, key.ConversationID)
	if err := writeSSE(w, "connected", connectedData); err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err, "user_id", key.UserID)
		return
	}

	if len(missed) > 0 {
		h.logger.Info("Sending missed events",
			"user_id", key.UserID,
			"conversation_id", key.ConversationID,
			"last_event_id", lastEventID,
			"count", len(missed),
		)
	}
	for _, se := range missed {
		if err := writeStreamEvent(w, se); err != nil {
			h.logger.Warn("failed to replay SSE event", "error", err, "user_id", key.UserID)
			return
		}
	}
	flusher.Flush()

	h.logger.Info("SSE connection established",
		"user_id", key.UserID,
		"conversation_id", key.ConversationID,
		"reconnect", lastEventID > 0,
	)
	defer h.logger.Info("SSE connection closed", "user_id", key.UserID, "conversation_id", key.ConversationID)

	keepalive := h.clock.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case se, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeStreamEvent(w, se); err != nil {
				h.logger.Warn("failed to write SSE event", "error", err, "user_id", key.UserID)
				return
			}
			flusher.Flush()
		case <-keepalive.Chan():
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "user_id", key.UserID)
				return
			}
			flusher.Flush()
		}
	}
}

// HandleWebSocket streams the same events as HandleStream over a WebSocket.
// Each frame is a protocol.Envelope.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	key, ok := h.streamKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	lastEventID := parseEventID(r.URL.Query().Get("last_event_id"))

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	sub, missed := h.broker.Subscribe(key, lastEventID)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err, "user_id", key.UserID)
		return
	}
	defer conn.CloseNow()

	// The client never sends data; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for _, se := range missed {
		if err := h.writeEnvelope(ctx, conn, se); err != nil {
			h.logger.Warn("failed to replay websocket event", "error", err, "user_id", key.UserID)
			return
		}
	}

	h.logger.Info("WebSocket connection established",
		"user_id", key.UserID,
		"conversation_id", key.ConversationID,
		"reconnect", lastEventID > 0,
	)

	keepalive := h.clock.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case se, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "stream reset")
				return
			}
			if err := h.writeEnvelope(ctx, conn, se); err != nil {
				h.logger.Warn("failed to write websocket event", "error", err, "user_id", key.UserID)
				return
			}
		case <-keepalive.Chan():
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Info("websocket ping failed", "error", err, "user_id", key.UserID)
				return
			}
		}
	}
}

func (h *Handler) writeEnvelope(ctx context.Context, conn *websocket.Conn, se StreamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, protocol.Envelope{ID: se.ID, Event: se.Event})
}

func writeStreamEvent(w io.Writer, se StreamEvent) error {
	data, err := json.Marshal(se.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return writeSSEWithID(w, se.ID, "message", string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
