package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
	"github.com/ashureev/shsh-chat/internal/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrEmptyContent is returned when sending a blank message.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNotRetryable is returned when retrying a message that is unknown
	// or not in the error state.
	ErrNotRetryable = errors.New("message is not retryable")
	// ErrSuperseded is returned when the conversation was replaced while a
	// send was in flight. The result was dropped.
	ErrSuperseded = errors.New("conversation replaced during send")
)

// MessageStatus is the delivery state of a user message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// Message is one entry of the conversation as shown to the user.
type Message struct {
	ID           string        `json:"id"`
	Role         protocol.Role `json:"role"`
	Content      string        `json:"content"`
	CreatedAt    time.Time     `json:"created_at"`
	AgentID      string        `json:"agent_id,omitempty"`
	Status       MessageStatus `json:"status"`
	HasError     bool          `json:"has_error,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Sender delivers a user message to the gateway.
type Sender interface {
	Send(ctx context.Context, req transport.SendRequest) (*transport.Response, error)
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	Sender Sender
	Retry  retry.Options
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Ledger is the ordered message list of one conversation plus the run state
// of its agent. It is the only component that calls the transport to send.
type Ledger struct {
	mu     sync.Mutex
	sender Sender
	retry  retry.Options
	clock  clockwork.Clock
	logger *slog.Logger

	conversationID  string
	messages        []Message
	latestAssistant int
	run             AgentRunState
	generation      uint64
	deliveries      int
	onChange        func()
}

// NewLedger creates an empty ledger for conversationID.
func NewLedger(conversationID string, cfg LedgerConfig) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		sender:          cfg.Sender,
		retry:           cfg.Retry,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		conversationID:  conversationID,
		latestAssistant: -1,
	}
}

// SetOnChange registers a listener called after every mutation.
func (l *Ledger) SetOnChange(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// ConversationID returns the conversation the ledger belongs to.
func (l *Ledger) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// Messages returns a copy of the ordered message list.
func (l *Ledger) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

// LatestAssistantIndex is the index of the most recent assistant message,
// or -1 when there is none.
func (l *Ledger) LatestAssistantIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestAssistant
}

// ledgerView is a consistent copy of the ledger taken under one lock.
type ledgerView struct {
	conversationID  string
	messages        []Message
	latestAssistant int
	run             AgentRunState
}

func (l *Ledger) view() ledgerView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledgerView{
		conversationID:  l.conversationID,
		messages:        append([]Message(nil), l.messages...),
		latestAssistant: l.latestAssistant,
		run:             l.run,
	}
}

// RunState returns the current agent run state.
func (l *Ledger) RunState() AgentRunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.run
}

// Generation changes every time the conversation is replaced.
func (l *Ledger) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// Deliveries counts transport send attempts since the last reset.
func (l *Ledger) Deliveries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deliveries
}

// Send appends an optimistic user message and delivers it. Connection-level
// failures are retried with the same message id; the entry ends in the sent
// or error state and is kept either way.
func (l *Ledger) Send(ctx context.Context, content, agentID string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	l.mu.Lock()
	msg := Message{
		ID:        uuid.NewString(),
		Role:      protocol.RoleUser,
		Content:   content,
		CreatedAt: l.clock.Now(),
		AgentID:   agentID,
		Status:    StatusPending,
	}
	l.messages = append(l.messages, msg)
	l.recomputeLocked()
	gen := l.generation
	req := transport.SendRequest{
		ConversationID: l.conversationID,
		MessageID:      msg.ID,
		Content:        content,
		AgentID:        agentID,
	}
	notify := l.onChange
	l.mu.Unlock()
	call(notify)

	opts := l.retry
	opts.Clock = l.clock
	opts.ShouldRetry = transport.IsTransient
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		l.logger.Warn("message delivery failed, retrying",
			"conversation_id", req.ConversationID,
			"message_id", req.MessageID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	_, sendErr := retry.Do(ctx, func(ctx context.Context) (*transport.Response, error) {
		l.mu.Lock()
		if l.generation != gen {
			l.mu.Unlock()
			return nil, ErrSuperseded
		}
		l.deliveries++
		l.mu.Unlock()
		return l.sender.Send(ctx, req)
	}, opts)

	l.mu.Lock()
	if l.generation != gen {
		l.mu.Unlock()
		l.logger.Debug("dropping send result for replaced conversation", "message_id", msg.ID)
		return msg, ErrSuperseded
	}
	idx := l.indexLocked(msg.ID)
	if idx < 0 {
		l.mu.Unlock()
		return msg, ErrSuperseded
	}
	if sendErr != nil {
		l.messages[idx].Status = StatusError
		l.messages[idx].HasError = true
		l.messages[idx].ErrorMessage = sendErr.Error()
	} else {
		l.messages[idx].Status = StatusSent
	}
	msg = l.messages[idx]
	notify = l.onChange
	l.mu.Unlock()
	call(notify)

	if sendErr != nil {
		l.logger.Error("message delivery failed",
			"conversation_id", req.ConversationID,
			"message_id", msg.ID,
			"error", sendErr,
		)
		return msg, fmt.Errorf("send message: %w", sendErr)
	}
	return msg, nil
}

// Retry replaces a failed message with a fresh delivery. Empty content
// resends the original text.
func (l *Ledger) Retry(ctx context.Context, messageID, content string) (Message, error) {
	l.mu.Lock()
	idx := l.indexLocked(messageID)
	if idx < 0 || l.messages[idx].Status != StatusError {
		l.mu.Unlock()
		return Message{}, ErrNotRetryable
	}
	failed := l.messages[idx]
	l.messages = append(l.messages[:idx], l.messages[idx+1:]...)
	l.recomputeLocked()
	l.mu.Unlock()

	if content == "" {
		content = failed.Content
	}
	return l.Send(ctx, content, failed.AgentID)
}

// RegenerateLast drops the most recent user message together with the
// assistant replies after it and sends its content again. It reports false
// when there is no user message.
func (l *Ledger) RegenerateLast(ctx context.Context) (Message, bool, error) {
	l.mu.Lock()
	last := -1
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == protocol.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		l.mu.Unlock()
		return Message{}, false, nil
	}

	prompt := l.messages[last]
	kept := l.messages[:last:last]
	for _, m := range l.messages[last+1:] {
		if m.Role != protocol.RoleAssistant {
			kept = append(kept, m)
		}
	}
	l.messages = kept
	l.run = AgentRunState{}
	l.recomputeLocked()
	l.mu.Unlock()

	msg, err := l.Send(ctx, prompt.Content, prompt.AgentID)
	return msg, true, err
}

// ReceiveAssistant appends an assistant reply unless it repeats the most
// recent assistant message. It reports whether the message was added.
func (l *Ledger) ReceiveAssistant(id, content, agentID string) bool {
	l.mu.Lock()
	if l.latestAssistant >= 0 && l.messages[l.latestAssistant].Content == content {
		l.mu.Unlock()
		return false
	}
	if id == "" {
		id = uuid.NewString()
	}
	l.messages = append(l.messages, Message{
		ID:        id,
		Role:      protocol.RoleAssistant,
		Content:   content,
		CreatedAt: l.clock.Now(),
		AgentID:   agentID,
		Status:    StatusSent,
	})
	l.recomputeLocked()
	notify := l.onChange
	l.mu.Unlock()
	call(notify)
	return true
}

// Apply folds one protocol event into the run state.
func (l *Ledger) Apply(evt protocol.Event) {
	l.mu.Lock()
	l.run = Reduce(l.run, evt, l.clock.Now(), l.logger)
	notify := l.onChange
	l.mu.Unlock()
	call(notify)
}

// ResetRun clears the run state without touching messages.
func (l *Ledger) ResetRun() {
	l.mu.Lock()
	l.run = AgentRunState{}
	l.mu.Unlock()
}

// Reset empties the ledger for a new conversation.
func (l *Ledger) Reset(conversationID string) {
	l.Load(conversationID, nil)
}

// Load replaces the ledger with messages of conversationID. Sends still in
// flight for the previous conversation are dropped.
func (l *Ledger) Load(conversationID string, messages []Message) {
	l.mu.Lock()
	l.generation++
	l.conversationID = conversationID
	l.messages = append([]Message(nil), messages...)
	l.run = AgentRunState{}
	l.deliveries = 0
	l.recomputeLocked()
	notify := l.onChange
	l.mu.Unlock()
	call(notify)
}

// FromHistory converts persisted messages into ledger entries.
func FromHistory(history []protocol.HistoryMessage) []Message {
	out := make([]Message, 0, len(history))
	for _, h := range history {
		out = append(out, Message{
			ID:        h.ID,
			Role:      h.Role,
			Content:   h.Content,
			CreatedAt: h.CreatedAt,
			AgentID:   h.AgentID,
			Status:    StatusSent,
		})
	}
	return out
}

func (l *Ledger) indexLocked(id string) int {
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) recomputeLocked() {
	l.latestAssistant = -1
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == protocol.RoleAssistant {
			l.latestAssistant = i
			return
		}
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
