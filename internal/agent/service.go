package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// historyWindow bounds the prior messages handed to the agent with each run.
const historyWindow = 50

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Processor Processor
	Repo      store.Repository
	Broker    *Broker
	Log       ConversationLogger
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Service accepts chat messages, runs the agent for them in the background
// and publishes the run's events to the conversation stream.
type Service struct {
	processor Processor
	repo      store.Repository
	broker    *Broker
	log       ConversationLogger
	clock     clockwork.Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	submitted  atomic.Int64
	duplicates atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	active     atomic.Int64
}

// NewService creates a new agent service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("agent processor is required")
	}
	if cfg.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Log == nil {
		cfg.Log = noopConversationLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		processor: cfg.Processor,
		repo:      cfg.Repo,
		broker:    cfg.Broker,
		log:       cfg.Log,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Submit persists the user message and starts the agent run for it. The
// message id makes submissions idempotent: a redelivered message is
// acknowledged again without a second run.
func (s *Service) Submit(ctx context.Context, sub Submission) (protocol.ChatAccepted, error) {
	if sub.ConversationID == "" {
		sub.ConversationID = uuid.NewString()
	}
	if sub.MessageID == "" {
		sub.MessageID = uuid.NewString()
	}
	accepted := protocol.ChatAccepted{ConversationID: sub.ConversationID, MessageID: sub.MessageID}

	now := s.clock.Now()
	conv := &domain.Conversation{
		ID:        sub.ConversationID,
		TenantID:  sub.TenantID,
		UserID:    sub.UserID,
		AgentID:   sub.AgentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.EnsureConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return accepted, ErrConversationNotFound
		}
		return accepted, fmt.Errorf("ensure conversation: %w", err)
	}

	// Load prior turns before the new message lands so it is not repeated.
	prior, err := s.repo.ListMessages(ctx, sub.ConversationID)
	if err != nil {
		return accepted, fmt.Errorf("load history: %w", err)
	}

	inserted, err := s.repo.AppendMessage(ctx, &domain.StoredMessage{
		ID:             sub.MessageID,
		ConversationID: sub.ConversationID,
		Role:           protocol.RoleUser,
		Content:        sub.Message,
		AgentID:        sub.AgentID,
		CreatedAt:      now,
	})
	if err != nil {
		return accepted, fmt.Errorf("store message: %w", err)
	}
	if !inserted {
		s.duplicates.Add(1)
		s.logger.Info("duplicate chat message acknowledged",
			"conversation_id", sub.ConversationID,
			"message_id", sub.MessageID,
		)
		return accepted, nil
	}

	s.log.Log(ConversationLogEvent{
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
		TenantID:       sub.TenantID,
		UserID:         sub.UserID,
		ConversationID: sub.ConversationID,
		Channel:        "chat_http",
		Direction:      "outbound",
		EventType:      "chat_user_message",
		ContentRaw:     sub.Message,
		Content:        cleanForReadability(sub.Message),
		Meta: map[string]any{
			"request_id": sub.RequestID,
			"message_id": sub.MessageID,
			"agent_id":   sub.AgentID,
		},
	})

	req := Request{
		TenantID:       sub.TenantID,
		UserID:         sub.UserID,
		ConversationID: sub.ConversationID,
		MessageID:      sub.MessageID,
		AgentID:        sub.AgentID,
		Message:        sub.Message,
		History:        toHistory(prior, historyWindow),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return accepted, ErrServiceClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.submitted.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.run(req, sub.RequestID)
	}()

	return accepted, nil
}

// run drives one agent run to completion and publishes its events.
// Assistant text is assembled per message id and stored on
// TEXT_MESSAGE_END.
func (s *Service) run(req Request, requestID string) {
	key := StreamKey{TenantID: req.TenantID, UserID: req.UserID, ConversationID: req.ConversationID}
	texts := make(map[string]*strings.Builder)
	chunks := 0
	terminal := false

	for evt, err := range s.processor.Run(s.ctx, req) {
		if err != nil {
			if s.ctx.Err() != nil {
				s.logger.Info("agent run cancelled by shutdown", "conversation_id", req.ConversationID)
				return
			}
			s.failed.Add(1)
			s.logger.Error("Agent run failed", "conversation_id", req.ConversationID, "message_id", req.MessageID, "error", err)
			s.publish(key, protocol.Event{
				Type:  protocol.EventRunError,
				Error: &protocol.RunError{Message: err.Error(), Code: ErrorCodeAgent},
			})
			s.logRun(req, "run_error", err.Error(), map[string]any{"request_id": requestID, "stream_chunks": chunks})
			return
		}
		if evt == nil {
			continue
		}

		switch evt.Type {
		case protocol.EventTextMessageStart:
			texts[evt.MessageID] = &strings.Builder{}
		case protocol.EventTextMessageContent:
			b, ok := texts[evt.MessageID]
			if !ok {
				b = &strings.Builder{}
				texts[evt.MessageID] = b
			}
			b.WriteString(evt.Delta)
			chunks++
		case protocol.EventTextMessageEnd:
			if b, ok := texts[evt.MessageID]; ok {
				delete(texts, evt.MessageID)
				s.storeAssistant(req, evt.MessageID, b.String(), requestID, chunks)
			}
		case protocol.EventRunFinished:
			terminal = true
			s.completed.Add(1)
		case protocol.EventRunError:
			terminal = true
			s.failed.Add(1)
		}
		s.publish(key, *evt)
	}

	if !terminal && s.ctx.Err() == nil {
		s.completed.Add(1)
		s.publish(key, protocol.Event{Type: protocol.EventRunFinished})
	}
}

func (s *Service) publish(key StreamKey, evt protocol.Event) {
	if evt.ConversationID == "" {
		evt.ConversationID = key.ConversationID
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = s.clock.Now().UnixMilli()
	}
	s.broker.Publish(key, evt)
}

func (s *Service) storeAssistant(req Request, messageID, content, requestID string, chunks int) {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()

	if _, err := s.repo.AppendMessage(ctx, &domain.StoredMessage{
		ID:             messageID,
		ConversationID: req.ConversationID,
		Role:           protocol.RoleAssistant,
		Content:        content,
		AgentID:        req.AgentID,
		CreatedAt:      s.clock.Now(),
	}); err != nil {
		s.logger.Error("failed to store assistant message",
			"conversation_id", req.ConversationID,
			"message_id", messageID,
			"error", err,
		)
	}
	s.logRun(req, "chat_assistant_message", content, map[string]any{
		"request_id":    requestID,
		"message_id":    messageID,
		"stream_chunks": chunks,
	})
}

func (s *Service) logRun(req Request, eventType, content string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:      s.clock.Now().UTC().Format(time.RFC3339Nano),
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Channel:        "chat_http",
		Direction:      "inbound",
		EventType:      eventType,
		ContentRaw:     content,
		Content:        cleanForReadability(content),
		Meta:           meta,
	})
}

func toHistory(msgs []*domain.StoredMessage, limit int) []protocol.HistoryMessage {
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]protocol.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.HistoryMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			AgentID:   m.AgentID,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

// Health reports whether the agent backend is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.processor.Health(ctx)
}

// GetStats returns agent run counters.
func (s *Service) GetStats() Stats {
	return Stats{
		Submitted:  s.submitted.Load(),
		Duplicates: s.duplicates.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Active:     s.active.Load(),
	}
}

// Wait blocks until every run started so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels running agent runs, waits for them and releases the processor.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if s.processor != nil {
		s.processor.Close()
	}
}
