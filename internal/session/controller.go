// Package session reconciles the agent event stream, message deliveries and
// server quota into the state a chat view renders.
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
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("session closed")
	// ErrRateLimited is returned by Send while the quota is exhausted.
	ErrRateLimited = errors.New("rate limited")
)

// Config configures a Controller.
type Config struct {
	Transport      transport.Transport
	AgentID        string
	ConversationID string // empty starts a new conversation
	Retry          retry.Options
	LimitWindow    time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// RateLimitView is the quota as presented to the user.
type RateLimitView struct {
	IsLimited     bool       `json:"is_limited"`
	Remaining     int        `json:"remaining"`
	Limit         int        `json:"limit"`
	FormattedTime string     `json:"formatted_time,omitempty"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Messages       []Message `json:"messages"`
	AgentRunState
	RateLimit         RateLimitView `json:"rate_limit"`
	LatestAssistantID string        `json:"latest_assistant_id,omitempty"`
}

// ActivityFor returns the run state to show next to messageID. Only the
// latest assistant message carries activity.
func (s Snapshot) ActivityFor(messageID string) (AgentRunState, bool) {
	if messageID == "" || messageID != s.LatestAssistantID {
		return AgentRunState{}, false
	}
	return s.AgentRunState, true
}

// Controller is the session-scoped composition of ledger, reducer, quota
// tracker and event subscription. At most one subscription is live.
type Controller struct {
	transport transport.Transport
	ledger    *Ledger
	limits    *RateLimitTracker
	clock     clockwork.Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// subMu serialises subscription changes; mu guards the fields below
	// and is held for the whole of each event dispatch.
	subMu          sync.Mutex
	mu             sync.Mutex
	agentID        string
	subGen         uint64
	unsubscribe    func()
	opening        bool
	early          []protocol.Event
	releaseObserve func()
	textBuffers    map[string]*strings.Builder
	closed         bool

	listenerMu sync.Mutex
	listener   func()
	dirty      chan struct{}
	done       chan struct{}
}

// New creates a controller and subscribes to its conversation.
func New(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		transport:   cfg.Transport,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
		agentID:     cfg.AgentID,
		textBuffers: make(map[string]*strings.Builder),
		dirty:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.ledger = NewLedger(cfg.ConversationID, LedgerConfig{
		Sender: cfg.Transport,
		Retry:  cfg.Retry,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	c.ledger.SetOnChange(c.markDirty)
	c.limits = NewRateLimitTracker(TrackerConfig{
		Window:   cfg.LimitWindow,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		OnChange: func(RateLimitState) { c.markDirty() },
	})
	c.releaseObserve = cfg.Transport.Observe(func(meta protocol.Metadata) {
		c.limits.UpdateFromMetadata(meta)
	})

	go c.notifyLoop()

	if err := c.resubscribe(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// OnChange registers fn to be called after state changes. Calls are
// coalesced and made from a single goroutine, so fn may call Snapshot.
func (c *Controller) OnChange(fn func()) {
	c.listenerMu.Lock()
	c.listener = fn
	c.listenerMu.Unlock()
}

func (c *Controller) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Controller) notifyLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.dirty:
			if c.isClosed() {
				return
			}
			c.listenerMu.Lock()
			fn := c.listener
			c.listenerMu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}

// Snapshot returns the current state. It panics on a closed controller.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		panic("session: Snapshot called on closed controller")
	}
	agentID := c.agentID
	c.mu.Unlock()

	view := c.ledger.view()
	limits := c.limits.State()
	snap := Snapshot{
		ConversationID: view.conversationID,
		AgentID:        agentID,
		Messages:       view.messages,
		AgentRunState:  view.run,
		RateLimit: RateLimitView{
			IsLimited:     limits.IsLimited,
			Remaining:     limits.Remaining,
			Limit:         limits.Limit,
			FormattedTime: c.limits.FormattedTime(),
			ResetAt:       limits.ResetAt,
		},
	}
	if view.latestAssistant >= 0 {
		snap.LatestAssistantID = view.messages[view.latestAssistant].ID
	}
	return snap
}

// Send delivers a user message to the current agent.
func (c *Controller) Send(ctx context.Context, content string) (Message, error) {
	agentID, err := c.sendable()
	if err != nil {
		return Message{}, err
	}
	return c.ledger.Send(ctx, content, agentID)
}

// Retry redelivers a failed message.
func (c *Controller) Retry(ctx context.Context, messageID, content string) (Message, error) {
	if _, err := c.sendable(); err != nil {
		return Message{}, err
	}
	return c.ledger.Retry(ctx, messageID, content)
}

// RegenerateLast asks the agent to answer the last user message again.
func (c *Controller) RegenerateLast(ctx context.Context) (Message, bool, error) {
	if _, err := c.sendable(); err != nil {
		return Message{}, false, err
	}
	c.mu.Lock()
	clear(c.textBuffers)
	c.mu.Unlock()
	return c.ledger.RegenerateLast(ctx)
}

func (c *Controller) sendable() (string, error) {
	c.mu.Lock()
	closed, agentID := c.closed, c.agentID
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if c.limits.State().IsLimited {
		return "", fmt.Errorf("%w: try again in %s", ErrRateLimited, c.limits.FormattedTime())
	}
	return agentID, nil
}

// StartNewConversation replaces the session with an empty conversation.
func (c *Controller) StartNewConversation() (string, error) {
	id := uuid.NewString()
	if err := c.replace(id, c.currentAgent(), func() {
		c.ledger.Reset(id)
	}); err != nil {
		return "", err
	}
	c.logger.Info("started conversation", "conversation_id", id)
	return id, nil
}

// LoadConversation replaces the session with a persisted conversation.
// The current session is kept when loading fails.
func (c *Controller) LoadConversation(ctx context.Context, conversationID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	history, err := c.transport.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if err := c.replace(conversationID, c.currentAgent(), func() {
		c.ledger.Load(conversationID, FromHistory(history))
	}); err != nil {
		return err
	}
	c.logger.Info("loaded conversation", "conversation_id", conversationID, "messages", len(history))
	return nil
}

// SetAgent switches the agent. The previous agent stays selected when the
// new subscription cannot be opened.
func (c *Controller) SetAgent(agentID string) error {
	if c.currentAgent() == agentID {
		return nil
	}
	return c.replace(c.ledger.ConversationID(), agentID, c.ledger.ResetRun)
}

func (c *Controller) currentAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// ActiveSubscriptions reports how many event subscriptions are live.
func (c *Controller) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return 1
	}
	return 0
}

// Close tears down the subscription, stops timers and releases the
// transport observer. It is safe to call more than once.
func (c *Controller) Close() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	release := c.releaseObserve
	c.releaseObserve = nil
	c.mu.Unlock()

	if release != nil {
		release()
	}
	c.limits.Stop()
	c.cancel()
	close(c.done)
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// replace moves the session to conversationID and agentID. The new
// subscription is opened before any local state changes; when it fails the
// previous subscription is restored and mutate never runs.
func (c *Controller) replace(conversationID, agentID string, mutate func()) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	gen, unsubscribe, err := c.openLocked(conversationID, agentID)
	if err != nil {
		if restoreErr := c.subscribeLocked(); restoreErr != nil && !errors.Is(restoreErr, ErrClosed) {
			err = errors.Join(err, fmt.Errorf("restore subscription: %w", restoreErr))
		}
		return err
	}
	return c.commitLocked(gen, conversationID, agentID, unsubscribe, mutate)
}

func (c *Controller) resubscribe() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subscribeLocked()
}

// subscribeLocked reopens the subscription for the current conversation
// and agent. Caller holds subMu.
func (c *Controller) subscribeLocked() error {
	conversationID, agentID := c.ledger.ConversationID(), c.currentAgent()
	gen, unsubscribe, err := c.openLocked(conversationID, agentID)
	if err != nil {
		return err
	}
	return c.commitLocked(gen, conversationID, agentID, unsubscribe, nil)
}

// openLocked drops the current subscription and opens one for the given
// conversation and agent. Events that arrive before commitLocked are held
// back. Caller holds subMu.
func (c *Controller) openLocked(conversationID, agentID string) (uint64, func(), error) {
	c.mu.Lock()
	c.teardownLocked()
	gen := c.subGen
	c.opening = true
	c.mu.Unlock()

	unsubscribe, err := c.transport.Subscribe(c.ctx, conversationID, agentID, func(evt protocol.Event) {
		c.dispatch(gen, conversationID, evt)
	})
	if err != nil {
		c.mu.Lock()
		if c.subGen == gen {
			c.opening = false
			c.early = nil
		}
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("subscribe to conversation %s: %w", conversationID, err)
	}
	return gen, unsubscribe, nil
}

// commitLocked makes an opened subscription current, applies mutate and
// replays held-back events. Caller holds subMu.
func (c *Controller) commitLocked(gen uint64, conversationID, agentID string, unsubscribe, mutate func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.subGen != gen {
		unsubscribe()
		return ErrClosed
	}
	c.agentID = agentID
	if mutate != nil {
		mutate()
	}
	c.unsubscribe = unsubscribe
	c.opening = false
	early := c.early
	c.early = nil
	for _, evt := range early {
		c.applyLocked(conversationID, evt)
	}
	c.logger.Debug("subscribed", "conversation_id", conversationID, "agent_id", agentID)
	return nil
}

// teardownLocked invalidates in-flight callbacks and drops the
// subscription. Caller holds mu.
func (c *Controller) teardownLocked() {
	c.subGen++
	clear(c.textBuffers)
	c.opening = false
	c.early = nil
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func (c *Controller) dispatch(gen uint64, conversationID string, evt protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.subGen {
		return
	}
	if c.opening {
		c.early = append(c.early, evt)
		return
	}
	c.applyLocked(conversationID, evt)
}

// applyLocked folds one event into the ledger. Caller holds mu.
func (c *Controller) applyLocked(conversationID string, evt protocol.Event) {
	if evt.ConversationID != "" && evt.ConversationID != conversationID {
		return
	}

	switch evt.Type {
	case protocol.EventTextMessageStart:
		c.textBuffers[evt.MessageID] = &strings.Builder{}
	case protocol.EventTextMessageContent:
		buf, ok := c.textBuffers[evt.MessageID]
		if !ok {
			buf = &strings.Builder{}
			c.textBuffers[evt.MessageID] = buf
		}
		buf.WriteString(evt.Delta)
	case protocol.EventTextMessageEnd:
		buf, ok := c.textBuffers[evt.MessageID]
		delete(c.textBuffers, evt.MessageID)
		if ok && buf.Len() > 0 {
			c.ledger.ReceiveAssistant(evt.MessageID, buf.String(), c.agentID)
		}
	}
	c.ledger.Apply(evt)
}
