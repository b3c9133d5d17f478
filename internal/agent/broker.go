package agent

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/jonboulle/clockwork"
)

const (
	defaultReplaySize      = 100
	subscriberBufferSize   = 64
	defaultStreamIdleAfter = 10 * time.Minute
)

// StreamKey identifies the event stream of one conversation of one user.
type StreamKey struct {
	TenantID       string
	UserID         string
	ConversationID string
}

// StreamEvent is a published event with its stream-wide id.
type StreamEvent struct {
	ID    int64
	Event protocol.Event
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// ReplaySize bounds the events kept per stream for Last-Event-ID replay.
	ReplaySize int
	// IdleAfter is how long a stream without subscribers keeps its replay
	// buffer before it is swept.
	IdleAfter time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Broker fans agent events out to the SSE and WebSocket connections of a
// conversation. Each stream keeps a bounded replay buffer so a client that
// reconnects with its last event id receives what it missed.
type Broker struct {
	mu         sync.Mutex
	seq        int64
	nextSubID  int64
	streams    map[StreamKey]*brokerStream
	replaySize int
	idleAfter  time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

type brokerStream struct {
	history    *list.List // of StreamEvent, oldest first
	subs       map[int64]*Subscription
	lastActive time.Time
}

// Subscription receives the live events of one stream. C is closed when the
// subscription ends, either by Close or because the subscriber fell behind.
type Subscription struct {
	C <-chan StreamEvent

	id     int64
	key    StreamKey
	ch     chan StreamEvent
	broker *Broker
	once   sync.Once
}

// NewBroker creates a broker and starts its idle-stream sweeper.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = defaultReplaySize
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = defaultStreamIdleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Broker{
		streams:    make(map[StreamKey]*brokerStream),
		replaySize: cfg.ReplaySize,
		idleAfter:  cfg.IdleAfter,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
	}
	go b.sweepLoop(b.clock.NewTicker(b.idleAfter))
	return b
}

func (b *Broker) streamLocked(key StreamKey) *brokerStream {
	s, ok := b.streams[key]
	if !ok {
		s = &brokerStream{history: list.New(), subs: make(map[int64]*Subscription)}
		b.streams[key] = s
	}
	s.lastActive = b.clock.Now()
	return s
}

// Publish assigns evt the next event id, buffers it for replay and delivers
// it to every live subscriber of key. A subscriber whose buffer is full is
// dropped; it recovers by reconnecting with its last event id.
func (b *Broker) Publish(key StreamKey, evt protocol.Event) StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	se := StreamEvent{ID: b.seq, Event: evt}
	s := b.streamLocked(key)
	s.history.PushBack(se)
	// Evict oldest messages only within this stream's buffer.
	for s.history.Len() > b.replaySize {
		s.history.Remove(s.history.Front())
	}

	for id, sub := range s.subs {
		select {
		case sub.ch <- se:
		default:
			b.logger.Warn("dropping slow stream subscriber",
				"conversation_id", key.ConversationID,
				"user_id", key.UserID,
				"subscriber_id", id,
			)
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return se
}

// Subscribe registers a subscriber for key and returns the buffered events
// with an id greater than afterID. Replay and registration happen under one
// lock, so no event is missed or delivered twice.
func (b *Broker) Subscribe(key StreamKey, afterID int64) (*Subscription, []StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streamLocked(key)
	var missed []StreamEvent
	if afterID > 0 {
		for e := s.history.Front(); e != nil; e = e.Next() {
			if se := e.Value.(StreamEvent); se.ID > afterID {
				missed = append(missed, se)
			}
		}
	}

	b.nextSubID++
	ch := make(chan StreamEvent, subscriberBufferSize)
	sub := &Subscription{C: ch, id: b.nextSubID, key: key, ch: ch, broker: b}
	select {
	case <-b.done:
		close(ch)
		return sub, missed
	default:
	}
	s.subs[sub.id] = sub
	return sub, missed
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		stream, ok := b.streams[s.key]
		if !ok {
			return
		}
		if _, live := stream.subs[s.id]; live {
			delete(stream.subs, s.id)
			close(s.ch)
		}
		stream.lastActive = b.clock.Now()
	})
}

// Subscribers returns the number of live subscribers of key.
func (b *Broker) Subscribers(key StreamKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[key]; ok {
		return len(s.subs)
	}
	return 0
}

// Sweep drops the replay buffers of streams that had no subscriber and no
// event for longer than the idle period. It returns the number removed.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.clock.Now().Add(-b.idleAfter)
	removed := 0
	for key, s := range b.streams {
		if len(s.subs) == 0 && s.lastActive.Before(cutoff) {
			delete(b.streams, key)
			removed++
		}
	}
	return removed
}

func (b *Broker) sweepLoop(ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.Chan():
			if n := b.Sweep(); n > 0 {
				b.logger.Debug("swept idle event streams", "count", n)
			}
		}
	}
}

// Close ends every subscription and stops the sweeper.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, s := range b.streams {
			for id, sub := range s.subs {
				delete(s.subs, id)
				close(sub.ch)
			}
		}
	})
}
