package session

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/jonboulle/clockwork"
)

// Rate limit defaults used before the server has reported anything.
const (
	DefaultRequestLimit = 30
	DefaultLimitWindow  = 60 * time.Second
)

const countdownInterval = time.Second

// RateLimitState is the client-side view of the server quota.
// IsLimited implies ResetAt is set.
type RateLimitState struct {
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	IsLimited bool       `json:"is_limited"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// DefaultRateLimitState returns the state used until the first response.
func DefaultRateLimitState() RateLimitState {
	return RateLimitState{Limit: DefaultRequestLimit, Remaining: DefaultRequestLimit}
}

// TrackerConfig configures a RateLimitTracker.
type TrackerConfig struct {
	// Window is assumed when a 429 carries neither Reset nor Retry-After.
	Window   time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
	OnChange func(RateLimitState)
}

// RateLimitTracker derives quota state from response metadata and runs a
// one-second countdown while limited.
type RateLimitTracker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	window   time.Duration
	logger   *slog.Logger
	onChange func(RateLimitState)

	state   RateLimitState
	ticker  clockwork.Ticker
	stop    chan struct{}
	armed   int
	stopped bool
}

// NewRateLimitTracker creates a tracker in the default state.
func NewRateLimitTracker(cfg TrackerConfig) *RateLimitTracker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultLimitWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RateLimitTracker{
		clock:    cfg.Clock,
		window:   cfg.Window,
		logger:   cfg.Logger,
		onChange: cfg.OnChange,
		state:    DefaultRateLimitState(),
	}
}

// SetOnChange replaces the change listener.
func (t *RateLimitTracker) SetOnChange(fn func(RateLimitState)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// UpdateFromMetadata folds one round trip's metadata into the quota state
// and returns the result.
func (t *RateLimitTracker) UpdateFromMetadata(meta protocol.Metadata) RateLimitState {
	t.mu.Lock()
	if t.stopped {
		state := t.state
		t.mu.Unlock()
		return state
	}

	// A response without quota headers says nothing about the quota.
	if meta.StatusCode != http.StatusTooManyRequests && !meta.HasRateLimit() {
		state := t.state
		t.mu.Unlock()
		return state
	}

	now := t.clock.Now()
	next := t.state
	if meta.Limit != nil && *meta.Limit >= 0 {
		next.Limit = *meta.Limit
	}
	if meta.Remaining != nil && *meta.Remaining >= 0 {
		next.Remaining = *meta.Remaining
	}

	if meta.StatusCode == http.StatusTooManyRequests || next.Remaining == 0 {
		resetAt := t.resetTime(meta, now)
		if t.state.IsLimited && t.state.ResetAt != nil && t.state.ResetAt.After(now) && meta.Reset == nil && meta.RetryAfter == nil {
			// No new reset hint: keep counting down to the known one.
			resetAt = *t.state.ResetAt
		}
		next.IsLimited = true
		next.ResetAt = &resetAt
		t.state = next
		t.armLocked()
		t.logger.Debug("rate limited",
			"status_code", meta.StatusCode,
			"remaining", next.Remaining,
			"reset_at", resetAt,
		)
	} else {
		next.IsLimited = false
		next.ResetAt = nil
		t.state = next
		t.disarmLocked()
	}

	state := t.state
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(state)
	}
	return state
}

// resetTime prefers the absolute reset, then Retry-After, then the window.
// A reset that already passed is treated as absent.
func (t *RateLimitTracker) resetTime(meta protocol.Metadata, now time.Time) time.Time {
	if meta.Reset != nil {
		if at := time.Unix(*meta.Reset, 0); at.After(now) {
			return at
		}
	}
	if meta.RetryAfter != nil {
		return now.Add(time.Duration(*meta.RetryAfter) * time.Second)
	}
	return now.Add(t.window)
}

// State returns the current quota state, applying expiry first.
func (t *RateLimitTracker) State() RateLimitState {
	t.mu.Lock()
	expired := t.expireLocked()
	state := t.state
	cb := t.onChange
	t.mu.Unlock()

	if expired && cb != nil {
		cb(state)
	}
	return state
}

// FormattedTime renders the time until reset as "Ns" or "Mm Ss".
// It is empty when not limited.
func (t *RateLimitTracker) FormattedTime() string {
	t.mu.Lock()
	t.expireLocked()
	state := t.state
	now := t.clock.Now()
	t.mu.Unlock()

	if !state.IsLimited || state.ResetAt == nil {
		return ""
	}
	return formatCountdown(state.ResetAt.Sub(now))
}

func formatCountdown(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}

// Reset restores the default state and stops the countdown.
func (t *RateLimitTracker) Reset() {
	t.mu.Lock()
	t.state = DefaultRateLimitState()
	t.disarmLocked()
	state := t.state
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

// Stop releases the countdown. Later updates are ignored.
func (t *RateLimitTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.disarmLocked()
	t.mu.Unlock()
}

// ActiveCountdowns reports how many countdown tickers are live.
func (t *RateLimitTracker) ActiveCountdowns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// expireLocked reverts to the unlimited state once ResetAt has passed.
// Limit, Remaining and IsLimited change together under the lock.
func (t *RateLimitTracker) expireLocked() bool {
	if !t.state.IsLimited || t.state.ResetAt == nil {
		return false
	}
	if t.clock.Now().Before(*t.state.ResetAt) {
		return false
	}
	t.state = RateLimitState{Limit: t.state.Limit, Remaining: t.state.Limit}
	t.disarmLocked()
	return true
}

func (t *RateLimitTracker) armLocked() {
	t.disarmLocked()
	ticker := t.clock.NewTicker(countdownInterval)
	stop := make(chan struct{})
	t.ticker = ticker
	t.stop = stop
	t.armed++
	go t.countdown(ticker, stop)
}

func (t *RateLimitTracker) disarmLocked() {
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.ticker = nil
	t.stop = nil
	t.armed--
}

func (t *RateLimitTracker) countdown(ticker clockwork.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !t.tick(stop) {
				return
			}
		}
	}
}

// tick reports whether the countdown identified by stop should keep running.
func (t *RateLimitTracker) tick(stop chan struct{}) bool {
	t.mu.Lock()
	if t.stop != stop {
		t.mu.Unlock()
		return false
	}
	expired := t.expireLocked()
	state := t.state
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(state)
	}
	return !expired
}
