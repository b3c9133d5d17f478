package agent

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/jonboulle/clockwork"
)

// Quota is the outcome of a rate-limit check.
type Quota struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the oldest request in the window expires and frees a slot.
	Reset time.Time
	// RetryAfter is set when the request was refused.
	RetryAfter time.Duration
}

// Metadata renders the quota as response rate-limit metadata.
func (q Quota) Metadata() protocol.Metadata {
	status := http.StatusAccepted
	if !q.Allowed {
		status = http.StatusTooManyRequests
	}
	limit, remaining := q.Limit, q.Remaining
	reset := ceilUnix(q.Reset)
	meta := protocol.Metadata{
		StatusCode: status,
		Limit:      &limit,
		Remaining:  &remaining,
		Reset:      &reset,
	}
	if !q.Allowed {
		secs := int(math.Ceil(q.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		meta.RetryAfter = &secs
	}
	return meta
}

func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() > 0 {
		return t.Unix() + 1
	}
	return t.Unix()
}

// RateLimiter implements a per-key sliding-window rate limiter.
// Keys are tenant and user only, so clients cannot bypass throttling by
// rotating conversation ids.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	clock    clockwork.Clock
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		clock:    clock,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow records a request for key when the window has room and reports the
// resulting quota either way.
func (r *RateLimiter) Allow(key string) Quota {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	recent := pruneBefore(r.requests[key], now.Add(-r.window))

	if len(recent) >= r.limit {
		r.requests[key] = recent
		reset := recent[0].Add(r.window)
		return Quota{
			Allowed:    false,
			Limit:      r.limit,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: reset.Sub(now),
		}
	}

	recent = append(recent, now)
	r.requests[key] = recent
	return Quota{
		Allowed:   true,
		Limit:     r.limit,
		Remaining: r.limit - len(recent),
		Reset:     recent[0].Add(r.window),
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	var fresh []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	ticker := r.clock.NewTicker(r.window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.Chan():
				r.evict()
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-r.window)
	for key, times := range r.requests {
		if fresh := pruneBefore(times, cutoff); len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// Keys returns the number of tracked keys.
func (r *RateLimiter) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	r.stopOnce.Do(func() { close(r.done) })
}
