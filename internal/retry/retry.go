// Package retry provides a bounded-attempt executor with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default policy values.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 8 * time.Second
	DefaultMultiplier   = 2.0
)

// Options configures Do. Zero values fall back to the defaults above.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// ShouldRetry reports whether a failed attempt may be retried.
	// Nil retries every error.
	ShouldRetry func(err error) bool

	// OnRetry is called before waiting for the next attempt. attempt is the
	// 1-based number of the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the backoff wait. Nil uses the real clock.
	Clock clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = DefaultMultiplier
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(error) bool { return true }
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Do calls op until it succeeds, ShouldRetry rejects the error, or
// MaxAttempts calls have been made. The first call is made immediately;
// later calls wait InitialDelay, then InitialDelay*Multiplier, capped at
// MaxDelay. The last error is returned unwrapped so callers can classify it.
// Cancelling ctx during a wait returns ctx.Err().
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()

	var zero T
	delay := opts.InitialDelay
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= opts.MaxAttempts || !opts.ShouldRetry(err) {
			return zero, err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-opts.Clock.After(delay):
		}

		delay = nextDelay(delay, opts.Multiplier, opts.MaxDelay)
	}
}

func nextDelay(current time.Duration, multiplier float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > limit || next <= 0 {
		return limit
	}
	return next
}
