package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Do to return")
		return nil
	}
}

func TestDoStopsAfterMaxAttemptsWithBackoff(t *testing.T) {
	fc := clockwork.NewFakeClock()
	start := fc.Now()

	calls := 0
	var delays []time.Duration
	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), func(context.Context) (int, error) {
			calls++
			return 0, errBoom
		}, Options{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			Multiplier:   2,
			Clock:        fc,
			OnRetry: func(_ int, _ error, delay time.Duration) {
				delays = append(delays, delay)
			},
		})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Second)
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(2 * time.Second)

	err := waitResult(t, done)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Equal(t, 3*time.Second, fc.Since(start))
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	fc := clockwork.NewFakeClock()
	calls := 0
	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := Do(context.Background(), func(context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", errBoom
			}
			return "ok", nil
		}, Options{Clock: fc})
		done <- result{v, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(DefaultInitialDelay)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "ok", r.value)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, 2, calls)
}

func TestDoDoesNotRetryRejectedErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, errBoom
	}, Options{
		ShouldRetry: func(error) bool { return false },
		OnRetry: func(int, error, time.Duration) {
			t.Fatal("OnRetry must not be called for non-retryable errors")
		},
	})

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestDoFirstAttemptHasNoDelay(t *testing.T) {
	fc := clockwork.NewFakeClock()
	start := fc.Now()

	v, err := Do(context.Background(), func(context.Context) (int, error) {
		return 7, nil
	}, Options{Clock: fc})

	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, time.Duration(0), fc.Since(start))
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, func(context.Context) (int, error) {
			return 0, errBoom
		}, Options{Clock: fc})
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, fc.BlockUntilContext(waitCtx, 1))
	cancel()

	assert.ErrorIs(t, waitResult(t, done), context.Canceled)
}

func TestNextDelayCapsAtMax(t *testing.T) {
	tests := []struct {
		name    string
		current time.Duration
		want    time.Duration
	}{
		{name: "doubles", current: time.Second, want: 2 * time.Second},
		{name: "reaches cap", current: 4 * time.Second, want: 8 * time.Second},
		{name: "clamped", current: 6 * time.Second, want: 8 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextDelay(tt.current, 2, 8*time.Second))
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultMaxAttempts, opts.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, opts.InitialDelay)
	assert.Equal(t, DefaultMaxDelay, opts.MaxDelay)
	assert.Equal(t, DefaultMultiplier, opts.Multiplier)
	assert.True(t, opts.ShouldRetry(errBoom))
	assert.NotNil(t, opts.Clock)
}
