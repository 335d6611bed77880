package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysRetryable(error) bool { return true }
func neverRetryable(error) bool  { return false }

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultLinearConfig(), alwaysRetryable, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	cfg := &Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Policy: Linear}
	calls := 0
	err := Do(context.Background(), cfg, alwaysRetryable, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultLinearConfig(), neverRetryable, func() error {
		calls++
		return errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	cfg := &Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Policy: Exponential}
	calls := 0
	err := Do(context.Background(), cfg, alwaysRetryable, func() error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := &Config{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second, Policy: Linear}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, alwaysRetryable, func() error {
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayFor_LinearGrows(t *testing.T) {
	cfg := &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Policy: Linear}
	assert.Equal(t, 100*time.Millisecond, delayFor(0, cfg))
	assert.Equal(t, 200*time.Millisecond, delayFor(1, cfg))
	assert.Equal(t, 300*time.Millisecond, delayFor(2, cfg))
}

func TestDelayFor_ExponentialCapsAtMax(t *testing.T) {
	cfg := &Config{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Policy: Exponential}
	assert.Equal(t, 3*time.Second, delayFor(5, cfg))
}
