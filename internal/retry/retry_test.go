package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_MaxAttempts(t *testing.T) {
	assert.Equal(t, 1, Policy{}.MaxAttempts())
	assert.Equal(t, 3, Policy{Delays: []time.Duration{time.Millisecond, time.Millisecond}}.MaxAttempts())
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Policy{Delays: []time.Duration{time.Millisecond}}.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Policy{Delays: []time.Duration{time.Millisecond, time.Millisecond}}.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRun_ExhaustsSchedule(t *testing.T) {
	sentinel := errors.New("still broken")
	calls := 0
	err := Policy{Delays: []time.Duration{time.Millisecond, time.Millisecond}}.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, sentinel)
}

func TestRun_ZeroPolicySingleAttempt(t *testing.T) {
	calls := 0
	err := Policy{}.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRun_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Policy{Delays: []time.Duration{time.Hour}}.Run(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
