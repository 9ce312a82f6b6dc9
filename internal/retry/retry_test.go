package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func recordingSleeper(waits *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDoSucceedsAfterTwoRetryableFailures(t *testing.T) {
	var waits []time.Duration
	p := NewPolicy(ProviderDelays, isTransient)
	p.Sleep = recordingSleeper(&waits)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}, waits)

	var total time.Duration
	for _, w := range waits {
		total += w
	}
	assert.Equal(t, ProviderDelays[0]+ProviderDelays[1], total)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	var waits []time.Duration
	p := NewPolicy(StoreDelays, isTransient)
	p.Sleep = recordingSleeper(&waits)

	permanent := errors.New("syntax error")
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestDoExhaustsBudget(t *testing.T) {
	var waits []time.Duration
	p := NewPolicy(StoreDelays, isTransient)
	p.Sleep = recordingSleeper(&waits)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, len(StoreDelays)+1, calls)
	assert.Equal(t, StoreDelays, waits)
}

func TestDoRepeatsLastDelayPastSchedule(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		Delays:      []time.Duration{time.Millisecond, 2 * time.Millisecond},
		MaxAttempts: 4,
		Retryable:   isTransient,
		Sleep:       recordingSleeper(&waits),
	}
	_ = p.Do(context.Background(), func(context.Context) error { return errTransient })
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy([]time.Duration{time.Hour}, isTransient)
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	err := p.Do(ctx, func(context.Context) error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
}
