// Package retry implements the shared retry policy: a retryable predicate, a
// backoff schedule, and a bounded attempt count.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Default schedules for the embedding provider, the metadata store, and the
// object store.
var (
	ProviderDelays = []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
	}
	StoreDelays = []time.Duration{
		300 * time.Millisecond,
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		5000 * time.Millisecond,
	}
	ObjectDelays = []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
	}
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy decides whether and when a failed call is attempted again.
type Policy struct {
	// Delays is the wait before each retry. The last entry repeats if
	// MaxAttempts asks for more retries than there are delays.
	Delays []time.Duration

	// MaxAttempts bounds the total number of calls including the first.
	// Zero means len(Delays)+1.
	MaxAttempts int

	// Retryable classifies an error. Nil means nothing is retried.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep replaces the timer-based wait, mainly for tests.
	Sleep Sleeper
}

// NewPolicy builds a policy over delays with the given predicate.
func NewPolicy(delays []time.Duration, retryable func(error) bool) Policy {
	return Policy{Delays: append([]time.Duration(nil), delays...), Retryable: retryable}
}

func (p Policy) attempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return len(p.Delays) + 1
}

func (p Policy) delay(retry int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if retry >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[retry]
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Wait
	}
	limit := p.attempts()

	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == limit {
			break
		}

		d := p.delay(attempt - 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt, d, err)
		}
		if err := sleep(ctx, d); err != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		}
	}
	return fmt.Errorf("max retries exceeded after %d attempts: %w", limit, lastErr)
}

// Wait sleeps for d unless ctx finishes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
