package meter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries an operation on transient failures with capped
// exponential backoff.
//
// The first wait is InitialDelay × Multiplier, never less than
// InitialDelay, and each later wait doubles up to MaxDelay. The defaults
// give 1s, 2s, 4s, 8s, then 15s for every later wait, over at most 15
// attempts. A zero MaxDelay uses the default cap.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Logger receives a warning before each wait. Optional.
	Logger Logger

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the policy used for every meter request.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  15,
		InitialDelay: time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   1,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// exponential builds the jitter-free schedule behind Backoff and Do.
func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryPolicy().MaxDelay
	}

	first := max(time.Duration(float64(p.InitialDelay)*mult), p.InitialDelay)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(first, maxDelay)
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-transient error, or the
// attempts run out. The last error is returned unchanged so callers can
// inspect the original cause. Cancelling ctx stops further attempts.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	schedule := backoff.WithMaxRetries(p.exponential(), uint64(attempts-1))

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if p.Logger != nil {
			p.Logger.Warn("request failed, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"wait", wait.String(),
				"error", err,
			)
		}

		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
