package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy configures in-process retries of a single outbound call.
// It is for integration clients only; the processor never sleeps between
// attempts and instead returns events to the queue.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultPolicy suits fast interactive APIs such as chat push.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// Do calls fn until it succeeds, returns a fatal error, the attempts run
// out, or ctx is done. The last error is returned unchanged so the
// caller's classification still applies.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	backoff := p.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Classify(lastErr).Retryable {
			return lastErr
		}

		// Don't sleep after the last attempt
		if attempt < p.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(jittered(backoff, p.Jitter)):
			}

			backoff = time.Duration(float64(backoff) * p.BackoffFactor)
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
	return lastErr
}

// jittered returns base +/- (base * jitter * random).
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
