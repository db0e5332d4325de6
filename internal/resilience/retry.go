package resilience

import (
	"context"
	"time"
)

// Policy defines a bounded exponential backoff retry.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	// IsRetryable filters errors; nil retries everything.
	IsRetryable func(error) bool
}

// DefaultPolicy matches the processing pipeline defaults: two retries with a
// 2 second base delay doubling each attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2,
	}
}

// Do runs fn up to MaxRetries+1 times, sleeping between attempts. It returns
// the last error, or ctx.Err() if the context ends during a backoff sleep.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Base <= 1 {
		p.Base = 2
	}

	delay := p.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.Base)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
