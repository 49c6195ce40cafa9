package queue

import (
	"context"
	"fmt"
	"time"
)

// Retry defaults for reply delivery.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
)

// RetryPolicy retries an operation a fixed number of times with a fixed
// delay between attempts.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts spaced 5 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultRetryAttempts, Delay: DefaultRetryDelay}
}

// Do calls fn until it succeeds, the attempts are used up, or ctx ends.
// It returns the last error from fn.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, err)
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
