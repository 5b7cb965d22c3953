package platform

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy retries transient platform failures with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: 200 * time.Millisecond}
}

// Do runs fn until it succeeds, retries are exhausted, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	max := p.MaxRetries
	if max <= 0 {
		max = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var err error
	for attempt := 0; attempt < max; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == max-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("external sync failed after %d attempts: %w", max, err)
}
