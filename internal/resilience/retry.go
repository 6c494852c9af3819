package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig tunes the [Retry] helper.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; it doubles after each
	// further failure. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 5s.
	MaxDelay time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff between
// failures. It returns nil on the first success. If ctx is cancelled while
// waiting, the context error is returned immediately; the last fn error is
// returned after the final attempt.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	cfg.applyDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}
