// Package retry provides bounded exponential backoff for external API calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/slack-go/slack"

	perrors "github.com/p-blackswan/knowledge-agent/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// MaxRetryAfter caps how long a rate-limited call may wait before its
	// next attempt. A Retry-After above the cap ends the retry loop at once.
	// Zero means rate-limited calls are never retried.
	MaxRetryAfter time.Duration
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Jitter:        true,
		MaxRetryAfter: 5 * time.Second,
	}
}

// SlackConfig is the budget for Slack Web API calls. Queue workers must never
// sit on a long rate-limit backoff, so both the delay and Retry-After are
// capped at two seconds.
func SlackConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Jitter:        true,
		MaxRetryAfter: 2 * time.Second,
	}
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay, ok := cfg.delay(attempt, lastErr)
		if !ok {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// delay computes the wait before the next attempt. ok is false when the
// error asks for a wait beyond the configured cap.
func (cfg Config) delay(attempt int, err error) (time.Duration, bool) {
	var rlErr *slack.RateLimitedError
	if errors.As(err, &rlErr) {
		if rlErr.RetryAfter > cfg.MaxRetryAfter {
			return 0, false
		}
		return rlErr.RetryAfter, true
	}

	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay, true
}
