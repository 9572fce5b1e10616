package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/porterhq/porter/internal/model"
)

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for model API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// openStream opens a model stream with circuit breaking, rate limiting, and
// exponential backoff on transient failures. Only the open is retried; once
// a stream is handed out, mid-stream failures belong to the caller.
func (o *Orchestrator) openStream(ctx context.Context, req model.Request) (model.Stream, error) {
	if err := o.breaker.Allow(); err != nil {
		o.logger.Warn("circuit breaker rejected model call",
			"state", o.breaker.State().String(),
		)
		return nil, fmt.Errorf("model temporarily unavailable: %w", err)
	}

	var lastErr error
	delay := o.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= o.retry.MaxRetries; attempt++ {
		// Rate limit each attempt, retries included.
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		stream, err := o.client.Stream(ctx, req)
		if err == nil {
			o.logger.Debug("model stream opened",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return stream, nil
		}

		lastErr = err

		if !model.Retryable(err) {
			o.breaker.Failure()
			return nil, fmt.Errorf("open model stream: %w", err)
		}

		if attempt == o.retry.MaxRetries {
			break
		}

		o.logger.Debug("retrying model call",
			"attempt", attempt+1,
			"delay", delay,
			"elapsed", time.Since(start),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, o.retry.MaxInterval)
		}
	}

	o.breaker.Failure()
	return nil, fmt.Errorf("open model stream after %d retries (elapsed: %v): %w",
		o.retry.MaxRetries, time.Since(start), lastErr)
}
