package flow

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// WithRetry wraps a step function with bounded fibonacci-backoff retries.
// Every error from fn is treated as retryable; rate-limited external APIs
// are the expected caller. The step's context still bounds the total wait.
func WithRetry(maxRetries uint64, base time.Duration, fn StepFunc) StepFunc {
	return func(ctx context.Context) error {
		b := retry.WithMaxRetries(maxRetries, retry.NewFibonacci(base))
		return retry.Do(ctx, b, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
	}
}
