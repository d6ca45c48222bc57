package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults matching the engine contract.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// WithRetry runs op up to maxAttempts times, doubling the delay between
// attempts starting from baseDelay. Only Network-kind failures are
// retried; Invalid, Timeout and Blocked are terminal and surface after a
// single attempt. On exhaustion the last error is returned unchanged.
func WithRetry[T any](ctx context.Context, op func(context.Context) (T, error), maxAttempts int, baseDelay time.Duration) (T, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.Multiplier = 2
	// No jitter: the delay schedule is baseDelay * 2^(attempt-1).
	bo.RandomizationFactor = 0
	bo.MaxInterval = baseDelay * time.Duration(1<<uint(maxAttempts))
	bo.MaxElapsedTime = 0
	bo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx)

	return backoff.RetryWithData(func() (T, error) {
		res, err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, policy)
}
