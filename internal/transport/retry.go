package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry window for transport calls: random 1-4s pauses, give up after 90s.
const (
	retryMinInterval = 1 * time.Second
	retryMaxInterval = 4 * time.Second
	retryMaxElapsed  = 90 * time.Second
)

// withRetry runs op until it succeeds, fails with a non-transient error, or
// the bounded retry window elapses. Only errors marked ErrTransient are
// retried; everything else surfaces immediately.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryMinInterval
	b.MaxInterval = retryMaxInterval
	b.RandomizationFactor = 0.75
	b.Multiplier = 1.5
	b.MaxElapsedTime = retryMaxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}
