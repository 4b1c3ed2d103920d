package copytable

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Retry retries f with exponential back off, bounding each attempt with
// timeout. Used for connection establishment, never for statements inside an
// open transaction.
func Retry(ctx context.Context, maxRetries uint64, timeout time.Duration, f func(context.Context) error) error {
	start := time.Now()
	retries := 0
	b := backoff.WithContext(backoff.WithMaxRetries(exponentialBackOff(), maxRetries), ctx)
	err := backoff.RetryNotify(func() error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return f(ctx)
	}, b, func(err error, duration time.Duration) {
		retries++
	})
	if err != nil {
		return errors.Wrapf(err, "failed after %d retries and total duration of %v", retries, time.Since(start))
	}
	return nil
}

func exponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
