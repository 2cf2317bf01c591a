package identity

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds caller-side retries of transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used by interactive callers.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: 500 * time.Millisecond}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// policy is exhausted. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(backoff.WithContext(exp, ctx), uint64(p.MaxAttempts-1))

	return backoff.RetryWithData(func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}
