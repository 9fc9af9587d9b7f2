package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseSleep  = 5 * time.Second
	DefaultMaxSleep   = 60 * time.Second
	DefaultMaxRetries = 10
)

// RetryPolicy retries operations that failed because the connection dropped.
// Sleeps grow exponentially from BaseSleep, capped at MaxSleep, with jitter.
type RetryPolicy struct {
	BaseSleep  time.Duration
	MaxSleep   time.Duration
	MaxRetries int
}

// DefaultRetryPolicy waits 5s before the first retry and gives up after 10 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseSleep:  DefaultBaseSleep,
		MaxSleep:   DefaultMaxSleep,
		MaxRetries: DefaultMaxRetries,
	}
}

// NoRetry fails on the first error.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	if p.MaxRetries <= 0 || p.BaseSleep <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseSleep
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxInterval = p.MaxSleep
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries)), ctx)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the policy
// gives up. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("session retry", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(operation, p.newBackOff(ctx), notify)
}
