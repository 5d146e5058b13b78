// Package retry runs remote calls with exponential backoff and multiplicative
// jitter in [0.7, 1.3].
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Jitter is the randomization factor applied to every delay.
const Jitter = 0.3

// Options configures a retried operation. The zero value performs a single
// attempt.
type Options struct {
	// Retries is the number of extra attempts after the first failure.
	Retries int
	// BaseDelay is the nominal wait before the first retry.
	BaseDelay time.Duration
	// Factor multiplies the nominal delay on each further retry; values
	// below 1 are treated as 2.
	Factor float64
	// Retryable, when set, stops retrying as soon as it returns false.
	Retryable func(error) bool
	// Notify is called before each wait.
	Notify func(attempt int, err error, wait time.Duration)
}

// Common presets.
var (
	Preflight = Options{Retries: 1, BaseDelay: 200 * time.Millisecond, Factor: 2}
	Create    = Options{Retries: 2, BaseDelay: 400 * time.Millisecond, Factor: 2}
)

func (o Options) factor() float64 {
	if o.Factor < 1 {
		return 2
	}
	return o.Factor
}

// NominalDelay returns the jitter-free wait before retry number attempt+1
// (attempt is zero based): BaseDelay * Factor^attempt.
func NominalDelay(o Options, attempt int) time.Duration {
	return time.Duration(float64(o.BaseDelay) * math.Pow(o.factor(), float64(attempt)))
}

// Do invokes op until it succeeds or Retries extra attempts are exhausted,
// and returns the last error. Cancelling ctx aborts the wait.
func Do(ctx context.Context, o Options, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, o, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, o Options, op func(ctx context.Context) (T, error)) (T, error) {
	retries := o.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempt := 0
	wrapped := func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if o.Retryable != nil && !o.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BaseDelay
	b.Multiplier = o.factor()
	b.RandomizationFactor = Jitter
	b.MaxInterval = time.Hour
	b.Reset()

	v, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			attempt++
			if o.Notify != nil {
				o.Notify(attempt, err, wait)
			}
		}),
	)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		var zero T
		return zero, ctxErr
	}
	var zero T
	if lastErr != nil {
		return zero, lastErr
	}
	return zero, err
}
