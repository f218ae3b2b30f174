// Package retry is the generic exponential-backoff driver used around every
// chain, storage and subscription interaction. Callers mark errors that can
// never succeed with Permanent; everything else is treated as transient and
// retried until the attempt budget runs out.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Params configures one retry policy.
type Params struct {
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxRetries    uint64
	MaxDelay      time.Duration
}

// EthCall is the policy for Ethereum reads and transaction sends:
// 0.5 s, 1 s, 2 s, 4 s, 8 s.
var EthCall = Params{
	BaseDelay:     500 * time.Millisecond,
	BackoffFactor: 2.0,
	MaxRetries:    5,
	MaxDelay:      time.Hour,
}

// Bump is the policy for fee-bumped cancellation transactions: frequent at
// first, then hourly, for roughly one day.
var Bump = Params{
	BaseDelay:     500 * time.Millisecond,
	BackoffFactor: 2.0,
	MaxRetries:    33,
	MaxDelay:      time.Hour,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func newBackOff(ctx context.Context, p Params) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.BackoffFactor
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Do runs op until it succeeds, returns a permanent error, or the attempt
// budget is exhausted. The returned error is unwrapped from its permanent
// marker so callers match on their own sentinels.
func Do[T any](ctx context.Context, p Params, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return v, backoff.Permanent(perm.err)
		}
		return v, err
	}
	return backoff.RetryWithData(wrapped, newBackOff(ctx, p))
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Params, op func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
