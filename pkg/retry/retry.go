// Package retry applies a bounded exponential backoff to an operation. Every
// outbound call that may fail transiently (token refresh, payout submission)
// goes through Do so the policy lives in one place.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how many times an operation runs and how long to wait in between.
type Policy struct {
	// MaxAttempts counts the first call, so 3 means one call plus two retries.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is invoked before sleeping ahead of the next attempt.
	OnRetry func(err error, attempt int, next time.Duration)
}

// Operation is a single attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. When ctx ends the returned error wraps both the
// context error and the last attempt's error.
func Do(ctx context.Context, p Policy, op Operation) error {
	p = p.normalize()

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var last error
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, next)
		}
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && last != nil && !errors.Is(last, ctxErr) {
		return fmt.Errorf("%w: last attempt: %w", ctxErr, last)
	}
	return err
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	return p
}

// Delays lists the waits the policy inserts between attempts.
func (p Policy) Delays() []time.Duration {
	p = p.normalize()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	next := float64(p.InitialDelay)
	for i := 1; i < p.MaxAttempts; i++ {
		d := time.Duration(next)
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		delays = append(delays, d)
		next *= p.Multiplier
	}
	return delays
}
