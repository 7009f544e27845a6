package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff describes a bounded exponential retry policy. The delay before
// retry n (1-based) is InitialDelay * Multiplier^(n-1), capped at MaxDelay,
// with up to JitterFactor of random variation.
type Backoff struct {
	MaxAttempts  int // including the first call; values < 1 mean 1
	InitialDelay time.Duration
	MaxDelay     time.Duration // 0 means uncapped
	Multiplier   float64       // values < 1 mean 2
	JitterFactor float64       // 0..1

	// RetryIf reports whether err is worth retrying. Nil retries every
	// error except those wrapped by Permanent.
	RetryIf func(err error) bool

	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultBackoff returns a policy suitable for remote calls: 5 attempts
// starting at 200ms, capped at 10s.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
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

// Delay returns the sleep before the given retry (1-based), without jitter.
func (b Backoff) Delay(retry int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.InitialDelay)
	for i := 1; i < retry; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-retryable error, attempts run
// out, or ctx is cancelled. fn receives the 1-based attempt number. The last
// error is returned when all attempts fail.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || (b.RetryIf != nil && !b.RetryIf(err)) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt == attempts {
			break
		}
		delay := b.jitter(b.Delay(attempt))
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return err
}

func (b Backoff) jitter(d time.Duration) time.Duration {
	if b.JitterFactor <= 0 || d <= 0 {
		return d
	}
	j := float64(d) * b.JitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + j)
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	b := Backoff{MaxAttempts: maxAttempts, InitialDelay: baseDelay, Multiplier: 2}
	return b.Do(ctx, func(int) error { return fn() })
}
