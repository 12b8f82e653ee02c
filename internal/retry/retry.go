// Package retry provides a shared retry utility with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy describes how many times and how fast to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable, when set, decides whether a non-permanent error is worth
	// another attempt. Unset means every error is retried.
	Retryable func(error) bool
}

// DefaultPolicy retries three times starting at 50ms.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

// Do runs fn under the policy.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}

	return err
}
