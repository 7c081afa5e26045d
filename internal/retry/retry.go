// Package retry retries calls to external collaborators with exponential
// backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// MaxDelay caps a single backoff sleep.
const MaxDelay = 10 * time.Second

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// retryable is implemented by errors that know whether a retry can help.
type retryable interface {
	Retryable() bool
}

// stop reports whether err ends the loop, and the error to return.
func stop(err error) (bool, error) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true, pe.Err
	}
	var r retryable
	if errors.As(err, &r) && !r.Retryable() {
		return true, err
	}
	return false, err
}

// Do calls fn up to maxAttempts times. It returns early on success, on a
// Permanent error (unwrapped), on an error whose Retryable method reports
// false, or when ctx is done. The delay starts at baseDelay, doubles after
// every attempt up to MaxDelay, and carries ±25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var done bool
		if done, err = stop(err); done || attempt == maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if delay > MaxDelay {
			delay = MaxDelay
		}
	}
}

func jittered(d time.Duration) time.Duration {
	j := int64(d / 4)
	if j <= 0 {
		return d
	}
	return d - time.Duration(j) + time.Duration(randInt63n(2*j+1))
}

// randInt63n returns a value in [0, n) from crypto/rand.
func randInt63n(n int64) int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:])>>1) % n
}
