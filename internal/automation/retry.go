package automation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy bounds how Retry re-invokes an operation
type Policy struct {
	Attempts int // total invocations, at least 1
	MinDelay time.Duration
	MaxDelay time.Duration
}

// AttemptsError wraps the last error after every attempt failed
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry invokes op until it succeeds, returns a Permanent error, the context ends,
// or the policy's attempts are used up. Between attempts it waits a random delay
// within [MinDelay, MaxDelay].
func Retry(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		if IsPermanent(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, Jitter(p.MinDelay, p.MaxDelay)); err != nil {
			return err
		}
	}
	return &AttemptsError{Attempts: attempts, Err: last}
}

// Jitter returns a uniformly random duration in [min, max]
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
