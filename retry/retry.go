// Package retry runs functions with capped exponential backoff. The
// engine uses it around external blob-store calls, where a failure is
// usually a transient outage and giving up leaks storage.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Reasons carried by *Error.
var (
	// ErrExhausted means every allowed attempt failed.
	ErrExhausted = errors.New("retry: attempts exhausted")

	// ErrPermanent means the last error was classified permanent.
	ErrPermanent = errors.New("retry: permanent error")

	// ErrInterrupted means ctx ended before the attempts did.
	ErrInterrupted = errors.New("retry: interrupted")
)

// Config bounds the retry loop. The zero value of any field falls back
// to the DefaultConfig value for that field.
type Config struct {
	// MaxRetries is the number of attempts after the first. Zero means
	// run once.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the growing wait.
	MaxBackoff time.Duration

	// Multiplier grows the wait after each failed attempt.
	Multiplier float64

	// Jitter in [0, 1] spreads each wait by that fraction either way.
	Jitter float64

	// Retryable classifies errors. Nil means everything is transient
	// except errors marked with Permanent or exposing Retryable() false.
	Retryable func(error) bool
}

// DefaultConfig returns the standard pacing: three retries, 100ms
// initial backoff doubling up to 30s, 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// Do runs fn until it returns nil. It stops early when the error is
// classified permanent or ctx ends. Failures other than the first
// return a *Error naming the last cause and why the loop gave up.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	cfg = withDefaults(cfg)

	var last error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &Error{Cause: last, Attempts: attempt, Reason: ErrInterrupted}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !cfg.Retryable(last) {
			return &Error{Cause: last, Attempts: attempt + 1, Reason: ErrPermanent}
		}
		if attempt >= cfg.MaxRetries {
			return &Error{Cause: last, Attempts: attempt + 1, Reason: ErrExhausted}
		}
		select {
		case <-ctx.Done():
			return &Error{Cause: last, Attempts: attempt + 1, Reason: ErrInterrupted}
		case <-time.After(wait(cfg, attempt)):
		}
	}
}

// DoWithResult is Do for functions that produce a value. The value of
// the last attempt is returned alongside the error.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}

// Permanent marks err so the retry loop stops on it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

type permanentError struct{ cause error }

func (e *permanentError) Error() string   { return e.cause.Error() }
func (e *permanentError) Unwrap() error   { return e.cause }
func (e *permanentError) Retryable() bool { return false }

// Error reports why the retry loop gave up.
type Error struct {
	// Cause is the last error returned by the function.
	Cause error

	// Attempts is how many times the function ran.
	Attempts int

	// Reason is ErrExhausted, ErrPermanent or ErrInterrupted.
	Reason error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempt(s): %v (%v)", e.Attempts, e.Cause, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches both the reason and the cause, so errors.Is reaches either.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Reason, target) || errors.Is(e.Cause, target)
}

func defaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func withDefaults(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	} else if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if cfg.Retryable == nil {
		cfg.Retryable = defaultRetryable
	}
	return cfg
}

// wait computes the sleep before the retry following attempt (0-based).
func wait(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}
