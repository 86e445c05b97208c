// Package retry wraps network calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"time"
)

// Policy controls how many attempts are made and how long to wait between them.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Delays[i] is slept before attempt i+2; the last value is reused when
	// there are more attempts than delays.
	Delays []time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Retryable decides whether an error is worth another attempt.
	Retryable func(err error) bool
	Log       *slog.Logger
}

// Default returns the policy used for every upstream call: four attempts,
// sleeping 2s, 4s and 8s in between.
func Default(log *slog.Logger) Policy {
	return Policy{
		MaxAttempts: 4,
		Delays:      []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		Sleep:       SleepContext,
		Retryable:   IsTransient,
		Log:         log,
	}
}

// SleepContext sleeps for d, returning early with ctx.Err() on cancellation.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the wait before the given attempt (2-based).
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 || attempt < 2 {
		return 0
	}
	i := attempt - 2
	if i >= len(p.Delays) {
		i = len(p.Delays) - 1
	}
	return p.Delays[i]
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Delay(attempt)); err != nil {
				return zero, lastErr
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			return zero, err
		}
		if attempt < attempts {
			log.Warn("call failed, retrying",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"retry_in", p.Delay(attempt+1),
				"error", err)
		} else {
			log.Error("call failed after all attempts", "op", op, "attempts", attempts, "error", err)
		}
	}
	return zero, lastErr
}

// IsTransient reports whether err is a connection-level failure or timeout.
// HTTP error statuses never reach here as errors of these types.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isConnError(urlErr.Err)
	}
	return isConnError(err)
}

// isConnError matches dial, read and timeout failures. Other url.Error causes
// (bad scheme, redirect limit) fail the same way on every attempt.
func isConnError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
