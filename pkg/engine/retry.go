package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Default retry settings for VM operations.
const (
	DefaultRetryDelay      = 3 * time.Second
	DefaultRetryMaxRetries = 5
)

// RetryPolicy retries a fallible operation on a constant delay.
type RetryPolicy struct {
	// Delay between two attempts.
	Delay time.Duration

	// MaxRetries bounds the total number of attempts. Zero or less means unbounded.
	MaxRetries int
}

// DefaultRetryPolicy returns the policy used for VM launch, stop and file transfer.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: DefaultRetryDelay, MaxRetries: DefaultRetryMaxRetries}
}

// NoRetry runs an operation exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 1}
}

// permanentError marks a failure that no further attempt can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Retry and RetryValue return it without another attempt.
// Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent returns true if err was marked by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs op until it succeeds, the attempt budget is spent, ctx ends or op
// returns a Permanent error. The last failure is returned when every attempt failed.
func Retry(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, op func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, policy, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryValue is Retry for operations producing a value.
func RetryValue[T any](
	ctx context.Context,
	policy RetryPolicy,
	logger zerolog.Logger,
	op func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if IsPermanent(err) {
			return zero, err
		}

		// Don't retry on last attempt
		if policy.MaxRetries > 0 && attempt >= policy.MaxRetries {
			if attempt > 1 {
				return zero, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
			}
			return zero, err
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxRetries).
			Dur("retry_in", policy.Delay).
			Msg("Operation failed, retrying")

		select {
		case <-time.After(policy.Delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, err)
		}
	}
}

// Spaced calls op, sleeping every between two calls, until it reports done, returns
// an error or ctx ends. The first call happens immediately. The caller bounds the
// total duration through ctx.
func Spaced(ctx context.Context, every time.Duration, op func(ctx context.Context) (bool, error)) error {
	for {
		done, err := op(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		timer := time.NewTimer(every)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
