package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingTimes(n int) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return errors.New("flaky")
		}
		return nil
	}, &calls
}

func TestRetryAttemptBudget(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		maxRetries int
		wantErr    bool
		wantCalls  int
	}{
		{name: "first attempt", failures: 0, maxRetries: 5, wantCalls: 1},
		{name: "last attempt succeeds", failures: 4, maxRetries: 5, wantCalls: 5},
		{name: "budget spent", failures: 4, maxRetries: 4, wantErr: true, wantCalls: 4},
		{name: "unbounded", failures: 7, maxRetries: 0, wantCalls: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, calls := failingTimes(tt.failures)
			policy := RetryPolicy{Delay: time.Millisecond, MaxRetries: tt.maxRetries}

			err := Retry(context.Background(), policy, zerolog.Nop(), op)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "gave up after 4 attempts: flaky")
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, *calls)
		})
	}
}

func TestRetrySingleAttemptKeepsError(t *testing.T) {
	cause := errors.New("flaky")
	err := Retry(context.Background(), NoRetry(), zerolog.Nop(), func(context.Context) error { return cause })
	assert.Same(t, cause, err)
}

func TestRetryInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op, calls := failingTimes(100)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, RetryPolicy{Delay: time.Hour, MaxRetries: 5}, zerolog.Nop(), op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry interrupted after 1 attempts")
	assert.Equal(t, 1, *calls)
}

func TestRetryValue(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), RetryPolicy{Delay: time.Millisecond, MaxRetries: 3}, zerolog.Nop(),
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("not yet")
			}
			return "ready", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ready", v)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	denied := errors.New("access denied")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Delay: time.Millisecond, MaxRetries: 5}, zerolog.Nop(),
		func(context.Context) error {
			calls++
			return Permanent(denied)
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, denied)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "access denied", err.Error())
	assert.NoError(t, Permanent(nil))
}

func TestSpaced(t *testing.T) {
	calls := 0
	err := Spaced(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = Spaced(ctx, time.Millisecond, func(context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	boom := errors.New("boom")
	err = Spaced(context.Background(), time.Millisecond, func(context.Context) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}
