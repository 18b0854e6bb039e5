package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auri/auri/pkg/plugin"
)

func TestPerformSuccessEveryPeriod(t *testing.T) {
	cfg := PeriodicActionConfig{PerformEvery: 20 * time.Millisecond, MaxRetriesPerPerform: 3, RetryEvery: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls []time.Time
	err := Perform(ctx, cfg, zerolog.Nop(), func(context.Context) error {
		calls = append(calls, time.Now())
		if len(calls) == 3 {
			cancel()
		}
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), cfg.PerformEvery)
	}
}

func TestPerformStopsAfterFailedRound(t *testing.T) {
	cfg := PeriodicActionConfig{PerformEvery: time.Hour, MaxRetriesPerPerform: 3, RetryEvery: 5 * time.Millisecond}
	boom := errors.New("feed unavailable")

	var results []error
	calls := 0
	err := Perform(context.Background(), cfg, zerolog.Nop(), func(context.Context) error {
		calls++
		return boom
	}, func(err error) { results = append(results, err) })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
	assert.Len(t, results, 4)
}

func TestPerformRecoversWithinRound(t *testing.T) {
	cfg := PeriodicActionConfig{PerformEvery: time.Hour, MaxRetriesPerPerform: 3, RetryEvery: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := Perform(ctx, cfg, zerolog.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		cancel()
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
}

func TestPerformSkipsFailedRounds(t *testing.T) {
	cfg := PeriodicActionConfig{PerformEvery: time.Millisecond, MaxRetriesPerPerform: 1, SkipPerformIfFailed: true, RetryEvery: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := Perform(ctx, cfg, zerolog.Nop(), func(context.Context) error {
		calls++
		if calls == 6 {
			cancel()
		}
		return errors.New("always failing")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 6, calls, "three failed rounds of two attempts each")
}

type recorder struct {
	mu       sync.Mutex
	statuses []plugin.CollectorStatus
}

func (r *recorder) emit(st plugin.CollectorStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.statuses))
	for _, st := range r.statuses {
		kinds = append(kinds, plugin.CollectorStatusKind(st))
	}
	return kinds
}

func TestPeriodicCollectionOneOff(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  []string
		final plugin.CollectorStatus
	}{
		{
			name:  "success",
			want:  []string{"processing", "done"},
			final: plugin.Done{},
		},
		{
			name:  "named step failure",
			err:   Failure("list directory files", errors.New("not a directory")),
			want:  []string{"processing", "failed"},
			final: plugin.CollectorFailed{What: "list directory files", Why: "not a directory"},
		},
		{
			name:  "plain failure",
			err:   errors.New("connection reset"),
			want:  []string{"processing", "failed"},
			final: plugin.CollectorFailed{What: "Collecting samples", Why: "connection reset"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec recorder
			PeriodicCollection(context.Background(), nil, zerolog.Nop(), func(_ context.Context, emit func(plugin.CollectorStatus)) error {
				emit(plugin.Processing{What: "files"})
				return tt.err
			}, rec.emit)

			assert.Equal(t, tt.want, rec.kinds())
			assert.Equal(t, tt.final, rec.statuses[len(rec.statuses)-1])
		})
	}
}

func TestPeriodicCollectionRounds(t *testing.T) {
	periodicity := &PeriodicActionConfig{PerformEvery: time.Millisecond, MaxRetriesPerPerform: 2, RetryEvery: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rec recorder
	passes := 0
	PeriodicCollection(ctx, periodicity, zerolog.Nop(), func(_ context.Context, emit func(plugin.CollectorStatus)) error {
		passes++
		switch passes {
		case 1:
			return errors.New("feed unavailable")
		case 3:
			cancel()
		}
		emit(plugin.Downloading{What: "feed"})
		return nil
	}, rec.emit)

	assert.Equal(t, []string{
		"retrying",
		"downloading", "done_until_next_period",
		"downloading", "done_until_next_period",
	}, rec.kinds())
}

func TestPeriodicCollectionGivesUp(t *testing.T) {
	periodicity := &PeriodicActionConfig{PerformEvery: time.Hour, MaxRetriesPerPerform: 1, RetryEvery: time.Millisecond}

	var rec recorder
	PeriodicCollection(context.Background(), periodicity, zerolog.Nop(), func(context.Context, func(plugin.CollectorStatus)) error {
		return Failure("download index", errors.New("404"))
	}, rec.emit)

	assert.Equal(t, []string{"retrying", "retrying", "failed"}, rec.kinds())
	assert.Equal(t, plugin.CollectorFailed{What: "download index", Why: "404"}, rec.statuses[2])
}
