package collection

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/engine"
	"github.com/auri/auri/pkg/plugin"
)

// PeriodicActionConfig schedules an action in rounds. A round runs the action until it
// succeeds or its retries are spent.
type PeriodicActionConfig struct {
	// PerformEvery is the pause between two rounds.
	PerformEvery time.Duration `yaml:"performEvery" json:"performEvery" validate:"required,gt=0"`

	// MaxRetriesPerPerform bounds the retries after the first failed attempt of a round.
	MaxRetriesPerPerform int `yaml:"maxRetriesPerPerform" json:"maxRetriesPerPerform" validate:"gte=0"`

	// SkipPerformIfFailed keeps going after a round that ended in failure.
	SkipPerformIfFailed bool `yaml:"skipPerformIfFailed" json:"skipPerformIfFailed"`

	// RetryEvery is the pause between two attempts of a round.
	RetryEvery time.Duration `yaml:"retryEvery" json:"retryEvery" validate:"gte=0"`
}

// Perform runs action in rounds until a round fails without SkipPerformIfFailed, or
// ctx ends. onResult, when set, sees the result of every attempt. The error of the
// failed round is returned, or ctx.Err() when ctx ended.
func Perform(
	ctx context.Context,
	cfg PeriodicActionConfig,
	logger zerolog.Logger,
	action func(ctx context.Context) error,
	onResult func(error),
) error {
	attempt := func(ctx context.Context) error {
		err := action(ctx)
		if onResult != nil {
			onResult(err)
		}
		return err
	}
	policy := engine.RetryPolicy{Delay: cfg.RetryEvery, MaxRetries: cfg.MaxRetriesPerPerform + 1}

	var roundErr error
	err := engine.Spaced(ctx, cfg.PerformEvery, func(ctx context.Context) (bool, error) {
		roundErr = engine.Retry(ctx, policy, logger, attempt)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if roundErr != nil {
			logger.Warn().Err(roundErr).Dur("next_round_in", cfg.PerformEvery).Msg("Round failed")
			return !cfg.SkipPerformIfFailed, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	return roundErr
}

// SingleCollection is one pass of a collector. It reports progress through emit and
// returns once the pass is over.
type SingleCollection func(ctx context.Context, emit func(plugin.CollectorStatus)) error

// stepError names the step of a pass that failed.
type stepError struct {
	what string
	err  error
}

func (e *stepError) Error() string { return e.what + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// Failure marks err as the failure of the named step of a collection pass.
func Failure(what string, err error) error {
	return &stepError{what: what, err: err}
}

func failedStatus(err error) (what, why string) {
	var step *stepError
	if errors.As(err, &step) {
		return step.what, step.err.Error()
	}
	return "Collecting samples", err.Error()
}

// PeriodicCollection runs single once, or periodically when periodicity is set, and
// translates its outcome into collector statuses.
//
// A one-off pass ends with Done or CollectorFailed. A periodic pass ends with
// DoneUntilNextPeriod or Retrying, and CollectorFailed is emitted once the periodic
// schedule gives up.
func PeriodicCollection(
	ctx context.Context,
	periodicity *PeriodicActionConfig,
	logger zerolog.Logger,
	single SingleCollection,
	emit func(plugin.CollectorStatus),
) {
	if periodicity == nil {
		if err := single(ctx, emit); err != nil {
			what, why := failedStatus(err)
			emit(plugin.CollectorFailed{What: what, Why: why})
			return
		}
		emit(plugin.Done{})
		return
	}

	err := Perform(ctx, *periodicity, logger, func(ctx context.Context) error {
		err := single(ctx, emit)
		switch {
		case err != nil && ctx.Err() == nil:
			what, why := failedStatus(err)
			emit(plugin.Retrying{What: what, Why: why, NextTryStart: time.Now().Add(periodicity.RetryEvery)})
		case err == nil:
			emit(plugin.DoneUntilNextPeriod{NextPeriodStart: time.Now().Add(periodicity.PerformEvery)})
		}
		return err
	}, nil)

	if err != nil && ctx.Err() == nil {
		what, why := failedStatus(err)
		emit(plugin.CollectorFailed{What: what, Why: why})
	}
}

// Emitter returns an emit function that sends to out until ctx ends.
func Emitter(ctx context.Context, out chan<- plugin.CollectorStatus) func(plugin.CollectorStatus) {
	return func(st plugin.CollectorStatus) {
		select {
		case out <- st:
		case <-ctx.Done():
		}
	}
}
