package engine

import (
	"context"
	"errors"
	"time"

	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/stores"
)

// LivenessConfig configures the liveness phase.
type LivenessConfig struct {
	PhaseConfig

	// Target is the VM samples are run on.
	Target Target
}

// LivenessService runs every collected sample once on a VM without protection and
// records whether it still changes the VM. Samples that do are alive.
type LivenessService struct {
	*phase
	target Target
	stats  LivenessStats
}

// NewLivenessService creates a liveness phase over store.
func NewLivenessService(cfg LivenessConfig, store SampleStore, analyzers []plugin.Analyzer) *LivenessService {
	return &LivenessService{
		phase:  newPhase(PhaseLiveness, false, cfg.PhaseConfig, store, analyzers),
		target: cfg.Target,
		stats:  LivenessStats{SamplesStatus: make(map[int64]SampleVerdict)},
	}
}

// Run executes the phase and returns its final status. Every failure is reported
// as a Failed or MissingDependencies status.
func (s *LivenessService) Run(ctx context.Context) ProcessStatus {
	return s.run(ctx, []Target{s.target}, s.analyze)
}

func (s *LivenessService) snapshot() Stats {
	return s.stats.clone()
}

func (s *LivenessService) analyze(ctx context.Context) (Stats, error) {
	filter := stores.FilterNotLivenessChecked()

	if err := s.recount(ctx, filter); err != nil {
		return nil, err
	}
	s.setStatus(Analyzing{Stats: s.snapshot()})

	cursor := s.store.Samples(filter, s.cfg.cursorOptions())
	for {
		if err := ctx.Err(); err != nil {
			return nil, newInterruptedError(err)
		}

		sample, err := cursor.Next(ctx)
		if errors.Is(err, stores.ErrCursorExhausted) {
			return s.snapshot(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, newInterruptedError(ctx.Err())
			}
			return nil, NewPersistenceError("read samples", Wrap(err, "Reading samples"))
		}

		if err := s.runUnit(ctx, s.target, sample, s.snapshot, s.persist(sample)); err != nil {
			return nil, err
		}

		s.stats.TotalSamplesAnalyzed++
		if err := s.recount(ctx, filter); err != nil {
			return nil, err
		}
		s.setStatus(Analyzing{Stats: s.snapshot()})
	}
}

func (s *LivenessService) recount(ctx context.Context, filter stores.Filter) error {
	remaining, err := s.store.CountSamples(context.WithoutCancel(ctx), filter)
	if err != nil {
		return NewPersistenceError("count samples", Wrap(err, "Counting samples"))
	}
	s.stats.TotalSamples = remaining
	s.cfg.Metrics.SetQueued(s.name, remaining)
	return nil
}

func (s *LivenessService) persist(sample *stores.RawSample) persistFunc {
	return func(ctx context.Context, report plugin.ChangeReport, ttd time.Duration) (string, error) {
		alive, reason := Verdict(report, s.cfg.AccessLostAs)
		check := &stores.LivenessCheck{
			SampleID:      sample.ID,
			CheckDate:     time.Now(),
			TimeToDetect:  ttd,
			IsAlive:       alive,
			IsAliveReason: reason,
		}
		if err := s.store.InsertLivenessCheck(ctx, check); err != nil {
			return "", err
		}

		s.stats.SamplesStatus[sample.ID] = SampleVerdict{Alive: alive, Reason: reason}
		if alive {
			return "alive", nil
		}
		return "inactive", nil
	}
}
