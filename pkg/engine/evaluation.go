package engine

import (
	"context"
	"errors"
	"time"

	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/stores"
)

// EvaluationConfig configures the evaluation phase.
type EvaluationConfig struct {
	PhaseConfig

	// Vendors are the protected VMs, one per vendor, in evaluation order.
	Vendors []Target
}

// EvaluationService runs every alive sample on each vendor VM and records whether
// the vendor let it change the VM. Resuming a run skips (sample, vendor) pairs
// that already have a verdict.
type EvaluationService struct {
	*phase
	vendors []Target
	stats   EvaluationStats
}

// NewEvaluationService creates an evaluation phase over store.
func NewEvaluationService(cfg EvaluationConfig, store SampleStore, analyzers []plugin.Analyzer) *EvaluationService {
	stats := EvaluationStats{VendorStats: make(map[string]VendorStats, len(cfg.Vendors))}
	for _, v := range cfg.Vendors {
		stats.VendorStats[v.Name] = VendorStats{}
	}

	return &EvaluationService{
		phase:   newPhase(PhaseEvaluation, true, cfg.PhaseConfig, store, analyzers),
		vendors: cfg.Vendors,
		stats:   stats,
	}
}

// Run executes the phase and returns its final status. Every failure is reported
// as a Failed or MissingDependencies status.
func (s *EvaluationService) Run(ctx context.Context) ProcessStatus {
	return s.run(ctx, s.vendors, s.analyze)
}

func (s *EvaluationService) snapshot() Stats {
	return s.stats.clone()
}

func (s *EvaluationService) vendorNames() []string {
	names := make([]string, len(s.vendors))
	for i, v := range s.vendors {
		names[i] = v.Name
	}
	return names
}

func (s *EvaluationService) analyze(ctx context.Context) (Stats, error) {
	filter := stores.FilterAlivePendingEvaluation(s.vendorNames())

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

		ran, err := s.evaluate(ctx, sample)
		if err != nil {
			return nil, err
		}

		if ran {
			s.stats.TotalSamplesAnalyzed++
		}
		if err := s.recount(ctx, filter); err != nil {
			return nil, err
		}
		s.setStatus(Analyzing{Stats: s.snapshot()})
	}
}

// evaluate runs sample on every vendor it was not evaluated against yet.
// It reports whether at least one unit ran.
func (s *EvaluationService) evaluate(ctx context.Context, sample *stores.RawSample) (bool, error) {
	ran := false
	for _, v := range s.vendors {
		if err := ctx.Err(); err != nil {
			return ran, newInterruptedError(err)
		}

		done, err := s.store.HasEvaluation(ctx, sample.ID, v.Name)
		if err != nil {
			return ran, NewPersistenceError("read evaluations", Wrapf(err, "Reading evaluations of sample %d", sample.ID))
		}
		if done {
			s.logger.Debug().Int64("sample_id", sample.ID).Str("vendor", v.Name).Msg("Already evaluated, skipping")
			continue
		}

		if err := s.runUnit(ctx, v, sample, s.snapshot, s.persist(sample, v.Name)); err != nil {
			return ran, err
		}
		ran = true
	}
	return ran, nil
}

func (s *EvaluationService) recount(ctx context.Context, filter stores.Filter) error {
	remaining, err := s.store.CountSamples(context.WithoutCancel(ctx), filter)
	if err != nil {
		return NewPersistenceError("count samples", Wrap(err, "Counting samples"))
	}
	s.stats.TotalSamples = remaining
	s.cfg.Metrics.SetQueued(s.name, remaining)
	return nil
}

func (s *EvaluationService) persist(sample *stores.RawSample, vendor string) persistFunc {
	return func(ctx context.Context, report plugin.ChangeReport, ttd time.Duration) (string, error) {
		inmune, reason := Verdict(report, s.cfg.AccessLostAs)
		eval := &stores.Evaluation{
			SampleID:       sample.ID,
			Vendor:         vendor,
			CheckDate:      time.Now(),
			TimeToDetect:   ttd,
			IsInmune:       inmune,
			IsInmuneReason: reason,
		}
		if err := s.store.InsertEvaluation(ctx, eval); err != nil {
			return "", err
		}

		vs := s.stats.VendorStats[vendor]
		vs.AnalyzedSamples++
		if !inmune {
			vs.DetectedSamples++
		}
		s.stats.VendorStats[vendor] = vs

		if inmune {
			return "inmune", nil
		}
		return "detected", nil
	}
}
