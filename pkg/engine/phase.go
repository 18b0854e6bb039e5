package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/stores"
	"github.com/auri/auri/pkg/telemetry"
)

// Phase names.
const (
	PhaseLiveness   = "liveness"
	PhaseEvaluation = "evaluation"
)

var tracer = otel.Tracer("github.com/auri/auri/pkg/engine")

var allStatusKinds = []string{
	string(StatusNotStarted),
	string(StatusInitializing),
	string(StatusMissingDependencies),
	string(StatusCapturingGoodState),
	string(StatusAnalyzing),
	string(StatusFinished),
	string(StatusFailed),
}

// SampleStore is the part of the sample store used by the phases.
type SampleStore interface {
	Samples(filter stores.Filter, opts stores.CursorOptions) *stores.SampleCursor
	CountSamples(ctx context.Context, filter stores.Filter) (int, error)
	InsertLivenessCheck(ctx context.Context, check *stores.LivenessCheck) error
	InsertEvaluation(ctx context.Context, eval *stores.Evaluation) error
	HasEvaluation(ctx context.Context, sampleID int64, vendor string) (bool, error)
}

// Target is a VM samples run on.
type Target struct {
	// Name identifies the target. For the evaluation phase it is the vendor name.
	Name string

	Manager     plugin.VMManager
	Interaction plugin.VMInteraction
}

// PhaseConfig is the configuration shared by the liveness and evaluation phases.
type PhaseConfig struct {
	// WorkDir holds the analyzer baselines, one directory per target and analyzer.
	WorkDir string

	// SamplesDir is the directory sample paths are relative to.
	SamplesDir string

	// SampleExecutionPath is the guest path the sample is copied to.
	SampleExecutionPath string

	// ChangeLoop bounds the wait for changes after a sample is launched.
	ChangeLoop ChangeLoopConfig

	// AccessLostAs is the verdict given to a sample when the VM became unreachable.
	AccessLostAs bool

	// Retry is the policy of VM launch and stop.
	Retry RetryPolicy

	// RetrySendFile applies Retry to the sample and launch script transfers.
	RetrySendFile bool

	// Streamed keeps the phase waiting for new samples instead of finishing.
	Streamed bool

	// PollInterval is the pause between two queue polls of a streamed phase.
	PollInterval time.Duration

	// BatchSize is the number of samples read from the store at once.
	BatchSize int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

func (c PhaseConfig) withDefaults() PhaseConfig {
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Streamed && c.PollInterval <= 0 {
		c.PollInterval = stores.DefaultKeepListening
	}
	if c.BatchSize <= 0 {
		c.BatchSize = stores.DefaultBatchSize
	}
	c.ChangeLoop = c.ChangeLoop.withDefaults()
	return c
}

func (c PhaseConfig) cursorOptions() stores.CursorOptions {
	opts := stores.CursorOptions{BatchSize: c.BatchSize}
	if c.Streamed {
		opts.PollInterval = c.PollInterval
	}
	return opts
}

// phase holds the machinery shared by both phases: status publication, dependency
// checks, good state capture and sample units.
type phase struct {
	name      string
	vendored  bool
	cfg       PhaseConfig
	store     SampleStore
	analyzers []plugin.Analyzer
	status    *Broadcaster[ProcessStatus]
	logger    zerolog.Logger
	runID     string
}

func newPhase(name string, vendored bool, cfg PhaseConfig, store SampleStore, analyzers []plugin.Analyzer) *phase {
	cfg = cfg.withDefaults()
	runID := uuid.NewString()
	return &phase{
		name:      name,
		vendored:  vendored,
		cfg:       cfg,
		store:     store,
		analyzers: analyzers,
		status:    NewBroadcaster[ProcessStatus](NotStarted{}),
		logger:    cfg.Logger.With().Str("phase", name).Str("run_id", runID).Logger(),
		runID:     runID,
	}
}

// Status returns the status broadcaster of the phase.
func (p *phase) Status() *Broadcaster[ProcessStatus] {
	return p.status
}

// RunID returns the identifier of the run, tagging its logs and spans.
func (p *phase) RunID() string {
	return p.runID
}

func (p *phase) setStatus(s ProcessStatus) {
	p.status.Set(s)
	p.cfg.Metrics.SetPhaseStatus(p.name, string(s.Kind()), allStatusKinds)
}

func (p *phase) fail(f Failed) ProcessStatus {
	p.logger.Error().Str("what", f.What).Str("why", f.Why).Msg("Phase failed")
	p.cfg.Metrics.RecordFailure(p.name, f.What)
	p.setStatus(f)
	return f
}

// run drives the state machine common to both phases. analyze runs the units and
// returns the final stats.
func (p *phase) run(ctx context.Context, targets []Target, analyze func(ctx context.Context) (Stats, error)) (final ProcessStatus) {
	ctx, span := tracer.Start(ctx, "engine.phase", trace.WithAttributes(
		telemetry.AttrPhase.String(p.name),
		telemetry.AttrRunID.String(p.runID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			final = p.fail(Failed{What: "run " + p.name, Why: fmt.Sprint(r)})
		}
		if f, ok := final.(Failed); ok {
			telemetry.RecordError(span, f)
		}
	}()

	p.setStatus(Initializing{})
	p.logger.Info().Int("analyzers", len(p.analyzers)).Int("targets", len(targets)).Msg("Checking dependencies")

	if missing := p.checkDependencies(ctx, targets); len(missing) > 0 {
		p.logger.Error().Msgf("Missing dependencies:\n%s", plugin.FormatMissing(missing))
		status := MissingDependencies{Missing: missing}
		p.setStatus(status)
		return status
	}

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return p.fail(asFailed(newInterruptedError(err), ""))
		}
		if err := p.capture(ctx, t); err != nil {
			return p.fail(asFailed(err, "capture initial state"+p.whatSuffix(t)))
		}
	}

	stats, err := analyze(ctx)
	if err != nil {
		return p.fail(asFailed(err, "analyze samples"))
	}

	p.logger.Info().Str("stats", stats.Summary()).Msg("Phase finished")
	status := Finished{Stats: stats}
	p.setStatus(status)
	return status
}

type dependentPlugin interface {
	plugin.Plugin
	plugin.Dependent
}

func (p *phase) checkDependencies(ctx context.Context, targets []Target) map[string][]plugin.MissingDependency {
	all := make([]dependentPlugin, 0, len(p.analyzers)+2*len(targets))
	for _, a := range p.analyzers {
		all = append(all, a)
	}
	for _, t := range targets {
		all = append(all, t.Manager, t.Interaction)
	}
	return plugin.CheckAll(ctx, all)
}

func (p *phase) vendorOf(t Target) string {
	if p.vendored {
		return t.Name
	}
	return ""
}

func (p *phase) whatSuffix(t Target) string {
	if p.vendored {
		return " for vendor " + t.Name
	}
	return ""
}

func (p *phase) bindings(t Target) ([]AnalyzerBinding, error) {
	bindings := make([]AnalyzerBinding, 0, len(p.analyzers))
	for _, a := range p.analyzers {
		dir := filepath.Join(p.cfg.WorkDir, t.Name, a.Name())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create analyzer work directory: %w", err)
		}
		bindings = append(bindings, AnalyzerBinding{Analyzer: a, WorkDir: dir})
	}
	return bindings, nil
}

// capture records the clean state of a target with every analyzer.
// VM operations are not canceled by ctx.
func (p *phase) capture(ctx context.Context, t Target) error {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With().Str("target", t.Name).Logger()
	suffix := p.whatSuffix(t)
	vendor := p.vendorOf(t)

	bindings, err := p.bindings(t)
	if err != nil {
		return annotate(err, "Capturing initial state", suffix)
	}

	logger.Info().Msg("Capturing initial state")
	p.setStatus(CapturingGoodState{Vendor: vendor, Step: StepStartingVM})
	if err := p.launchVM(ctx, t, logger); err != nil {
		return annotate(err, "Capturing initial state", suffix)
	}

	if err := p.awaitReady(ctx, t); err != nil {
		p.stopQuietly(ctx, t, logger)
		return annotate(err, "Capturing initial state", suffix)
	}

	for _, b := range bindings {
		p.setStatus(CapturingGoodState{Vendor: vendor, Step: StepCapturing, Analyzer: b.Analyzer.Name()})
		if err := b.Analyzer.CaptureInitialState(ctx, b.WorkDir, t.Interaction); err != nil {
			p.stopQuietly(ctx, t, logger)
			return &EngineError{
				Class:     ErrorClassReadiness,
				Operation: "capture initial state by analyzer " + b.Analyzer.Name() + suffix,
				Err:       Wrap(err, "Capturing initial state"),
			}
		}
		logger.Debug().Str("analyzer", b.Analyzer.Name()).Msg("Initial state captured")
	}

	p.setStatus(CapturingGoodState{Vendor: vendor, Step: StepStoppingVM})
	if err := p.stopVM(ctx, t, logger); err != nil {
		return annotate(err, "Capturing initial state", suffix)
	}
	return nil
}

func (p *phase) launchVM(ctx context.Context, t Target, logger zerolog.Logger) error {
	if err := Retry(ctx, p.cfg.Retry, logger, t.Manager.LaunchVM); err != nil {
		return NewTransientError("launch VM", Wrap(err, "Launching VM"))
	}
	return nil
}

func (p *phase) awaitReady(ctx context.Context, t Target) error {
	if err := t.Interaction.AwaitReady(ctx); err != nil {
		return NewReadinessError("wait for VM", Wrap(err, "Waiting for VM"))
	}
	return nil
}

func (p *phase) stopVM(ctx context.Context, t Target, logger zerolog.Logger) error {
	if err := Retry(ctx, p.cfg.Retry, logger, t.Manager.StopVM); err != nil {
		return NewTransientError("stop VM", Wrap(err, "Stopping VM"))
	}
	return nil
}

// stopQuietly stops the VM after a failure. Its own failure is only logged.
func (p *phase) stopQuietly(ctx context.Context, t Target, logger zerolog.Logger) {
	if err := t.Manager.StopVM(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop VM after failure")
	}
}
