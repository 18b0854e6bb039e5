package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/auri/auri/pkg/collection"
	"github.com/auri/auri/pkg/engine"
	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/plugins"
)

// PhaseError is returned when a phase ends Failed or MissingDependencies. The
// status was already printed.
type PhaseError struct {
	Phase string
	Kind  string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase ended with status %s", e.Phase, e.Kind)
}

func newCollectionCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collection",
		Short: "Collect samples and enrich them with threat intelligence",
		Long: `Run every collector of the runbook, store the new samples and query the
info providers about them.

Samples are deduplicated by hash, so running the collection again only adds what
is new.`,
		Example: `  # Collect with the default runbook
  auri collection

  # Collect from scratch into another base directory
  auri collection -b /srv/auri -p -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollection(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func newLivenessCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "liveness",
		Aliases: []string{"analysis"},
		Short:   "Find the samples that still act as ransomware",
		Long: `Run every collected sample that was not checked yet on the liveness VM,
which has no protection, and record whether the analyzers saw it change the VM.

With --streamed the phase keeps waiting for newly collected samples.`,
		Example: `  # Check every pending sample
  auri liveness

  # Keep checking while a collection runs, exposing the status endpoint
  auri liveness --streamed --status-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLiveness(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func newEvaluationCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluation",
		Short: "Evaluate the vendors against the alive samples",
		Long: `Run every alive sample on the VM of each vendor and record whether the
vendor kept it from changing the VM. Pairs of sample and vendor that already have
a result are skipped.`,
		Example: `  # Evaluate every vendor of the runbook
  auri evaluation -r ./runbook.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluation(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
}

func runCollection(ctx context.Context, out io.Writer, opts *globalOptions) (err error) {
	w, ctx, err := openWorkspace(ctx, opts, "collection", true)
	if err != nil {
		return err
	}
	defer func() {
		w.end(err)
		err = errors.Join(err, w.Close(ctx))
	}()

	collectors, providers, err := w.runbook.BuildCollection(plugins.NewCatalog(), w.pluginEnv())
	if err != nil {
		return err
	}
	defer closeAll(w.logger, collectors)

	svc, err := collection.NewService(collection.Config{
		CacheDir:   w.layout.cache("collection"),
		SamplesDir: w.layout.samples(),
		Logger:     w.telemetry.Logger.NewComponentLogger("collection"),
		Metrics:    w.telemetry.Metrics,
	}, w.store, collectors, providers)
	if err != nil {
		return err
	}

	stop := w.serveStatus(ctx, func() ([]byte, error) {
		return collection.MarshalStatus(svc.Status().Get())
	})
	defer stop()

	final := svc.Run(ctx)
	switch st := final.(type) {
	case collection.Finished:
		fmt.Fprintf(out, "Collection finished: %s\n", st.Stats.Summary())
		return nil
	case collection.MissingDependencies:
		fmt.Fprintf(out, "Collection could not start, missing dependencies:\n%s", plugin.FormatMissing(st.Missing))
	case collection.Failed:
		fmt.Fprintf(out, "Collection failed: %s\n", st.Error())
	}
	return &PhaseError{Phase: "collection", Kind: final.Kind()}
}

func runLiveness(ctx context.Context, out io.Writer, opts *globalOptions) (err error) {
	w, ctx, err := openWorkspace(ctx, opts, engine.PhaseLiveness, true)
	if err != nil {
		return err
	}
	defer func() {
		w.end(err)
		err = errors.Join(err, w.Close(ctx))
	}()

	built, err := w.runbook.BuildLiveness(plugins.NewCatalog(), w.pluginEnv())
	if err != nil {
		return err
	}
	defer closeAll(w.logger, []plugin.VMInteraction{built.VMInteraction})

	svc := engine.NewLivenessService(engine.LivenessConfig{
		PhaseConfig: w.phaseConfig(engine.PhaseLiveness, w.runbook.LivenessPhase.PhaseConfig(opts.streamed)),
		Target: engine.Target{
			Name:        built.VMManager.Name(),
			Manager:     built.VMManager,
			Interaction: built.VMInteraction,
		},
	}, w.store, built.Analyzers)

	stop := w.serveStatus(ctx, func() ([]byte, error) {
		return engine.MarshalStatus(svc.Status().Get())
	})
	defer stop()

	return reportPhase(out, "Liveness", svc.Run(ctx))
}

func runEvaluation(ctx context.Context, out io.Writer, opts *globalOptions) (err error) {
	w, ctx, err := openWorkspace(ctx, opts, engine.PhaseEvaluation, true)
	if err != nil {
		return err
	}
	defer func() {
		w.end(err)
		err = errors.Join(err, w.Close(ctx))
	}()

	built, err := w.runbook.BuildEvaluation(plugins.NewCatalog(), w.pluginEnv())
	if err != nil {
		return err
	}

	vendors := make([]engine.Target, len(built.Vendors))
	interactions := make([]plugin.VMInteraction, len(built.Vendors))
	for i, v := range built.Vendors {
		vendors[i] = engine.Target{Name: v.Name, Manager: v.VMManager, Interaction: v.VMInteraction}
		interactions[i] = v.VMInteraction
	}
	defer closeAll(w.logger, interactions)

	svc := engine.NewEvaluationService(engine.EvaluationConfig{
		PhaseConfig: w.phaseConfig(engine.PhaseEvaluation, w.runbook.EvaluationPhase.PhaseConfig(opts.streamed)),
		Vendors:     vendors,
	}, w.store, built.Analyzers)

	stop := w.serveStatus(ctx, func() ([]byte, error) {
		return engine.MarshalStatus(svc.Status().Get())
	})
	defer stop()

	return reportPhase(out, "Evaluation", svc.Run(ctx))
}

func (w *workspace) pluginEnv() plugin.Env {
	return plugin.Env{Logger: w.telemetry.Logger.NewComponentLogger("plugins")}
}

// phaseConfig completes cfg with the paths, logger and metrics of the workspace.
func (w *workspace) phaseConfig(phase string, cfg engine.PhaseConfig) engine.PhaseConfig {
	cfg.WorkDir = w.layout.cache(phase)
	cfg.SamplesDir = w.layout.samples()
	cfg.Logger = w.telemetry.Logger.NewComponentLogger(phase)
	cfg.Metrics = w.telemetry.Metrics
	return cfg
}

// reportPhase prints the final status of an analysis phase and turns a failure into
// a PhaseError.
func reportPhase(out io.Writer, name string, final engine.ProcessStatus) error {
	switch st := final.(type) {
	case engine.Finished:
		fmt.Fprintf(out, "%s finished: %s\n", name, st.Stats.Summary())
		return nil
	case engine.MissingDependencies:
		fmt.Fprintf(out, "%s could not start, missing dependencies:\n%s", name, plugin.FormatMissing(st.Missing))
	case engine.Failed:
		fmt.Fprintf(out, "%s failed: %s\n", name, st.Error())
	default:
		fmt.Fprintf(out, "%s stopped with status %s\n", name, final.Kind())
	}
	return &PhaseError{Phase: name, Kind: string(final.Kind())}
}

func closeAll[T io.Closer](logger zerolog.Logger, closers []T) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close plugin")
		}
	}
}
