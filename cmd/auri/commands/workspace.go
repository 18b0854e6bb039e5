package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/auri/auri/pkg/config"
	"github.com/auri/auri/pkg/stores"
	"github.com/auri/auri/pkg/telemetry"
)

// layout resolves the paths below the base directory.
type layout string

func (l layout) cache(action string) string { return filepath.Join(string(l), "cache", action) }
func (l layout) samples() string            { return filepath.Join(string(l), "samples") }
func (l layout) extensions() string         { return filepath.Join(string(l), "extensions") }
func (l layout) logFile(action string) string {
	return filepath.Join(string(l), "logs", action+".log")
}
func (l layout) database() string { return filepath.Join(string(l), "auri.db") }

// prepare creates the directories of the layout and, when prune is set, empties
// the cache of action.
func (l layout) prepare(action string, prune bool) error {
	if prune {
		if err := os.RemoveAll(l.cache(action)); err != nil {
			return fmt.Errorf("failed to prune cache: %w", err)
		}
	}
	for _, dir := range []string{l.cache(action), l.samples(), l.extensions(), filepath.Dir(l.logFile(action))} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// workspace is everything a command needs to run an action.
type workspace struct {
	action    string
	opts      *globalOptions
	layout    layout
	runbook   *config.Runbook
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	logger    zerolog.Logger
	span      trace.Span
}

// openWorkspace prepares the base directory, loads the runbook when withRunbook is
// set, and opens telemetry and the database. The returned context carries the
// span of the action.
func openWorkspace(ctx context.Context, opts *globalOptions, action string, withRunbook bool) (*workspace, context.Context, error) {
	w := &workspace{action: action, opts: opts, layout: layout(opts.baseDirectory)}

	if err := w.layout.prepare(action, opts.pruneCache); err != nil {
		return nil, ctx, err
	}

	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = opts.version
	cfg.Logging.Level = telemetry.VerbosityLevel(opts.verbosity)
	cfg.Logging.File = w.layout.logFile(action)

	if withRunbook {
		rb, err := config.NewLoader().Load(ctx, opts.runbookPath)
		if err != nil {
			return nil, ctx, err
		}
		w.runbook = rb
		applyTelemetry(cfg, rb.Telemetry)
	}

	t, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	w.telemetry = t
	w.logger = t.Logger.NewComponentLogger("cli").With().Str("action", action).Logger()

	store, err := stores.Open(ctx, stores.Config{Path: w.layout.database()})
	if err != nil {
		_ = t.Shutdown(context.WithoutCancel(ctx))
		return nil, ctx, err
	}
	w.store = store

	ctx, w.span = t.Tracer.StartSpan(ctx, "auri."+action,
		attribute.String("base_directory", opts.baseDirectory),
		attribute.Bool("streamed", opts.streamed),
	)
	if id := telemetry.TraceID(ctx); id != "" {
		w.logger = w.logger.With().Str("trace_id", id).Logger()
	}

	w.logger.Info().
		Str("base_directory", opts.baseDirectory).
		Str("database", w.layout.database()).
		Msg("Workspace ready")
	return w, ctx, nil
}

// applyTelemetry overrides the telemetry defaults with the runbook settings.
func applyTelemetry(cfg *telemetry.Config, rb config.TelemetryConfig) {
	if rb.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *rb.Metrics.Enabled
	}
	if rb.Tracing.Enabled {
		cfg.Tracing.Enabled = true
		if rb.Tracing.Exporter != "" {
			cfg.Tracing.Exporter = rb.Tracing.Exporter
		}
		cfg.Tracing.Endpoint = rb.Tracing.Endpoint
		if rb.Tracing.SamplingRate > 0 {
			cfg.Tracing.SamplingRate = rb.Tracing.SamplingRate
		}
	}
}

// end records the outcome of the action on its span.
func (w *workspace) end(err error) {
	if err != nil {
		telemetry.RecordError(w.span, err)
	} else {
		telemetry.RecordSuccess(w.span)
	}
	w.span.End()
}

// Close releases the database and flushes telemetry.
func (w *workspace) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(w.store.Close(), w.telemetry.Shutdown(ctx))
}

// serveStatus serves the status endpoint in the background when --status-addr is
// set. The returned function stops the server.
func (w *workspace) serveStatus(ctx context.Context, status telemetry.StatusFunc) func() {
	if w.opts.statusAddr == "" {
		return func() {}
	}

	server := telemetry.NewStatusServer(status, w.store.HealthCheck, w.telemetry.Metrics)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := telemetry.ListenAndServe(ctx, w.opts.statusAddr, server.Handler(), w.logger); err != nil {
			w.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
