// Package telemetry provides the observability plumbing of Auri.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// Prometheus metrics, plus a small HTTP server exposing the live phase status.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = telemetry.VerbosityLevel(verbosity)
//	cfg.Logging.File = filepath.Join(baseDir, "logs", "liveness.log")
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("engine")
//
// # Logging
//
// The main output only receives records at the configured level or above, while
// the optional log file receives every record as JSON. This mirrors the -v flags
// of the CLI: the terminal stays quiet and the per-action log keeps the details.
//
// # Metrics
//
// All Metrics methods accept a nil receiver, so components can record
// unconditionally. The status server mounts the registry at /metrics.
package telemetry
