package telemetry_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/auri/auri/pkg/telemetry"
)

// Example_basicSetup demonstrates setting up telemetry for a CLI action.
func Example_basicSetup() {
	dir, _ := os.MkdirTemp("", "auri-telemetry")
	defer os.RemoveAll(dir)

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = telemetry.VerbosityLevel(1)
	cfg.Logging.File = filepath.Join(dir, "logs", "collection.log")

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("collection")
	logger.Debug().Msg("Only written to the log file")

	fmt.Println(cfg.Logging.Level)
	// Output: info
}

// Example_statusServer demonstrates exposing the phase status over HTTP.
func Example_statusServer() {
	metrics, _ := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	srv := telemetry.NewStatusServer(func() ([]byte, error) {
		return []byte(`{"kind":"initializing"}`), nil
	}, nil, metrics)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	fmt.Println(rec.Body.String())
	// Output: {"kind":"initializing"}
}
