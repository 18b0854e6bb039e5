package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the zerolog logger of an Auri process together with its log file.
type Logger struct {
	zlog zerolog.Logger
	file *os.File
}

// NewLogger creates a logger writing records at cfg.Level or above to cfg.Output.
// When cfg.File is set, every record is also appended to it as JSON.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	l := &Logger{}

	var main io.Writer
	switch cfg.Output {
	case "stdout", "":
		main = os.Stdout
	case "stderr":
		main = os.Stderr
	default:
		f, err := openLogFile(cfg.Output)
		if err != nil {
			return nil, err
		}
		main = f
	}
	if cfg.Format == "console" {
		consoleTime := time.RFC3339
		if cfg.TimeFormat == "unix" {
			consoleTime = "unix"
		}
		main = zerolog.ConsoleWriter{Out: main, TimeFormat: consoleTime}
	}

	var out zerolog.LevelWriter = &zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: main},
		Level:  level,
	}
	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			return nil, err
		}
		l.file = f
		out = zerolog.MultiLevelWriter(out, f)
		level = zerolog.TraceLevel
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	l.zlog = ctx.Logger()
	return l, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// NewComponentLogger creates a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) zerolog.Logger {
	return l.zlog.With().Str("component", component).Logger()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
