package config

import (
	"time"

	"github.com/auri/auri/pkg/engine"
	"github.com/auri/auri/pkg/plugin"
)

// Runbook is the configuration of every phase of the pipeline.
type Runbook struct {
	Main            MainConfig       `yaml:"main"`
	CollectionPhase *CollectionPhase `yaml:"collectionPhase" validate:"omitempty"`
	LivenessPhase   *LivenessPhase   `yaml:"livenessPhase" validate:"omitempty"`
	EvaluationPhase *EvaluationPhase `yaml:"evaluationPhase" validate:"omitempty"`
	Telemetry       TelemetryConfig  `yaml:"telemetry"`
}

// MainConfig is reserved for process wide settings.
type MainConfig struct{}

// CollectionPhase configures where samples come from.
type CollectionPhase struct {
	Collectors    []plugin.Spec `yaml:"collectors" validate:"required,min=1"`
	InfoProviders []plugin.Spec `yaml:"infoProviders"`
}

// KeepListening makes a streamed phase poll the store for new samples.
type KeepListening struct {
	PollTime time.Duration `yaml:"pollTime" validate:"gte=0"`
}

// RetryConfig bounds the retries of VM operations.
type RetryConfig struct {
	Delay       time.Duration `yaml:"delay" validate:"gte=0"`
	MaxAttempts int           `yaml:"maxAttempts" validate:"gte=0"`
}

// LivenessPhase configures the liveness analysis.
type LivenessPhase struct {
	SampleExecutionPath       string        `yaml:"sampleExecutionPath" validate:"required"`
	VMManager                 plugin.Spec   `yaml:"vmManager" validate:"required"`
	VMInteraction             plugin.Spec   `yaml:"vmInteraction" validate:"required"`
	Analyzers                 []plugin.Spec `yaml:"analyzers" validate:"required,min=1"`
	MarkAsChangedOnAccessLost *bool         `yaml:"markAsChangedOnAccessLost"`
	MarkAsInactiveAfter       time.Duration `yaml:"markAsInactiveAfter" validate:"gte=0"`
	AnalyzeEvery              time.Duration `yaml:"analyzeEvery" validate:"gte=0"`
	KeepListening             KeepListening `yaml:"keepListening"`
	Retry                     RetryConfig   `yaml:"retry"`
	RetrySendFile             *bool         `yaml:"retrySendFile"`
}

// VendorVM is a VM image protected by a security vendor.
type VendorVM struct {
	Name          string      `yaml:"name" validate:"required"`
	VMManager     plugin.Spec `yaml:"vmManager" validate:"required"`
	VMInteraction plugin.Spec `yaml:"vmInteraction" validate:"required"`
}

// EvaluationPhase configures the vendor evaluation.
type EvaluationPhase struct {
	SampleExecutionPath      string        `yaml:"sampleExecutionPath" validate:"required"`
	VendorVMs                []VendorVM    `yaml:"vendorVMs" validate:"required,min=1,unique=Name,dive"`
	Analyzers                []plugin.Spec `yaml:"analyzers" validate:"required,min=1"`
	MarkAsInmuneOnAccessLost *bool         `yaml:"markAsInmuneOnAccessLost"`
	MarkAsInmuneAfter        time.Duration `yaml:"markAsInmuneAfter" validate:"gte=0"`
	AnalyzeEvery             time.Duration `yaml:"analyzeEvery" validate:"gte=0"`
	KeepListening            KeepListening `yaml:"keepListening"`
	Retry                    RetryConfig   `yaml:"retry"`
	RetrySendFile            *bool         `yaml:"retrySendFile"`
}

// TelemetryConfig overrides parts of the telemetry defaults.
type TelemetryConfig struct {
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
		Endpoint     string  `yaml:"endpoint"`
		SamplingRate float64 `yaml:"samplingRate" validate:"gte=0,lte=1"`
	} `yaml:"tracing"`
}

// applyDefaults fills every unset optional field.
func (r *Runbook) applyDefaults() {
	if l := r.LivenessPhase; l != nil {
		l.MarkAsChangedOnAccessLost = orDefault(l.MarkAsChangedOnAccessLost, true)
		l.RetrySendFile = orDefault(l.RetrySendFile, false)
		if l.MarkAsInactiveAfter == 0 {
			l.MarkAsInactiveAfter = engine.DefaultChangeTimeout
		}
		if l.AnalyzeEvery == 0 {
			l.AnalyzeEvery = engine.DefaultAnalyzeEvery
		}
		l.Retry = l.Retry.withDefaults()
	}

	if e := r.EvaluationPhase; e != nil {
		e.MarkAsInmuneOnAccessLost = orDefault(e.MarkAsInmuneOnAccessLost, true)
		e.RetrySendFile = orDefault(e.RetrySendFile, true)
		if e.MarkAsInmuneAfter == 0 {
			e.MarkAsInmuneAfter = engine.DefaultChangeTimeout
		}
		if e.AnalyzeEvery == 0 {
			e.AnalyzeEvery = engine.DefaultAnalyzeEvery
		}
		e.Retry = e.Retry.withDefaults()
	}
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.Delay == 0 {
		r.Delay = engine.DefaultRetryDelay
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = engine.DefaultRetryMaxRetries
	}
	return r
}

func orDefault(v *bool, def bool) *bool {
	if v != nil {
		return v
	}
	return &def
}

// PhaseConfig returns the engine settings of the liveness phase. Paths, logger and
// metrics are left to the caller.
func (l *LivenessPhase) PhaseConfig(streamed bool) engine.PhaseConfig {
	return engine.PhaseConfig{
		SampleExecutionPath: l.SampleExecutionPath,
		ChangeLoop:          engine.ChangeLoopConfig{Timeout: l.MarkAsInactiveAfter, Every: l.AnalyzeEvery},
		AccessLostAs:        *l.MarkAsChangedOnAccessLost,
		Retry:               engine.RetryPolicy{Delay: l.Retry.Delay, MaxRetries: l.Retry.MaxAttempts},
		RetrySendFile:       *l.RetrySendFile,
		Streamed:            streamed,
		PollInterval:        l.KeepListening.PollTime,
	}
}

// PhaseConfig returns the engine settings of the evaluation phase. Paths, logger and
// metrics are left to the caller.
func (e *EvaluationPhase) PhaseConfig(streamed bool) engine.PhaseConfig {
	return engine.PhaseConfig{
		SampleExecutionPath: e.SampleExecutionPath,
		ChangeLoop:          engine.ChangeLoopConfig{Timeout: e.MarkAsInmuneAfter, Every: e.AnalyzeEvery},
		AccessLostAs:        *e.MarkAsInmuneOnAccessLost,
		Retry:               engine.RetryPolicy{Delay: e.Retry.Delay, MaxRetries: e.Retry.MaxAttempts},
		RetrySendFile:       *e.RetrySendFile,
		Streamed:            streamed,
		PollInterval:        e.KeepListening.PollTime,
	}
}
