package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/auri/auri/pkg/plugin"
)

// ErrPhaseNotConfigured is returned when a command needs a runbook section that is missing.
var ErrPhaseNotConfigured = errors.New("phase not configured in runbook")

// Loader reads and validates runbooks.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a runbook loader.
func NewLoader() *Loader {
	return &Loader{
		schemas:  NewSchemaRegistry(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load reads the runbook at path.
func (l *Loader) Load(ctx context.Context, path string) (*Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runbook: %w", err)
	}

	rb, err := l.Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("runbook %s: %w", path, err)
	}
	return rb, nil
}

// Parse decodes, validates and completes a runbook document.
func (l *Loader) Parse(ctx context.Context, data []byte) (*Runbook, error) {
	var document map[string]any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if document == nil {
		return nil, errors.New("runbook is empty")
	}

	if err := l.schemas.ValidateRunbook(ctx, document); err != nil {
		return nil, err
	}

	var rb Runbook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("failed to decode runbook: %w", err)
	}

	if err := l.validate.Struct(&rb); err != nil {
		return nil, fmt.Errorf("invalid runbook: %w", err)
	}

	rb.applyDefaults()
	return &rb, nil
}

// LivenessPlugins are the plugins of the liveness phase.
type LivenessPlugins struct {
	VMManager     plugin.VMManager
	VMInteraction plugin.VMInteraction
	Analyzers     []plugin.Analyzer
}

// VendorPlugins are the plugins of one vendor VM.
type VendorPlugins struct {
	Name          string
	VMManager     plugin.VMManager
	VMInteraction plugin.VMInteraction
}

// EvaluationPlugins are the plugins of the evaluation phase.
type EvaluationPlugins struct {
	Vendors   []VendorPlugins
	Analyzers []plugin.Analyzer
}

// BuildCollection instantiates the collectors and info providers.
func (r *Runbook) BuildCollection(catalog *plugin.Catalog, env plugin.Env) ([]plugin.Collector, []plugin.InfoProvider, error) {
	if r.CollectionPhase == nil {
		return nil, nil, fmt.Errorf("collectionPhase: %w", ErrPhaseNotConfigured)
	}

	collectors, err := catalog.Collectors.BuildAll(r.CollectionPhase.Collectors, env)
	if err != nil {
		return nil, nil, err
	}
	providers, err := catalog.InfoProviders.BuildAll(r.CollectionPhase.InfoProviders, env)
	if err != nil {
		return nil, nil, err
	}
	return collectors, providers, nil
}

// BuildLiveness instantiates the plugins of the liveness phase.
func (r *Runbook) BuildLiveness(catalog *plugin.Catalog, env plugin.Env) (*LivenessPlugins, error) {
	l := r.LivenessPhase
	if l == nil {
		return nil, fmt.Errorf("livenessPhase: %w", ErrPhaseNotConfigured)
	}

	manager, err := catalog.VMManagers.Build(l.VMManager, env)
	if err != nil {
		return nil, err
	}
	interaction, err := catalog.VMInteractions.Build(l.VMInteraction, env)
	if err != nil {
		return nil, err
	}
	analyzers, err := catalog.Analyzers.BuildAll(l.Analyzers, env)
	if err != nil {
		return nil, err
	}

	return &LivenessPlugins{VMManager: manager, VMInteraction: interaction, Analyzers: analyzers}, nil
}

// BuildEvaluation instantiates the plugins of the evaluation phase.
func (r *Runbook) BuildEvaluation(catalog *plugin.Catalog, env plugin.Env) (*EvaluationPlugins, error) {
	e := r.EvaluationPhase
	if e == nil {
		return nil, fmt.Errorf("evaluationPhase: %w", ErrPhaseNotConfigured)
	}

	built := &EvaluationPlugins{}
	for _, vendor := range e.VendorVMs {
		manager, err := catalog.VMManagers.Build(vendor.VMManager, env)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", vendor.Name, err)
		}
		interaction, err := catalog.VMInteractions.Build(vendor.VMInteraction, env)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", vendor.Name, err)
		}
		built.Vendors = append(built.Vendors, VendorPlugins{Name: vendor.Name, VMManager: manager, VMInteraction: interaction})
	}

	analyzers, err := catalog.Analyzers.BuildAll(e.Analyzers, env)
	if err != nil {
		return nil, err
	}
	built.Analyzers = analyzers
	return built, nil
}
