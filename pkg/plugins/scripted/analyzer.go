// Package scripted provides an analyzer whose verdict is computed by a Starlark script
// from the output of a guest command.
package scripted

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/plugin"
)

// Type is the runbook type of the analyzer.
const Type = "scripted"

const baselineFile = "baseline.txt"

// Definition is the runbook entry of a scripted analyzer.
type Definition struct {
	// Command runs inside the guest. Its standard output is the observed state.
	Command string `yaml:"command" validate:"required"`

	// Script defines report(initial, current) returning a list of evidence strings.
	Script string `yaml:"script" validate:"required"`

	// Timeout bounds a single script evaluation.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Vars are predeclared in the script.
	Vars map[string]any `yaml:"vars"`
}

// Analyzer compares the output of a guest command before and after the sample runs.
type Analyzer struct {
	plugin.Info
	def       Definition
	evaluator *Evaluator
	logger    zerolog.Logger
}

// New builds an analyzer from its runbook entry.
func New(spec plugin.Spec, env plugin.Env) (plugin.Analyzer, error) {
	var def Definition
	if err := spec.Decode(&def); err != nil {
		return nil, err
	}

	evaluator, err := NewEvaluator(def.Timeout, def.Vars)
	if err != nil {
		return nil, err
	}
	if err := evaluator.Check(def.Script); err != nil {
		return nil, err
	}

	return &Analyzer{
		Info: plugin.Info{
			PluginName:        spec.DisplayName("Scripted analyzer"),
			PluginDescription: "Compares the output of a guest command using a Starlark script.",
			PluginVersion:     "1.0.0",
		},
		def:       def,
		evaluator: evaluator,
		logger:    env.Logger,
	}, nil
}

// CheckDependencies implements plugin.Dependent.
func (a *Analyzer) CheckDependencies(context.Context) []plugin.MissingDependency {
	return nil
}

// CaptureInitialState stores the command output of the clean VM.
func (a *Analyzer) CaptureInitialState(ctx context.Context, workDir string, vm plugin.VMInteraction) error {
	output, err := a.observe(ctx, vm)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workDir, baselineFile), []byte(output), 0o644); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

// ReportChanges runs the command again and lets the script compare both outputs.
func (a *Analyzer) ReportChanges(ctx context.Context, workDir string, vm plugin.VMInteraction) (plugin.ChangeReport, error) {
	initial, err := os.ReadFile(filepath.Join(workDir, baselineFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}

	current, err := a.observe(ctx, vm)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Guest command failed")
		return plugin.AccessLost{}, nil
	}

	evidence, err := a.evaluator.Report(ctx, a.def.Script, string(initial), current)
	if err != nil {
		return nil, err
	}
	if len(evidence) == 0 {
		return plugin.NotChanged{}, nil
	}
	return plugin.Changed{Evidence: evidence}, nil
}

func (a *Analyzer) observe(ctx context.Context, vm plugin.VMInteraction) (string, error) {
	out, err := plugin.RunAndGetOutput(ctx, vm.PrepareCommand(a.def.Command), "")
	if err != nil {
		return "", err
	}
	if !out.Succeeded() {
		return "", fmt.Errorf("command exited with code %d: %s", out.ExitCode, out.Stderr)
	}
	return out.Stdout, nil
}
