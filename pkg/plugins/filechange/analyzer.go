// Package filechange provides an analyzer that flags changes in a set of guest files.
//
// The guest must run Windows PowerShell. The analyzer streams the tracked paths to
// an embedded script, one per line, and reads back one JSON array per path.
package filechange

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"

	"github.com/auri/auri/pkg/plugin"
)

// Type is the runbook type of the analyzer.
const Type = "filechange"

const baselineFile = "filechange-baseline.json"

//go:embed check.ps1
var checkScript string

// Definition is the runbook entry of a file-change analyzer.
type Definition struct {
	// Files are absolute guest paths.
	Files []string `yaml:"files" validate:"required,min=1,dive,required"`

	// Features selects what is compared. Empty means DefaultFeatures.
	Features []Feature `yaml:"features" validate:"unique,dive,oneof=size created lastModified lastAccessed attributes hash"`
}

// Analyzer compares file metadata before and after the sample runs.
type Analyzer struct {
	plugin.Info
	def     Definition
	command string
	logger  zerolog.Logger
}

// New builds an analyzer from its runbook entry.
func New(spec plugin.Spec, env plugin.Env) (plugin.Analyzer, error) {
	var def Definition
	if err := spec.Decode(&def); err != nil {
		return nil, err
	}
	if len(def.Features) == 0 {
		def.Features = DefaultFeatures
	}
	if slices.Contains(def.Features, LastAccessed) && slices.Contains(def.Features, Hash) {
		return nil, errors.New("lastAccessed and hash cannot be tracked together: hashing a file updates its last access time")
	}

	command, err := encodeCommand(!slices.Contains(def.Features, Hash))
	if err != nil {
		return nil, err
	}

	return &Analyzer{
		Info: plugin.Info{
			PluginName:        spec.DisplayName("File changes"),
			PluginDescription: "Flags changes in a set of defined files",
			PluginVersion:     "1.0.0",
		},
		def:     def,
		command: command,
		logger:  env.Logger,
	}, nil
}

// CheckDependencies implements plugin.Dependent.
func (a *Analyzer) CheckDependencies(context.Context) []plugin.MissingDependency {
	return nil
}

// CaptureInitialState stores the state of the tracked files in workDir.
func (a *Analyzer) CaptureInitialState(ctx context.Context, workDir string, vm plugin.VMInteraction) error {
	state, err := a.currentState(ctx, vm)
	if err != nil {
		return fmt.Errorf("getting initial state: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workDir, baselineFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

// ReportChanges compares the tracked files with the stored baseline.
func (a *Analyzer) ReportChanges(ctx context.Context, workDir string, vm plugin.VMInteraction) (plugin.ChangeReport, error) {
	data, err := os.ReadFile(filepath.Join(workDir, baselineFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	var initial map[string]FileState
	if err := json.Unmarshal(data, &initial); err != nil {
		return nil, fmt.Errorf("failed to parse baseline: %w", err)
	}

	current, err := a.currentState(ctx, vm)
	if err != nil {
		a.logger.Info().Err(err).Msg("Failed to get current state, marking as access lost")
		return plugin.AccessLost{}, nil
	}

	var changes []string
	for _, path := range a.def.Files {
		for _, change := range diffFile(initial, current, path) {
			changes = append(changes, fmt.Sprintf("(%s) %s", path, change))
		}
	}
	if len(changes) == 0 {
		return plugin.NotChanged{}, nil
	}
	return plugin.Changed{Evidence: changes}, nil
}

// currentState runs the guest script and keeps the tracked features of every existing file.
func (a *Analyzer) currentState(ctx context.Context, vm plugin.VMInteraction) (map[string]FileState, error) {
	input := strings.Join(a.def.Files, "\n") + "\n"
	out, err := plugin.RunAndGetOutput(ctx, vm.PrepareCommand(a.command), input)
	if err != nil {
		return nil, fmt.Errorf("running script to check file changes: %w", err)
	}
	if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
		return nil, fmt.Errorf("script sent an error message: %s", stderr)
	}
	if !out.Succeeded() {
		return nil, fmt.Errorf("script exited with code %d", out.ExitCode)
	}

	state := make(map[string]FileState, len(a.def.Files))
	scanner := bufio.NewScanner(strings.NewReader(out.Stdout))
	checked := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entries []scriptEntry
		if err := json.Unmarshal([]byte(line), &entries); err != nil {
			return nil, fmt.Errorf("failed to parse script result: %w", err)
		}
		for _, e := range entries {
			fs, err := e.state(a.def.Features)
			if err != nil {
				return nil, fmt.Errorf("failed to parse script result for %s: %w", e.FilePath, err)
			}
			state[e.FilePath] = fs
		}
		checked++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if checked != len(a.def.Files) {
		return nil, fmt.Errorf("script finished after checking %d of %d files", checked, len(a.def.Files))
	}
	return state, nil
}

// encodeCommand builds a powershell invocation carrying the check script as UTF-16LE base64.
func encodeCommand(skipHash bool) (string, error) {
	script := fmt.Sprintf("$SkipHash = $%t\n%s", skipHash, checkScript)
	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(script)
	if err != nil {
		return "", fmt.Errorf("failed to encode check script: %w", err)
	}
	return "powershell -NoProfile -NonInteractive -EncodedCommand " + base64.StdEncoding.EncodeToString([]byte(utf16)), nil
}
