package scripted

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/plugin/plugintest"
)

func newAnalyzer(t *testing.T, doc string) plugin.Analyzer {
	t.Helper()
	var spec plugin.Spec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &spec))
	a, err := New(spec, plugin.Env{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return a
}

const runKeysDoc = `
type: scripted
name: Run keys
command: reg query HKCU\Software\Microsoft\Windows\CurrentVersion\Run
script: |
  def report(initial, current):
      before = initial.splitlines()
      return [l.strip() + " was added" for l in current.splitlines() if l not in before]
`

func TestAnalyzerReportsChanges(t *testing.T) {
	a := newAnalyzer(t, runKeysDoc)
	assert.Equal(t, "Run keys", a.Name())

	output := "    OneDrive    REG_SZ    onedrive.exe"
	vm := plugintest.NewVM(func(string, string) (plugintest.Result, error) {
		return plugintest.Result{Stdout: output}, nil
	})
	workDir := t.TempDir()
	ctx := context.Background()

	require.NoError(t, a.CaptureInitialState(ctx, workDir, vm))
	assert.Equal(t, []string{`reg query HKCU\Software\Microsoft\Windows\CurrentVersion\Run`}, vm.Commands())

	report, err := a.ReportChanges(ctx, workDir, vm)
	require.NoError(t, err)
	assert.Equal(t, plugin.NotChanged{}, report)

	output += "\n    Locker    REG_SZ    C:\\locker.exe"
	report, err = a.ReportChanges(ctx, workDir, vm)
	require.NoError(t, err)
	assert.Equal(t, plugin.Changed{Evidence: []string{`Locker    REG_SZ    C:\locker.exe was added`}}, report)
}

func TestAnalyzerAccessLost(t *testing.T) {
	a := newAnalyzer(t, runKeysDoc)
	vm := plugintest.NewVM(func(string, string) (plugintest.Result, error) {
		return plugintest.Result{Stdout: "clean"}, nil
	})
	workDir := t.TempDir()
	ctx := context.Background()
	require.NoError(t, a.CaptureInitialState(ctx, workDir, vm))

	vm.SetHandler(func(string, string) (plugintest.Result, error) {
		return plugintest.Result{}, errors.New("connection reset by peer")
	})
	report, err := a.ReportChanges(ctx, workDir, vm)
	require.NoError(t, err)
	assert.Equal(t, plugin.AccessLost{}, report)

	vm.SetHandler(func(string, string) (plugintest.Result, error) {
		return plugintest.Result{ExitCode: 1, Stderr: "Access is denied."}, nil
	})
	report, err = a.ReportChanges(ctx, workDir, vm)
	require.NoError(t, err)
	assert.Equal(t, plugin.AccessLost{}, report)
}

func TestAnalyzerCaptureFailsOnCommandError(t *testing.T) {
	a := newAnalyzer(t, runKeysDoc)
	vm := plugintest.NewVM(func(string, string) (plugintest.Result, error) {
		return plugintest.Result{ExitCode: 1, Stderr: "ERROR: The system was unable to find the specified registry key"}, nil
	})

	err := a.CaptureInitialState(context.Background(), t.TempDir(), vm)
	assert.ErrorContains(t, err, "command exited with code 1")
}

func TestNewRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing command", "type: scripted\nscript: 'def report(a, b): return []'\n"},
		{"missing report", "type: scripted\ncommand: dir\nscript: 'x = 1'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var spec plugin.Spec
			require.NoError(t, yaml.Unmarshal([]byte(tt.doc), &spec))
			_, err := New(spec, plugin.Env{Logger: zerolog.Nop()})
			assert.Error(t, err)
		})
	}
}
