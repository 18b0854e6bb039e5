package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/auri/auri/pkg/config"
	"github.com/auri/auri/pkg/engine"
	"github.com/auri/auri/pkg/manage"
	"github.com/auri/auri/pkg/plugin"
)

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand("1.2.3", "abc1234", "2024-05-17")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeRunbook(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runbook.yml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestCollectionCommand(t *testing.T) {
	inbox := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "invoice.exe"), []byte("MZ\x90\x00 not really a PE"), 0o644))

	base := t.TempDir()
	runbook := writeRunbook(t, "collectionPhase:\n  collectors:\n    - type: folder\n      samplesDir: "+inbox+"\n")

	out, err := execute(t, "collection", "-b", base, "-r", runbook)
	require.NoError(t, err)
	assert.Contains(t, out, "Collection finished: 1 samples collected")

	assert.FileExists(t, filepath.Join(base, "auri.db"))
	assert.FileExists(t, filepath.Join(base, "logs", "collection.log"))
	assert.DirExists(t, filepath.Join(base, "cache", "collection"))
	assert.DirExists(t, filepath.Join(base, "extensions"))

	// Known samples are not collected twice
	out, err = execute(t, "collection", "-b", base, "-r", runbook)
	require.NoError(t, err)
	assert.Contains(t, out, "Collection finished: 0 samples collected")
}

func TestPhaseNotConfigured(t *testing.T) {
	runbook := writeRunbook(t, "collectionPhase:\n  collectors:\n    - type: folder\n      samplesDir: /srv/inbox\n")

	for _, action := range []string{"liveness", "analysis", "evaluation"} {
		t.Run(action, func(t *testing.T) {
			_, err := execute(t, action, "-b", t.TempDir(), "-r", runbook)
			assert.ErrorIs(t, err, config.ErrPhaseNotConfigured)
		})
	}
}

func TestMissingRunbook(t *testing.T) {
	_, err := execute(t, "collection", "-b", t.TempDir(), "-r", filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPruneCache(t *testing.T) {
	base := t.TempDir()
	stale := filepath.Join(base, "cache", "collection", "stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	runbook := writeRunbook(t, "collectionPhase:\n  collectors:\n    - type: folder\n      samplesDir: "+t.TempDir()+"\n")

	_, err := execute(t, "collection", "-b", base, "-r", runbook)
	require.NoError(t, err)
	assert.DirExists(t, stale)

	_, err = execute(t, "collection", "-b", base, "-r", runbook, "--prune-cache")
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
}

func TestPruneSamplesCommand(t *testing.T) {
	base := t.TempDir()

	out, err := execute(t, "manage", "prune-samples", "-b", base)
	require.NoError(t, err)
	assert.Equal(t, "Pruned 0 samples, freed 0 B\n", out)

	require.NoError(t, os.WriteFile(filepath.Join(base, "samples", "leftover.tmp"), make([]byte, 2048), 0o644))
	out, err = execute(t, "manage", "prune-samples", "--aggressive", "-b", base)
	require.NoError(t, err)
	assert.Equal(t, "Pruned 1 samples, freed 2.0 KiB\n", out)
	assert.NoFileExists(t, filepath.Join(base, "samples", "leftover.tmp"))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "auri 1.2.3")
	assert.Contains(t, out, "commit:     abc1234")
}

func TestReportPhase(t *testing.T) {
	tests := []struct {
		name    string
		status  engine.ProcessStatus
		want    string
		wantErr bool
	}{
		{
			name:   "finished",
			status: engine.Finished{Stats: engine.LivenessStats{}},
			want:   "Liveness finished: ",
		},
		{
			name:    "failed",
			status:  engine.Failed{What: "launch VM", Why: "VBoxManage not found"},
			want:    "Liveness failed: launch VM: VBoxManage not found\n",
			wantErr: true,
		},
		{
			name: "missing dependencies",
			status: engine.MissingDependencies{Missing: map[string][]plugin.MissingDependency{
				"VirtualBox": {{Name: "VBoxManage", NeededTo: "control VirtualBox VMs"}},
			}},
			want:    "Liveness could not start, missing dependencies:\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := reportPhase(&out, "Liveness", tt.status)
			assert.Contains(t, out.String(), tt.want)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var phaseErr *PhaseError
			require.ErrorAs(t, err, &phaseErr)
			assert.Equal(t, string(tt.status.Kind()), phaseErr.Kind)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	p := message.NewPrinter(language.English)
	tests := map[int64]string{
		0:               "0 B",
		1023:            "1,023 B",
		1536:            "1.5 KiB",
		5 * 1024 * 1024: "5.0 MiB",
		3 << 30:         "3.0 GiB",
	}
	for n, want := range tests {
		assert.Equal(t, want, formatBytes(p, n), "formatBytes(%d)", n)
	}
}

func TestPrintPruneResult(t *testing.T) {
	var out bytes.Buffer
	printPruneResult(&out, manage.PruneResult{PrunedSamples: 1234, BytesFreed: 1536})
	assert.Equal(t, "Pruned 1,234 samples, freed 1.5 KiB\n", out.String())
}
