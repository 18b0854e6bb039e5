package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/auri/auri/pkg/plugin"
	"github.com/auri/auri/pkg/stores"
)

const testSamplePath = `C:\Users\auri\Desktop\sample.exe`

// fakeVM is both the manager and the interaction of an in-memory VM.
type fakeVM struct {
	plugin.Info

	mu             sync.Mutex
	launchFailures int
	launches       int
	stops          int
	files          map[string]string
	commands       []string
	taskExitCode   int
	sendErr        error
	readyErr       error
	missing        []plugin.MissingDependency
}

func newFakeVM(name string) *fakeVM {
	return &fakeVM{
		Info:  plugin.Info{PluginName: name, PluginDescription: "fake VM", PluginVersion: "test"},
		files: make(map[string]string),
	}
}

func (v *fakeVM) CheckDependencies(context.Context) []plugin.MissingDependency {
	return v.missing
}

func (v *fakeVM) LaunchVM(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.launches++
	if v.launches <= v.launchFailures {
		return errors.New("hypervisor busy")
	}
	return nil
}

func (v *fakeVM) StopVM(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stops++
	// Back to the clean snapshot
	v.files = make(map[string]string)
	return nil
}

func (v *fakeVM) AwaitReady(context.Context) error {
	return v.readyErr
}

func (v *fakeVM) SendFile(_ context.Context, r io.Reader, remotePath string) error {
	if v.sendErr != nil {
		return v.sendErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[remotePath] = string(data)
	return nil
}

func (v *fakeVM) PrepareCommand(command string) plugin.Command {
	return &fakeCommand{vm: v, command: command}
}

func (v *fakeVM) Close() error { return nil }

func (v *fakeVM) file(path string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.files[path]
}

func (v *fakeVM) counts() (launches, stops int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.launches, v.stops
}

func (v *fakeVM) ranCommands() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.commands...)
}

type fakeCommand struct {
	vm      *fakeVM
	command string
}

type discardCloser struct{ io.Writer }

func (discardCloser) Close() error { return nil }

func (c *fakeCommand) Stdin() io.WriteCloser { return discardCloser{io.Discard} }
func (c *fakeCommand) Stdout() io.Reader     { return strings.NewReader("") }

func (c *fakeCommand) Stderr() io.Reader {
	if c.vm.taskExitCode != 0 {
		return strings.NewReader("ERROR: Access is denied.")
	}
	return strings.NewReader("")
}

func (c *fakeCommand) Run(context.Context) (int, error) {
	c.vm.mu.Lock()
	defer c.vm.mu.Unlock()
	c.vm.commands = append(c.vm.commands, c.command)
	return c.vm.taskExitCode, nil
}

// fakeAnalyzer reports changes according to the content of the running sample.
type fakeAnalyzer struct {
	plugin.Info

	missing    []plugin.MissingDependency
	captureErr error
	onCheck    func()
	report     func(sample string, poll int) (plugin.ChangeReport, error)

	mu       sync.Mutex
	polls    map[string]int
	captured []string
}

func newFakeAnalyzer(name string, report func(sample string, poll int) (plugin.ChangeReport, error)) *fakeAnalyzer {
	return &fakeAnalyzer{
		Info:   plugin.Info{PluginName: name, PluginDescription: "fake analyzer", PluginVersion: "test"},
		report: report,
		polls:  make(map[string]int),
	}
}

func (a *fakeAnalyzer) CheckDependencies(context.Context) []plugin.MissingDependency {
	if a.onCheck != nil {
		a.onCheck()
	}
	return a.missing
}

func (a *fakeAnalyzer) CaptureInitialState(_ context.Context, workDir string, _ plugin.VMInteraction) error {
	if a.captureErr != nil {
		return a.captureErr
	}
	a.mu.Lock()
	a.captured = append(a.captured, workDir)
	a.mu.Unlock()
	return os.WriteFile(filepath.Join(workDir, "baseline.json"), []byte("{}"), 0o644)
}

func (a *fakeAnalyzer) ReportChanges(_ context.Context, _ string, vm plugin.VMInteraction) (plugin.ChangeReport, error) {
	sample := vm.(*fakeVM).file(testSamplePath)
	a.mu.Lock()
	a.polls[sample]++
	poll := a.polls[sample]
	a.mu.Unlock()
	return a.report(sample, poll)
}

func (a *fakeAnalyzer) pollsOf(sample string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls[sample]
}

// ransomwareBehavior changes the VM for samples containing "encrypt".
func ransomwareBehavior(sample string, _ int) (plugin.ChangeReport, error) {
	if strings.Contains(sample, "encrypt") {
		return plugin.Changed{Evidence: []string{"Document.docx was modified", "Photo.jpg was deleted"}}, nil
	}
	return plugin.NotChanged{}, nil
}

type testEnv struct {
	store      *stores.SQLiteStore
	samplesDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := stores.Open(context.Background(), stores.Config{Path: filepath.Join(dir, "auri.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	samplesDir := filepath.Join(dir, "samples")
	require.NoError(t, os.MkdirAll(samplesDir, 0o755))

	return &testEnv{store: store, samplesDir: samplesDir}
}

func (e *testEnv) addSample(t *testing.T, content string) *stores.RawSample {
	t.Helper()

	sample := &stores.RawSample{
		MD5:            "md5-" + content,
		SHA1:           "sha1-" + content,
		SHA256:         "sha256-" + content,
		Path:           "sha1-" + content,
		CollectionDate: time.Now(),
	}
	require.NoError(t, os.WriteFile(filepath.Join(e.samplesDir, sample.Path), []byte(content), 0o644))

	inserted, err := e.store.InsertSampleIfAbsent(context.Background(), sample)
	require.NoError(t, err)
	require.True(t, inserted)
	return sample
}

func (e *testEnv) markAlive(t *testing.T, sample *stores.RawSample) {
	t.Helper()
	require.NoError(t, e.store.InsertLivenessCheck(context.Background(), &stores.LivenessCheck{
		SampleID:      sample.ID,
		CheckDate:     time.Now(),
		IsAlive:       true,
		IsAliveReason: "Document.docx was modified",
	}))
}

func (e *testEnv) phaseConfig(t *testing.T) PhaseConfig {
	t.Helper()
	return PhaseConfig{
		WorkDir:             t.TempDir(),
		SamplesDir:          e.samplesDir,
		SampleExecutionPath: testSamplePath,
		ChangeLoop: ChangeLoopConfig{
			Timeout: 100 * time.Millisecond,
			Every:   5 * time.Millisecond,
		},
		AccessLostAs: true,
		Retry:        RetryPolicy{Delay: time.Millisecond, MaxRetries: 5},
		Logger:       zerolog.Nop(),
	}
}
