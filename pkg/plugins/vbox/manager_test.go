package vbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/auri/auri/pkg/plugin"
)

// fakeVBox records VBoxManage calls and reports a fixed VM state.
type fakeVBox struct {
	state string
	fail  string
	calls []string
}

func (f *fakeVBox) run(_ context.Context, binary string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, binary+" "+strings.Join(args, " "))
	if args[0] == f.fail {
		return []byte("VBoxManage: error: Could not find a snapshot named 'clean'"), errors.New("exit status 1")
	}
	if args[0] == "showvminfo" {
		return []byte("name=\"win10\"\nostype=\"Windows10_64\"\nVMState=\"" + f.state + "\"\nVMStateChangeTime=\"2024-05-17T13:45:00.000000000\"\n"), nil
	}
	return nil, nil
}

func newManager(t *testing.T, doc string, fake *fakeVBox) *Manager {
	t.Helper()
	var spec plugin.Spec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &spec))
	m, err := New(spec, plugin.Env{Logger: zerolog.Nop()})
	require.NoError(t, err)
	manager := m.(*Manager)
	manager.run = fake.run
	return manager
}

const win10Doc = "type: vbox\nvmName: win10\nsnapshot: clean\nlaunchMode: headless\n"

func TestManagerCommands(t *testing.T) {
	tests := []struct {
		name   string
		state  string
		action func(*Manager) error
	}{
		{"launch_from_poweroff", "poweroff", func(m *Manager) error { return m.LaunchVM(context.Background()) }},
		{"launch_from_running", "running", func(m *Manager) error { return m.LaunchVM(context.Background()) }},
		{"stop_running", "running", func(m *Manager) error { return m.StopVM(context.Background()) }},
		{"stop_saved", "saved", func(m *Manager) error { return m.StopVM(context.Background()) }},
		{"stop_poweroff", "poweroff", func(m *Manager) error { return m.StopVM(context.Background()) }},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeVBox{state: tt.state}
			m := newManager(t, win10Doc, fake)

			require.NoError(t, tt.action(m))
			g.Assert(t, "vboxmanage_"+tt.name, []byte(strings.Join(fake.calls, "\n")+"\n"))
		})
	}
}

func TestManagerLaunchFailure(t *testing.T) {
	fake := &fakeVBox{state: "poweroff", fail: "snapshot"}
	m := newManager(t, win10Doc, fake)

	err := m.LaunchVM(context.Background())
	assert.ErrorContains(t, err, "failed to restore VM snapshot")
	assert.ErrorContains(t, err, "Could not find a snapshot named 'clean'")
	assert.Len(t, fake.calls, 2, "startvm must not run after a failed restore")
}

func TestManagerUnknownVM(t *testing.T) {
	fake := &fakeVBox{fail: "showvminfo"}
	m := newManager(t, win10Doc, fake)

	assert.ErrorContains(t, m.StopVM(context.Background()), "failed to find VM")
}

func TestManagerCheckDependencies(t *testing.T) {
	m := newManager(t, win10Doc+"binary: vboxmanage-that-does-not-exist\n", &fakeVBox{})

	missing := m.CheckDependencies(context.Background())
	assert.Equal(t, []plugin.MissingDependency{{
		Name:     "vboxmanage-that-does-not-exist",
		NeededTo: "control VirtualBox VMs",
	}}, missing)
}

func TestNewDefaults(t *testing.T) {
	m := newManager(t, "type: vbox\nvmName: win10\nsnapshot: clean\n", &fakeVBox{})
	assert.Equal(t, "gui", m.def.LaunchMode)
	assert.Equal(t, DefaultBinary, m.def.Binary)
	assert.Equal(t, DefaultTimeout, m.def.Timeout)
	assert.Equal(t, "VirtualBox", m.Name())
}
