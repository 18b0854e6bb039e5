// Package vbox provides a VM manager driving VirtualBox through VBoxManage.
package vbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/plugin"
)

// Type is the runbook type of the manager.
const Type = "vbox"

const (
	DefaultBinary  = "VBoxManage"
	DefaultTimeout = time.Minute
)

// VM states reported by showvminfo --machinereadable.
const (
	statePoweroff = "poweroff"
	stateAborted  = "aborted"
	stateSaved    = "saved"
)

// Definition is the runbook entry of a VirtualBox manager.
type Definition struct {
	// VMName is the name or UUID of the VM.
	VMName string `yaml:"vmName" validate:"required"`

	// Snapshot is restored before every launch.
	Snapshot string `yaml:"snapshot" validate:"required"`

	// LaunchMode is passed to startvm --type.
	LaunchMode string `yaml:"launchMode" validate:"omitempty,oneof=gui headless sdl separate"`

	// Binary is the VBoxManage executable.
	Binary string `yaml:"binary"`

	// Timeout bounds every VBoxManage call.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// runner runs VBoxManage and returns its combined output.
type runner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).CombinedOutput()
}

// Manager restores and starts a VirtualBox VM.
type Manager struct {
	plugin.Info
	def    Definition
	run    runner
	logger zerolog.Logger
}

// New builds a manager from its runbook entry.
func New(spec plugin.Spec, env plugin.Env) (plugin.VMManager, error) {
	var def Definition
	if err := spec.Decode(&def); err != nil {
		return nil, err
	}
	if def.LaunchMode == "" {
		def.LaunchMode = "gui"
	}
	if def.Binary == "" {
		def.Binary = DefaultBinary
	}
	if def.Timeout == 0 {
		def.Timeout = DefaultTimeout
	}

	return &Manager{
		Info: plugin.Info{
			PluginName:        spec.DisplayName("VirtualBox"),
			PluginDescription: "Manage VirtualBox VMs",
			PluginVersion:     "1.0.0",
		},
		def:    def,
		run:    execRunner,
		logger: env.Logger.With().Str("vm", def.VMName).Logger(),
	}, nil
}

// CheckDependencies reports a missing VBoxManage binary.
func (m *Manager) CheckDependencies(context.Context) []plugin.MissingDependency {
	if _, err := exec.LookPath(m.def.Binary); err != nil {
		return []plugin.MissingDependency{{
			Name:     m.def.Binary,
			NeededTo: "control VirtualBox VMs",
		}}
	}
	return nil
}

// LaunchVM powers the VM off if needed, restores the snapshot and starts the VM.
func (m *Manager) LaunchVM(ctx context.Context) error {
	state, err := m.state(ctx)
	if err != nil {
		return err
	}
	m.logger.Debug().Str("state", state).Msg("Current VM state")

	switch state {
	case statePoweroff, stateAborted, stateSaved:
	default:
		if _, err := m.vboxManage(ctx, "controlvm", m.def.VMName, "poweroff"); err != nil {
			return fmt.Errorf("failed to power off VM: %w", err)
		}
	}

	if _, err := m.vboxManage(ctx, "snapshot", m.def.VMName, "restore", m.def.Snapshot); err != nil {
		return fmt.Errorf("failed to restore VM snapshot: %w", err)
	}
	m.logger.Debug().Str("snapshot", m.def.Snapshot).Msg("VM restored")

	if _, err := m.vboxManage(ctx, "startvm", m.def.VMName, "--type", m.def.LaunchMode); err != nil {
		return fmt.Errorf("failed to launch VM: %w", err)
	}
	m.logger.Debug().Msg("VM started")
	return nil
}

// StopVM powers the VM off. It does nothing when the VM is already off.
func (m *Manager) StopVM(ctx context.Context) error {
	state, err := m.state(ctx)
	if err != nil {
		return err
	}

	switch state {
	case statePoweroff, stateAborted:
		return nil
	case stateSaved:
		if _, err := m.vboxManage(ctx, "discardstate", m.def.VMName); err != nil {
			return fmt.Errorf("failed to discard VM state: %w", err)
		}
	default:
		if _, err := m.vboxManage(ctx, "controlvm", m.def.VMName, "poweroff"); err != nil {
			return fmt.Errorf("failed to power off VM: %w", err)
		}
	}
	m.logger.Debug().Msg("VM stopped")
	return nil
}

// state returns the VMState field of showvminfo.
func (m *Manager) state(ctx context.Context) (string, error) {
	out, err := m.vboxManage(ctx, "showvminfo", m.def.VMName, "--machinereadable")
	if err != nil {
		return "", fmt.Errorf("failed to find VM: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if ok && key == "VMState" {
			return strings.Trim(value, `"`), nil
		}
	}
	return "", errors.New("failed to get VM state: VMState missing from showvminfo")
}

func (m *Manager) vboxManage(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.def.Timeout)
	defer cancel()

	out, err := m.run(ctx, m.def.Binary, args...)
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", m.def.Binary, args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
