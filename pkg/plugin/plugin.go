// Package plugin defines the capability interfaces implemented by Auri extensions.
//
// The engine and the collection pipeline only depend on the interfaces declared here:
//
//   - Collector: discovers samples and streams CollectorStatus updates
//   - InfoProvider: looks up metadata about a sample by hash
//   - Analyzer: captures a reference state of a VM and reports changes against it
//   - VMManager: restores and powers a VM on and off
//   - VMInteraction: waits for a VM, copies files into it and runs commands in it
//
// Concrete implementations are built from runbook entries through a Registry.
package plugin

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Plugin is implemented by every extension.
type Plugin interface {
	// Name returns the display name of the plugin instance.
	Name() string

	// Description returns a short human-readable description.
	Description() string

	// Version returns the plugin version.
	Version() string
}

// Dependent is implemented by plugins that rely on external prerequisites.
type Dependent interface {
	// CheckDependencies reports every unmet prerequisite. An empty result means the plugin is usable.
	CheckDependencies(ctx context.Context) []MissingDependency
}

// MissingDependency describes an unmet external prerequisite of a plugin.
type MissingDependency struct {
	// Name of the dependency, e.g. a binary or a service.
	Name string `json:"name"`

	// Version is the required version, if any.
	Version string `json:"version,omitempty"`

	// NeededTo explains what the plugin needs the dependency for.
	NeededTo string `json:"neededTo"`

	// Resolution tells the operator how to fix it.
	Resolution string `json:"resolution"`
}

// String renders the dependency on a single line.
func (d MissingDependency) String() string {
	name := d.Name
	if d.Version != "" {
		name = fmt.Sprintf("%s (%s)", d.Name, d.Version)
	}
	return fmt.Sprintf("%s is needed to %s. %s", name, d.NeededTo, d.Resolution)
}

// Info is a reusable implementation of Plugin.
type Info struct {
	PluginName        string
	PluginDescription string
	PluginVersion     string
}

// Name implements Plugin.
func (i Info) Name() string { return i.PluginName }

// Description implements Plugin.
func (i Info) Description() string { return i.PluginDescription }

// Version implements Plugin.
func (i Info) Version() string { return i.PluginVersion }

// CheckAll runs CheckDependencies on every dependent in parallel and returns the
// missing dependencies keyed by plugin name. Plugins without missing dependencies are omitted.
func CheckAll[T interface {
	Plugin
	Dependent
}](ctx context.Context, plugins []T) map[string][]MissingDependency {
	type result struct {
		name    string
		missing []MissingDependency
	}

	results := make(chan result, len(plugins))
	for _, p := range plugins {
		go func(p T) {
			results <- result{name: p.Name(), missing: p.CheckDependencies(ctx)}
		}(p)
	}

	missing := make(map[string][]MissingDependency)
	for range plugins {
		r := <-results
		if len(r.missing) > 0 {
			missing[r.name] = append(missing[r.name], r.missing...)
		}
	}
	return missing
}

// FormatMissing renders a missing dependency map for logs and terminal output.
func FormatMissing(missing map[string][]MissingDependency) string {
	var b strings.Builder
	for _, name := range slices.Sorted(maps.Keys(missing)) {
		fmt.Fprintf(&b, "%s:\n", name)
		for _, d := range missing[name] {
			fmt.Fprintf(&b, "  - %s\n", d)
		}
	}
	return b.String()
}
