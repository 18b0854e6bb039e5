// Package folder provides a collector that picks samples from a local folder.
package folder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/auri/auri/pkg/collection"
	"github.com/auri/auri/pkg/plugin"
)

// Type is the runbook type of the collector.
const Type = "folder"

// DefaultSettle is how long a watched file must stay untouched before it is collected.
const DefaultSettle = time.Second

// Definition is the runbook entry of a folder collector.
type Definition struct {
	// SamplesDir is the folder to list. Sub folders are ignored.
	SamplesDir string `yaml:"samplesDir" validate:"required"`

	// Periodicity lists the folder again every period.
	Periodicity *collection.PeriodicActionConfig `yaml:"periodicity"`

	// Watch keeps collecting files created after the first listing until the run ends.
	Watch bool `yaml:"watch" validate:"excluded_with=Periodicity"`

	// Settle is the quiet period of a watched file. Defaults to DefaultSettle.
	Settle time.Duration `yaml:"settle" validate:"gte=0"`
}

// Collector emits the regular files of a folder as samples.
type Collector struct {
	plugin.Info
	def    Definition
	logger zerolog.Logger
}

// New builds a collector from its runbook entry.
func New(spec plugin.Spec, env plugin.Env) (plugin.Collector, error) {
	var def Definition
	if err := spec.Decode(&def); err != nil {
		return nil, err
	}
	if def.Settle == 0 {
		def.Settle = DefaultSettle
	}

	return &Collector{
		Info: plugin.Info{
			PluginName:        spec.DisplayName(fmt.Sprintf("Custom folder (%s)", filepath.Base(def.SamplesDir))),
			PluginDescription: "Collect samples from a local folder.",
			PluginVersion:     "1.0.0",
		},
		def:    def,
		logger: env.Logger,
	}, nil
}

// CheckDependencies implements plugin.Dependent.
func (c *Collector) CheckDependencies(context.Context) []plugin.MissingDependency {
	return nil
}

// Close implements io.Closer.
func (c *Collector) Close() error { return nil }

// Start lists the folder once, periodically or continuously depending on the definition.
func (c *Collector) Start(ctx context.Context, _ plugin.CollectionParameters) <-chan plugin.CollectorStatus {
	out := make(chan plugin.CollectorStatus)
	go func() {
		defer close(out)
		emit := collection.Emitter(ctx, out)

		if !c.def.Watch {
			collection.PeriodicCollection(ctx, c.def.Periodicity, c.logger, c.single, emit)
			return
		}
		if err := c.watch(ctx, emit); err != nil && ctx.Err() == nil {
			emit(plugin.CollectorFailed{What: "watch directory", Why: err.Error()})
		}
	}()
	return out
}

// single emits every regular file of the folder.
func (c *Collector) single(_ context.Context, emit func(plugin.CollectorStatus)) error {
	emit(plugin.Processing{What: "List of samples in folder"})

	info, err := os.Stat(c.def.SamplesDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return collection.Failure("list directory files", err)
	case !info.IsDir():
		return collection.Failure("list directory files", errors.New("File is not a directory"))
	}

	entries, err := os.ReadDir(c.def.SamplesDir)
	if err != nil {
		return collection.Failure("list directory files", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		sample, err := c.sample(filepath.Join(c.def.SamplesDir, entry.Name()))
		if err != nil {
			c.logger.Debug().Err(err).Str("file", entry.Name()).Msg("Skipping file")
			continue
		}
		emit(plugin.NewSample{Sample: sample})
	}
	return nil
}

// sample describes a regular file. Its submission date is the day of its last modification.
func (c *Collector) sample(path string) (plugin.RawCollectedSample, error) {
	info, err := os.Stat(path)
	if err != nil {
		return plugin.RawCollectedSample{}, err
	}
	if !info.Mode().IsRegular() {
		return plugin.RawCollectedSample{}, fmt.Errorf("%s is not a regular file", path)
	}

	submitted := info.ModTime().UTC().Truncate(24 * time.Hour)
	name := info.Name()
	return plugin.RawCollectedSample{
		Name:           strings.TrimSuffix(name, filepath.Ext(name)),
		SubmissionDate: &submitted,
		Executable:     path,
	}, nil
}
