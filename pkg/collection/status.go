package collection

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/auri/auri/pkg/plugin"
)

// Status is the state of a collection run.
type Status interface {
	Kind() string
}

// NotStarted is the status before Run is called.
type NotStarted struct{}

// Initializing is the status while collector dependencies are checked.
type Initializing struct{}

// MissingDependencies ends a run whose collectors are not ready.
type MissingDependencies struct {
	Missing map[string][]plugin.MissingDependency `json:"missing"`
}

// Collecting is the status while collectors are running.
type Collecting struct {
	Stats Stats `json:"stats"`
}

// Finished ends a run whose collectors all finished.
type Finished struct {
	Stats Stats `json:"stats"`
}

// Failed ends a run that hit a persistence error.
type Failed struct {
	What string `json:"what"`
	Why  string `json:"why"`
}

func (NotStarted) Kind() string          { return "not_started" }
func (Initializing) Kind() string        { return "initializing" }
func (MissingDependencies) Kind() string { return "missing_dependencies" }
func (Collecting) Kind() string          { return "collecting" }
func (Finished) Kind() string            { return "finished" }
func (Failed) Kind() string              { return "failed" }

func (f Failed) Error() string {
	return fmt.Sprintf("%s: %s", f.What, f.Why)
}

// IsTerminal reports whether s ends a run.
func IsTerminal(s Status) bool {
	switch s.(type) {
	case MissingDependencies, Finished, Failed:
		return true
	}
	return false
}

// Stats counts what a run collected so far.
type Stats struct {
	CollectorStatus    map[string]plugin.CollectorStatus
	SamplesByCollector map[string]int
	TotalSamples       int
	InfoByProvider     map[string]int
	TotalWithInfo      int
}

func newStats(collectors []plugin.Collector, providers []plugin.InfoProvider) Stats {
	s := Stats{
		CollectorStatus:    make(map[string]plugin.CollectorStatus, len(collectors)),
		SamplesByCollector: make(map[string]int, len(collectors)),
		InfoByProvider:     make(map[string]int, len(providers)),
	}
	for _, c := range collectors {
		s.SamplesByCollector[c.Name()] = 0
	}
	for _, p := range providers {
		s.InfoByProvider[p.Name()] = 0
	}
	return s
}

func (s Stats) clone() Stats {
	s.CollectorStatus = maps.Clone(s.CollectorStatus)
	s.SamplesByCollector = maps.Clone(s.SamplesByCollector)
	s.InfoByProvider = maps.Clone(s.InfoByProvider)
	return s
}

// Summary is a one-line description of the counters.
func (s Stats) Summary() string {
	return fmt.Sprintf("%d samples collected, %d info results", s.TotalSamples, s.TotalWithInfo)
}

type collectorStatusJSON struct {
	Kind   string                 `json:"kind"`
	Status plugin.CollectorStatus `json:"status,omitempty"`
}

// MarshalJSON tags every collector status with its variant name.
func (s Stats) MarshalJSON() ([]byte, error) {
	collectors := make(map[string]collectorStatusJSON, len(s.CollectorStatus))
	for name, st := range s.CollectorStatus {
		collectors[name] = collectorStatusJSON{Kind: plugin.CollectorStatusKind(st), Status: st}
	}

	return json.Marshal(struct {
		CollectorStatus    map[string]collectorStatusJSON `json:"collectorStatus"`
		SamplesByCollector map[string]int                 `json:"samplesByCollector"`
		TotalSamples       int                            `json:"totalSamples"`
		InfoByProvider     map[string]int                 `json:"infoByProvider"`
		TotalWithInfo      int                            `json:"totalWithInfo"`
	}{collectors, s.SamplesByCollector, s.TotalSamples, s.InfoByProvider, s.TotalWithInfo})
}

// MarshalStatus encodes a status as {"kind": ..., "status": {...}}.
func MarshalStatus(s Status) ([]byte, error) {
	return json.Marshal(struct {
		Kind   string `json:"kind"`
		Status Status `json:"status"`
	}{Kind: s.Kind(), Status: s})
}
