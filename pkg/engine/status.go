package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/auri/auri/pkg/plugin"
)

// StatusKind is a stable name of a ProcessStatus variant.
type StatusKind string

const (
	StatusNotStarted          StatusKind = "not_started"
	StatusInitializing        StatusKind = "initializing"
	StatusMissingDependencies StatusKind = "missing_dependencies"
	StatusCapturingGoodState  StatusKind = "capturing_good_state"
	StatusAnalyzing           StatusKind = "analyzing"
	StatusFinished            StatusKind = "finished"
	StatusFailed              StatusKind = "failed"
)

// IsTerminal returns true if no transition can follow this status.
func (k StatusKind) IsTerminal() bool {
	return k == StatusMissingDependencies || k == StatusFinished || k == StatusFailed
}

// ProcessStatus is the externally observable state of a phase run.
// It is one of NotStarted, Initializing, MissingDependencies, CapturingGoodState,
// Analyzing, Finished or Failed. Values are replaced on every transition, never mutated.
type ProcessStatus interface {
	Kind() StatusKind
}

// NotStarted is the status before Run is called.
type NotStarted struct{}

// Initializing is the status while plugin dependencies are checked.
type Initializing struct{}

// MissingDependencies means the phase did not start. Missing is keyed by plugin name.
type MissingDependencies struct {
	Missing map[string][]plugin.MissingDependency `json:"missing"`
}

// CapturingGoodState is the status while analyzers record the clean state of a VM target.
type CapturingGoodState struct {
	// Vendor is empty for the liveness phase.
	Vendor string `json:"vendor,omitempty"`
	Step   Step   `json:"step"`

	// Analyzer is set while Step is StepCapturing.
	Analyzer string `json:"analyzer,omitempty"`
}

// Analyzing is the status while samples are being run.
type Analyzing struct {
	RunningNow *RunningNow `json:"runningNow,omitempty"`
	Stats      Stats       `json:"stats"`
}

// Finished means every queued sample was analyzed.
type Finished struct {
	Stats Stats `json:"stats"`
}

// Failed means the phase stopped. What names the operation, Why the cause.
type Failed struct {
	What string `json:"what"`
	Why  string `json:"why"`
}

func (NotStarted) Kind() StatusKind          { return StatusNotStarted }
func (Initializing) Kind() StatusKind        { return StatusInitializing }
func (MissingDependencies) Kind() StatusKind { return StatusMissingDependencies }
func (CapturingGoodState) Kind() StatusKind  { return StatusCapturingGoodState }
func (Analyzing) Kind() StatusKind           { return StatusAnalyzing }
func (Finished) Kind() StatusKind            { return StatusFinished }
func (Failed) Kind() StatusKind              { return StatusFailed }

// Error lets a Failed status be returned as an error.
func (f Failed) Error() string {
	return fmt.Sprintf("%s: %s", f.What, f.Why)
}

// Step is the sub-step a phase is working on.
type Step string

const (
	StepStartingVM             Step = "starting_vm"
	StepCapturing              Step = "capturing"
	StepSendingSample          Step = "sending_sample"
	StepLaunchingSampleProcess Step = "launching_sample_process"
	StepWaitingChanges         Step = "waiting_changes"
	StepSavingResults          Step = "saving_results"
	StepStoppingVM             Step = "stopping_vm"
)

// RunningNow describes the unit in flight.
type RunningNow struct {
	SampleID int64  `json:"sampleId"`
	Vendor   string `json:"vendor,omitempty"`
	Step     Step   `json:"step"`

	// Deadline is set while Step is StepWaitingChanges.
	Deadline time.Time `json:"deadline,omitzero"`
}

// Stats is the aggregate progress of a phase.
type Stats interface {
	// Analyzed is the number of units analyzed during this run.
	Analyzed() int

	// Remaining is the number of samples still queued at the last count.
	Remaining() int

	// Summary renders the stats on one line.
	Summary() string
}

// SampleVerdict is the liveness outcome of one sample.
type SampleVerdict struct {
	Alive  bool   `json:"alive"`
	Reason string `json:"reason,omitempty"`
}

// LivenessStats is the progress of the liveness phase.
type LivenessStats struct {
	SamplesStatus        map[int64]SampleVerdict `json:"samplesStatus"`
	TotalSamplesAnalyzed int                     `json:"totalSamplesAnalyzed"`
	TotalSamples         int                     `json:"totalSamples"`
}

func (s LivenessStats) Analyzed() int  { return s.TotalSamplesAnalyzed }
func (s LivenessStats) Remaining() int { return s.TotalSamples }

func (s LivenessStats) Summary() string {
	alive := 0
	for _, v := range s.SamplesStatus {
		if v.Alive {
			alive++
		}
	}
	return fmt.Sprintf("%d analyzed (%d alive), %d remaining", s.TotalSamplesAnalyzed, alive, s.TotalSamples)
}

func (s LivenessStats) clone() LivenessStats {
	s.SamplesStatus = maps.Clone(s.SamplesStatus)
	return s
}

// VendorStats is the detection record of a vendor.
type VendorStats struct {
	DetectedSamples int `json:"detectedSamples"`
	AnalyzedSamples int `json:"analyzedSamples"`
}

// DetectionRate returns the share of analyzed samples the vendor detected.
func (v VendorStats) DetectionRate() float64 {
	if v.AnalyzedSamples == 0 {
		return 0
	}
	return float64(v.DetectedSamples) / float64(v.AnalyzedSamples)
}

// EvaluationStats is the progress of the evaluation phase.
type EvaluationStats struct {
	VendorStats          map[string]VendorStats `json:"vendorStats"`
	TotalSamplesAnalyzed int                    `json:"totalSamplesAnalyzed"`
	TotalSamples         int                    `json:"totalSamples"`
}

func (s EvaluationStats) Analyzed() int  { return s.TotalSamplesAnalyzed }
func (s EvaluationStats) Remaining() int { return s.TotalSamples }

func (s EvaluationStats) Summary() string {
	return fmt.Sprintf("%d analyzed over %d vendors, %d remaining",
		s.TotalSamplesAnalyzed, len(s.VendorStats), s.TotalSamples)
}

func (s EvaluationStats) clone() EvaluationStats {
	s.VendorStats = maps.Clone(s.VendorStats)
	return s
}

// MarshalStatus encodes a status as {"kind": ..., "status": {...}}.
func MarshalStatus(s ProcessStatus) ([]byte, error) {
	return json.Marshal(struct {
		Kind   StatusKind    `json:"kind"`
		Status ProcessStatus `json:"status"`
	}{Kind: s.Kind(), Status: s})
}
