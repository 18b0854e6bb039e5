package plugin

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// HashAlgorithm identifies one of the hashes stored for every sample.
type HashAlgorithm string

const (
	HashMD5    HashAlgorithm = "md5"
	HashSHA1   HashAlgorithm = "sha1"
	HashSHA256 HashAlgorithm = "sha256"
)

// HashLookup returns the hash of the sample for the given algorithm.
type HashLookup func(HashAlgorithm) string

// RawCollectedSample is a sample as found by a collector, before it is stored.
type RawCollectedSample struct {
	// Name is the display name of the sample.
	Name string `json:"name"`

	// SubmissionDate is the date the sample was first published by its source, if known.
	SubmissionDate *time.Time `json:"submissionDate,omitempty"`

	// Executable is the local path of the sample file.
	Executable string `json:"executable"`
}

// CollectorStatus is a progress update emitted by a collector.
type CollectorStatus interface {
	isCollectorStatus()
}

// Downloading is emitted while the collector is fetching remote content.
type Downloading struct {
	What string `json:"what"`
}

// Processing is emitted while the collector is working on local content.
type Processing struct {
	What string `json:"what"`
}

// NewSample hands a collected sample to the pipeline.
type NewSample struct {
	Sample RawCollectedSample `json:"sample"`
}

// Retrying is emitted when a periodic collector failed and will try again.
type Retrying struct {
	What         string    `json:"what"`
	Why          string    `json:"why"`
	NextTryStart time.Time `json:"nextTryStart"`
}

// CollectorFailed is emitted when the collector gave up.
type CollectorFailed struct {
	What string `json:"what"`
	Why  string `json:"why"`
}

// Done is emitted when the collector finished and will not emit again.
type Done struct{}

// DoneUntilNextPeriod is emitted by periodic collectors between rounds.
type DoneUntilNextPeriod struct {
	NextPeriodStart time.Time `json:"nextPeriodStart"`
}

func (Downloading) isCollectorStatus()         {}
func (Processing) isCollectorStatus()          {}
func (NewSample) isCollectorStatus()           {}
func (Retrying) isCollectorStatus()            {}
func (CollectorFailed) isCollectorStatus()     {}
func (Done) isCollectorStatus()                {}
func (DoneUntilNextPeriod) isCollectorStatus() {}

// CollectorStatusKind returns a stable name of the status variant.
func CollectorStatusKind(s CollectorStatus) string {
	switch s.(type) {
	case Downloading:
		return "downloading"
	case Processing:
		return "processing"
	case NewSample:
		return "new_sample"
	case Retrying:
		return "retrying"
	case CollectorFailed:
		return "failed"
	case Done:
		return "done"
	case DoneUntilNextPeriod:
		return "done_until_next_period"
	default:
		return "unknown"
	}
}

// CollectionParameters are handed to a collector when it starts.
type CollectionParameters struct {
	// WorkingDirectory is a cache directory owned by the collector. It exists when Start is called.
	WorkingDirectory string

	// SampleExists reports whether a sample with the given hash is already stored.
	SampleExists func(ctx context.Context, algo HashAlgorithm, hash string) (bool, error)
}

// Collector discovers samples.
type Collector interface {
	Plugin
	Dependent
	io.Closer

	// Start begins collecting. The returned channel is closed once the collector is finished
	// or ctx is cancelled.
	Start(ctx context.Context, params CollectionParameters) <-chan CollectorStatus
}

// SampleInfo is metadata about a sample returned by an InfoProvider.
type SampleInfo struct {
	// HashMatched is true when the provider found the exact sample.
	HashMatched *bool `json:"hashMatched,omitempty"`

	// MalwareFamily is the family name reported by the provider.
	MalwareFamily string `json:"malwareFamily,omitempty"`

	// ExtraInfo holds provider specific attributes.
	ExtraInfo json.RawMessage `json:"extraInfo,omitempty"`
}

// InfoProvider looks up metadata about samples.
type InfoProvider interface {
	Plugin

	// SampleInfoByHash returns nil when the provider knows nothing about the sample.
	SampleInfoByHash(ctx context.Context, lookup HashLookup) (*SampleInfo, error)
}
