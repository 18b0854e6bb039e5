package stores

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrCursorExhausted is returned by a finite cursor once every matching row was emitted.
var ErrCursorExhausted = errors.New("cursor exhausted")

// DateLayout is the storage format of calendar dates.
const DateLayout = "2006-01-02"

// RawSample is a collected sample. Rows are created once per SHA-256 and never updated.
type RawSample struct {
	ID             int64      `json:"id"`
	MD5            string     `json:"md5"`
	SHA1           string     `json:"sha1"`
	SHA256         string     `json:"sha256"`
	Path           string     `json:"path"` // relative to the samples directory
	CollectionDate time.Time  `json:"collection_date"`
	SubmissionDate *time.Time `json:"submission_date,omitempty"`
	Name           *string    `json:"name,omitempty"`
	SourceName     *string    `json:"source_name,omitempty"`
	SourceVersion  *string    `json:"source_version,omitempty"`
}

// DisplayName returns the sample name, or its SHA-256 when it has none.
func (s RawSample) DisplayName() string {
	if s.Name != nil && *s.Name != "" {
		return *s.Name
	}
	return s.SHA256
}

// SampleInfo is metadata about a sample from one info source.
type SampleInfo struct {
	SampleID      int64           `json:"sample_id"`
	SourceName    string          `json:"source_name"`
	HashMatched   *bool           `json:"hash_matched,omitempty"`
	MalwareFamily *string         `json:"malware_family,omitempty"`
	ExtraInfo     json.RawMessage `json:"extra_info,omitempty"`
	FetchDate     time.Time       `json:"fetch_date"`
	Priority      int             `json:"priority"`
}

// LivenessCheck is the liveness verdict of a sample.
type LivenessCheck struct {
	ID            int64         `json:"id"`
	SampleID      int64         `json:"sample_id"`
	CheckDate     time.Time     `json:"check_date"`
	TimeToDetect  time.Duration `json:"time_to_detect"`
	IsAlive       bool          `json:"is_alive"`
	IsAliveReason string        `json:"is_alive_reason"`
}

// Evaluation is the verdict of a sample against a vendor.
type Evaluation struct {
	SampleID       int64         `json:"sample_id"`
	Vendor         string        `json:"vendor"`
	CheckDate      time.Time     `json:"check_date"`
	TimeToDetect   time.Duration `json:"time_to_detect"`
	IsInmune       bool          `json:"is_inmune"`
	IsInmuneReason string        `json:"is_inmune_reason"`
}
