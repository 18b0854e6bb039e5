package filechange

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Feature is a tracked property of a file.
type Feature string

const (
	Size         Feature = "size"
	Created      Feature = "created"
	LastModified Feature = "lastModified"
	LastAccessed Feature = "lastAccessed"
	Attributes   Feature = "attributes"
	Hash         Feature = "hash"
)

// DefaultFeatures are tracked when a definition lists none.
var DefaultFeatures = []Feature{Size, Created, LastModified, Attributes, Hash}

// FileState holds the tracked features of a file. Untracked features are nil.
type FileState struct {
	Size         *int64     `json:"size,omitempty"`
	Created      *time.Time `json:"created,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`
	Attributes   []string   `json:"attributes,omitempty"`
	Hash         *string    `json:"hash,omitempty"`
}

// scriptEntry is a line item printed by the guest script.
type scriptEntry struct {
	FilePath       string `json:"FilePath"`
	Size           int64  `json:"Size"`
	CreationTime   string `json:"CreationTime"`
	LastModified   string `json:"LastModified"`
	LastAccessTime string `json:"LastAccessTime"`
	Attributes     string `json:"Attributes"`
	Hash           string `json:"Hash"`
}

func (e scriptEntry) state(features []Feature) (FileState, error) {
	var fs FileState
	for _, f := range features {
		switch f {
		case Size:
			size := e.Size
			fs.Size = &size
		case Created:
			t, err := parseTime(e.CreationTime)
			if err != nil {
				return FileState{}, err
			}
			fs.Created = &t
		case LastModified:
			t, err := parseTime(e.LastModified)
			if err != nil {
				return FileState{}, err
			}
			fs.LastModified = &t
		case LastAccessed:
			t, err := parseTime(e.LastAccessTime)
			if err != nil {
				return FileState{}, err
			}
			fs.LastAccessed = &t
		case Attributes:
			fs.Attributes = splitAttributes(e.Attributes)
		case Hash:
			hash := strings.ToUpper(e.Hash)
			fs.Hash = &hash
		}
	}
	return fs, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// splitAttributes turns "Hidden, Archive" into a sorted set.
func splitAttributes(s string) []string {
	attrs := []string{}
	for a := range strings.SplitSeq(s, ",") {
		if a = strings.TrimSpace(a); a != "" && !slices.Contains(attrs, a) {
			attrs = append(attrs, a)
		}
	}
	slices.Sort(attrs)
	return attrs
}

// diffFile describes how path changed between two states.
func diffFile(initial, current map[string]FileState, path string) []string {
	before, existed := initial[path]
	after, exists := current[path]
	switch {
	case !existed && !exists:
		return nil
	case !existed:
		return []string{"File was created"}
	case !exists:
		return []string{"File was deleted"}
	}

	var changes []string
	if before.Size != nil && after.Size != nil {
		switch d := *after.Size - *before.Size; {
		case d > 0:
			changes = append(changes, fmt.Sprintf("File size increased by %d bytes", d))
		case d < 0:
			changes = append(changes, fmt.Sprintf("File size decreased by %d bytes", -d))
		}
	}
	changes = appendTimeChange(changes, "created", before.Created, after.Created)
	changes = appendTimeChange(changes, "modified", before.LastModified, after.LastModified)
	changes = appendTimeChange(changes, "accessed", before.LastAccessed, after.LastAccessed)
	if before.Attributes != nil && after.Attributes != nil && !slices.Equal(before.Attributes, after.Attributes) {
		changes = append(changes, fmt.Sprintf("File attributes changed from %v to %v", before.Attributes, after.Attributes))
	}
	if before.Hash != nil && after.Hash != nil && *before.Hash != *after.Hash {
		changes = append(changes, fmt.Sprintf("File hash changed from %s to %s", *before.Hash, *after.Hash))
	}
	return changes
}

func appendTimeChange(changes []string, verb string, before, after *time.Time) []string {
	if before == nil || after == nil {
		return changes
	}
	switch d := after.Sub(*before); {
	case d > 0:
		return append(changes, fmt.Sprintf("File was %s %s after", verb, d))
	case d < 0:
		return append(changes, fmt.Sprintf("File was %s %s before", verb, -d))
	}
	return changes
}
