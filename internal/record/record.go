// Package record implements the staged-record store and its
// capability-checked facade. Plugins never touch the store directly; every
// operation goes through the Adapter, which enforces record-type grants and
// source visibility.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultTable is the table bare record keys resolve to.
const DefaultTable = "records"

// RecordID identifies a staged record as a table/key pair. The wire form is
// "table:key"; a bare key parses into the default table. This is the single
// canonical parser for ids, so prefix handling never diverges between
// callers.
type RecordID struct {
	Table string
	Key   string
}

// NewRecordID returns an id for key in the default table.
func NewRecordID(key string) RecordID {
	return RecordID{Table: DefaultTable, Key: key}
}

// ParseRecordID parses "table:key" or a bare key.
func ParseRecordID(s string) (RecordID, error) {
	if s == "" {
		return RecordID{}, fmt.Errorf("empty record id")
	}
	table, key, found := strings.Cut(s, ":")
	if !found {
		return RecordID{Table: DefaultTable, Key: s}, nil
	}
	if table == "" || key == "" {
		return RecordID{}, fmt.Errorf("malformed record id %q", s)
	}
	return RecordID{Table: table, Key: key}, nil
}

func (id RecordID) String() string {
	return id.Table + ":" + id.Key
}

// IsZero reports whether the id is unset.
func (id RecordID) IsZero() bool {
	return id.Table == "" && id.Key == ""
}

// MarshalJSON encodes the id in its canonical "table:key" form.
func (id RecordID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts "table:key" or a bare key.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*id = RecordID{}
		return nil
	}
	parsed, err := ParseRecordID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Metadata carries display and triage hints attached to a record.
type Metadata struct {
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
}

// StagedRecord is a unit of plugin-produced data awaiting review. Source and
// Timestamp are assigned server-side; Data is the plugin's opaque payload.
type StagedRecord struct {
	ID         RecordID        `json:"id"`
	RecordType string          `json:"record_type"`
	Source     string          `json:"source"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
	Metadata   Metadata        `json:"metadata"`
}

// Clone returns a copy whose Data buffer is independent of the original.
func (r StagedRecord) Clone() StagedRecord {
	out := r
	if r.Data != nil {
		out.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.Metadata.Tags != nil {
		out.Metadata.Tags = append([]string(nil), r.Metadata.Tags...)
	}
	return out
}

// SourceVisible reports whether a record with the given source belongs to
// owner. A source is visible to its owner and to no one else. Two derivative
// forms stay visible to the owner that produced them: page-scoped fetches
// ("<owner>-page-<n>") and connection-test staging ("<owner>-test-source").
func SourceVisible(owner, source string) bool {
	if owner == "" || source == "" {
		return false
	}
	if source == owner || source == owner+"-test-source" {
		return true
	}
	rest, ok := strings.CutPrefix(source, owner+"-page-")
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
