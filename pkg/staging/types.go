package staging

import (
	"time"
)

// EntryState tracks a staging entry's lifecycle.
type EntryState string

// Entry state constants.
const (
	StatePending  EntryState = "PENDING"
	StateStored   EntryState = "STORED"
	StateReleased EntryState = "RELEASED"
	StateDeleted  EntryState = "DELETED"
	StateError    EntryState = "ERROR"
)

// Entry is the record for one staged artifact. The payload itself lives in
// the manager's payload store under PayloadHandle; the entry is metadata.
//
// Invariants: StateStored implies the payload handle resolves; after
// StateDeleted the payload is unreachable.
type Entry struct {
	StageID        string         `json:"stage_id"`
	PipelineID     string         `json:"pipeline_id"`
	OwnerComponent string         `json:"owner_component"`
	State          EntryState     `json:"state"`
	PayloadHandle  string         `json:"payload_handle"`
	SizeBytes      int64          `json:"size_bytes"`
	CreatedAt      time.Time      `json:"created_at"`
	Retention      time.Duration  `json:"retention"`
	QualityScore   float64        `json:"quality_score"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// GrantedTo is the set of component names permitted to retrieve the
	// payload. Grants are explicit; there is no ambient access.
	GrantedTo map[string]bool `json:"granted_to"`
}

// expired reports whether the entry has outlived its retention at now.
func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.Retention
}
