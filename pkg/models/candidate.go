package models

import "time"

// Candidate is a scored association between one proto record and one
// existing entity. The candidate set for a proto record is fully replaced
// on every discovery run; stale candidates never survive a re-run.
type Candidate struct {
	ID            string    `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	ProtoRecordID string    `json:"proto_record_id" db:"proto_record_id"`
	EntityKind    string    `json:"entity_kind" db:"entity_kind"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	EditDistance  int       `json:"edit_distance" db:"edit_distance"`
	ProfileDelta  int       `json:"profile_delta" db:"profile_delta"` // candidate profile minus proto profile
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
