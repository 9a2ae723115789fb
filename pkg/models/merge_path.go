package models

import "time"

// MergePath is a durable redirect record: "references that used to resolve
// to SourceEntityID should resolve to EntityID from now on". Rows are never
// deleted; consolidation updates EntityID in place so any historical
// pointer keeps resolving.
type MergePath struct {
	ID             string    `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	EntityKind     string    `json:"entity_kind" db:"entity_kind"`
	SourceEntityID string    `json:"source_entity_id" db:"source_entity_id"` // immutable historical pointer
	EntityID       string    `json:"entity_id" db:"entity_id"`               // current resolution target
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ConsolidateRequest folds one entity's history into another's
type ConsolidateRequest struct {
	EntityKind        string `json:"entity_kind" validate:"required"`
	MasterEntityID    string `json:"master_entity_id" validate:"required"`
	DuplicateEntityID string `json:"duplicate_entity_id" validate:"required"`
}

// ConsolidateResponse reports the outcome of a consolidation
type ConsolidateResponse struct {
	MasterEntityID  string `json:"master_entity_id"`
	RedirectedPaths int    `json:"redirected_paths"`
	FoldedFields    []string `json:"folded_fields,omitempty"`
}
