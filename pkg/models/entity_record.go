package models

import (
	"encoding/json"
	"time"
)

// EntityRecord is a row in the generic entity store. The engine only ever
// touches fields that appear in a proto record's data; everything else
// belongs to the owning domain.
type EntityRecord struct {
	ID         string          `json:"id" db:"id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	EntityKind string          `json:"entity_kind" db:"entity_kind"`
	Data       json.RawMessage `json:"data" db:"data"`
	Profile    *int            `json:"profile,omitempty" db:"profile"` // lazily backfilled fingerprint of the normalized value
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// EntityListResponse is the response for listing entities
type EntityListResponse struct {
	Items      []EntityRecord `json:"items"`
	TotalCount int            `json:"total_count"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
}
