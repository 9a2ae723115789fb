package models

import (
	"encoding/json"
	"time"
)

// ProtoStatus is the resolution state of a proto record
type ProtoStatus string

const (
	// ProtoStatusUnresolved means discovery has not produced a decision yet
	ProtoStatusUnresolved ProtoStatus = "unresolved"
	// ProtoStatusAutoMatched means discovery selected an existing entity with full confidence
	ProtoStatusAutoMatched ProtoStatus = "auto_matched"
	// ProtoStatusAmbiguous means discovery found candidates but no clear winner; awaiting selection
	ProtoStatusAmbiguous ProtoStatus = "ambiguous"
	// ProtoStatusNoMatch means discovery found no candidates within thresholds
	ProtoStatusNoMatch ProtoStatus = "no_match"
	// ProtoStatusRealized means the proto's data has been committed to a concrete entity
	ProtoStatusRealized ProtoStatus = "realized"
)

// ProtoRecord is an unresolved description of a real-world entity awaiting
// identity resolution. It is superseded by a new record if the same data is
// resubmitted; it is never deleted while unresolved.
type ProtoRecord struct {
	ID               string          `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	EntityKind       string          `json:"entity_kind" db:"entity_kind"`
	Data             json.RawMessage `json:"data" db:"data"`
	Profile          *int            `json:"profile,omitempty" db:"profile"`                       // cached code-point-sum fingerprint of the normalized value
	DataDigest       string          `json:"data_digest" db:"data_digest"`                         // canonical-JSON SHA-256 of data
	SelectedEntityID *string         `json:"selected_entity_id,omitempty" db:"selected_entity_id"` // nil until a decision is made
	Status           ProtoStatus     `json:"status" db:"status"`
	ErrorMessage     *string         `json:"error_message,omitempty" db:"error_message"`
	ErrorTrace       *string         `json:"error_trace,omitempty" db:"error_trace"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// CreateProtoRecordRequest is the request for submitting a proto record
type CreateProtoRecordRequest struct {
	EntityKind string          `json:"entity_kind" validate:"required"`
	Data       json.RawMessage `json:"data" validate:"required"`
}

// SelectEntityRequest sets or clears a proto record's selected entity.
// A nil entity_id clears the selection (explicit "create new" decision).
type SelectEntityRequest struct {
	EntityID *string `json:"entity_id"`
}

// DiscoveryResult is the outcome of one discovery run
type DiscoveryResult struct {
	ProtoRecordID    string      `json:"proto_record_id"`
	Status           ProtoStatus `json:"status"`
	NormalizedValue  string      `json:"normalized_value"`
	Profile          int         `json:"profile"`
	SelectedEntityID *string     `json:"selected_entity_id,omitempty"`
	Candidates       []Candidate `json:"candidates"`
}

// RealizeResponse is returned when a proto record's data is committed
type RealizeResponse struct {
	ProtoRecordID string `json:"proto_record_id"`
	EntityID      string `json:"entity_id"`
	Created       bool   `json:"created"`
}

// ProtoRecordListResponse is the response for listing proto records
type ProtoRecordListResponse struct {
	Items      []ProtoRecord `json:"items"`
	TotalCount int           `json:"total_count"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
}
