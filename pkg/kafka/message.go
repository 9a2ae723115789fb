package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionMessage is the ingestion envelope for a proto record arriving
// over Kafka. Producers key messages by whatever identifier keeps records
// for the same real-world thing on one partition.
type SubmissionMessage struct {
	TenantID    string         `json:"tenant_id"`
	EntityKind  string         `json:"entity_kind"`
	Data        map[string]any `json:"data"`
	AutoRealize *bool          `json:"auto_realize,omitempty"` // overrides the server default when set
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	Submission *SubmissionMessage
}

// ParseSubmission parses the message value as a proto record submission
func (m *IncomingMessage) ParseSubmission() error {
	var msg SubmissionMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return err
	}
	if msg.TenantID == "" {
		msg.TenantID = m.Headers["tenant_id"]
	}
	if msg.TenantID == "" {
		return fmt.Errorf("submission is missing a tenant_id")
	}
	if msg.EntityKind == "" {
		return fmt.Errorf("submission is missing an entity_kind")
	}
	if len(msg.Data) == 0 {
		return fmt.Errorf("submission has no data")
	}
	m.Submission = &msg
	return nil
}

// GetTenantID returns the tenant ID for this message
func (m *IncomingMessage) GetTenantID() string {
	if m.Submission != nil {
		return m.Submission.TenantID
	}
	return m.Headers["tenant_id"]
}

// GetData returns the submission data as JSON
func (m *IncomingMessage) GetData() (json.RawMessage, error) {
	if m.Submission == nil {
		return nil, fmt.Errorf("message has no parsed submission")
	}
	return json.Marshal(m.Submission.Data)
}
