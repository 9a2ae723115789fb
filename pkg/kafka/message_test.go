package kafka

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubmission(t *testing.T) {
	msg := &IncomingMessage{
		Value: []byte(`{"tenant_id": "tenant-1", "entity_kind": "address", "data": {"street_line1": "123 Main St"}}`),
	}

	require.NoError(t, msg.ParseSubmission())
	require.NotNil(t, msg.Submission)
	assert.Equal(t, "tenant-1", msg.Submission.TenantID)
	assert.Equal(t, "address", msg.Submission.EntityKind)
	assert.Equal(t, "123 Main St", msg.Submission.Data["street_line1"])
	assert.Nil(t, msg.Submission.AutoRealize)
}

func TestParseSubmissionAutoRealizeOverride(t *testing.T) {
	msg := &IncomingMessage{
		Value: []byte(`{"tenant_id": "tenant-1", "entity_kind": "address", "data": {"street_line1": "x"}, "auto_realize": false}`),
	}

	require.NoError(t, msg.ParseSubmission())
	require.NotNil(t, msg.Submission.AutoRealize)
	assert.False(t, *msg.Submission.AutoRealize)
}

func TestParseSubmissionTenantFromHeader(t *testing.T) {
	msg := &IncomingMessage{
		Value:   []byte(`{"entity_kind": "address", "data": {"street_line1": "123 Main St"}}`),
		Headers: map[string]string{"tenant_id": "tenant-2"},
	}

	require.NoError(t, msg.ParseSubmission())
	assert.Equal(t, "tenant-2", msg.Submission.TenantID)
	assert.Equal(t, "tenant-2", msg.GetTenantID())
}

func TestParseSubmissionErrors(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"invalid json", `not json`},
		{"missing tenant", `{"entity_kind": "address", "data": {"a": 1}}`},
		{"missing entity kind", `{"tenant_id": "t", "data": {"a": 1}}`},
		{"empty data", `{"tenant_id": "t", "entity_kind": "address", "data": {}}`},
		{"absent data", `{"tenant_id": "t", "entity_kind": "address"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &IncomingMessage{Value: []byte(tt.value)}
			assert.Error(t, msg.ParseSubmission())
			assert.Nil(t, msg.Submission)
		})
	}
}

func TestGetData(t *testing.T) {
	msg := &IncomingMessage{
		Value: []byte(`{"tenant_id": "t", "entity_kind": "address", "data": {"street_line1": "123 Main St", "city": "Austin"}}`),
	}
	require.NoError(t, msg.ParseSubmission())

	raw, err := msg.GetData()
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "Austin", data["city"])
}

func TestGetDataWithoutSubmission(t *testing.T) {
	msg := &IncomingMessage{}
	_, err := msg.GetData()
	assert.Error(t, err)
}
