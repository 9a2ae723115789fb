package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/aster/config"
	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/models"
)

const testTenant = "tenant-1"

func testLogger() ectologger.Logger {
	return zapadapter.NewZapEctoLogger(zap.NewNop(), nil)
}

type fakeProtoStore struct {
	existing *models.ProtoRecord
	created  *models.ProtoRecord

	errorID      string
	errorMessage string
	errorTrace   string
}

func (f *fakeProtoStore) Create(ctx context.Context, tenantID string, req models.CreateProtoRecordRequest) (*models.ProtoRecord, error) {
	f.created = &models.ProtoRecord{
		ID:         "proto-1",
		TenantID:   tenantID,
		EntityKind: req.EntityKind,
		Data:       req.Data,
		Status:     models.ProtoStatusUnresolved,
	}
	return f.created, nil
}

func (f *fakeProtoStore) GetByDigest(ctx context.Context, tenantID, entityKind, digest string) (*models.ProtoRecord, error) {
	return f.existing, nil
}

func (f *fakeProtoStore) SetError(ctx context.Context, tenantID, id, message, trace string) error {
	f.errorID = id
	f.errorMessage = message
	f.errorTrace = trace
	return nil
}

type fakeDiscoverer struct {
	result *models.DiscoveryResult
	err    error
	calls  int
}

func (f *fakeDiscoverer) Discover(ctx context.Context, tenantID, protoRecordID string) (*models.DiscoveryResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeRealizer struct {
	response *models.RealizeResponse
	err      error
	calls    int
}

func (f *fakeRealizer) Realize(ctx context.Context, tenantID, protoRecordID string) (*models.RealizeResponse, error) {
	f.calls++
	return f.response, f.err
}

type fakeEmitter struct {
	submitted          int
	discovered         int
	discoveredSelected *string
}

func (f *fakeEmitter) EmitProtoSubmitted(ctx context.Context, proto *models.ProtoRecord) error {
	f.submitted++
	return nil
}

func (f *fakeEmitter) EmitProtoDiscovered(ctx context.Context, proto *models.ProtoRecord, result *models.DiscoveryResult) error {
	f.discovered++
	f.discoveredSelected = proto.SelectedEntityID
	return nil
}

func testConfig(autoRealize bool) config.Config {
	return config.Config{AutoRealizeEnabled: autoRealize}
}

func testRequest() models.CreateProtoRecordRequest {
	data, _ := json.Marshal(map[string]any{"street_line1": "123 Main St"})
	return models.CreateProtoRecordRequest{EntityKind: "address", Data: data}
}

func TestSubmitAutoRealizesNoMatch(t *testing.T) {
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{result: &models.DiscoveryResult{ProtoRecordID: "proto-1", Status: models.ProtoStatusNoMatch}}
	realizer := &fakeRealizer{response: &models.RealizeResponse{ProtoRecordID: "proto-1", EntityID: "entity-1", Created: true}}
	emitter := &fakeEmitter{}

	p := NewProcessor(testConfig(true), testLogger(), protos, discoverer, realizer, emitter)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), nil)
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	require.NotNil(t, result.Discovery)
	require.NotNil(t, result.Realization)
	assert.True(t, result.Realization.Created)
	assert.Equal(t, 1, realizer.calls)
	assert.Equal(t, 1, emitter.submitted)
	assert.Equal(t, 1, emitter.discovered)
}

func TestSubmitAutoRealizesAutoMatched(t *testing.T) {
	entityID := "entity-1"
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{result: &models.DiscoveryResult{ProtoRecordID: "proto-1", Status: models.ProtoStatusAutoMatched, SelectedEntityID: &entityID}}
	realizer := &fakeRealizer{response: &models.RealizeResponse{ProtoRecordID: "proto-1", EntityID: "entity-1"}}
	emitter := &fakeEmitter{}

	p := NewProcessor(testConfig(true), testLogger(), protos, discoverer, realizer, emitter)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), nil)
	require.NoError(t, err)

	require.NotNil(t, result.Realization)
	assert.Equal(t, "entity-1", result.Realization.EntityID)

	// the discovery event sees the committed selection on the record
	require.NotNil(t, emitter.discoveredSelected)
	assert.Equal(t, "entity-1", *emitter.discoveredSelected)
}

func TestSubmitAmbiguousWaitsForSelection(t *testing.T) {
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{result: &models.DiscoveryResult{ProtoRecordID: "proto-1", Status: models.ProtoStatusAmbiguous}}
	realizer := &fakeRealizer{}

	p := NewProcessor(testConfig(true), testLogger(), protos, discoverer, realizer, nil)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), nil)
	require.NoError(t, err)

	assert.Nil(t, result.Realization)
	assert.Zero(t, realizer.calls)
}

func TestSubmitAutoRealizeDisabled(t *testing.T) {
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{result: &models.DiscoveryResult{ProtoRecordID: "proto-1", Status: models.ProtoStatusNoMatch}}
	realizer := &fakeRealizer{}

	p := NewProcessor(testConfig(false), testLogger(), protos, discoverer, realizer, nil)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), nil)
	require.NoError(t, err)

	assert.Nil(t, result.Realization)
	assert.Zero(t, realizer.calls)
}

func TestSubmitPerRequestOverrideWins(t *testing.T) {
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{result: &models.DiscoveryResult{ProtoRecordID: "proto-1", Status: models.ProtoStatusNoMatch}}
	realizer := &fakeRealizer{response: &models.RealizeResponse{ProtoRecordID: "proto-1", EntityID: "entity-1"}}

	// config says no, the request says yes
	override := true
	p := NewProcessor(testConfig(false), testLogger(), protos, discoverer, realizer, nil)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), &override)
	require.NoError(t, err)
	require.NotNil(t, result.Realization)

	// config says yes, the request says no
	override = false
	realizer.calls = 0
	p = NewProcessor(testConfig(true), testLogger(), protos, discoverer, realizer, nil)
	result, err = p.Submit(context.Background(), testTenant, testRequest(), &override)
	require.NoError(t, err)
	assert.Nil(t, result.Realization)
	assert.Zero(t, realizer.calls)
}

func TestSubmitDuplicateShortCircuits(t *testing.T) {
	existing := &models.ProtoRecord{ID: "proto-existing", Status: models.ProtoStatusAmbiguous}
	protos := &fakeProtoStore{existing: existing}
	discoverer := &fakeDiscoverer{}

	p := NewProcessor(testConfig(true), testLogger(), protos, discoverer, &fakeRealizer{}, nil)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), nil)
	require.NoError(t, err)

	assert.True(t, result.Duplicate)
	assert.Equal(t, "proto-existing", result.ProtoRecord.ID)
	assert.Zero(t, discoverer.calls, "duplicates never re-run discovery")
	assert.Nil(t, protos.created)
}

func TestSubmitDiscoveryFailureKeepsRecord(t *testing.T) {
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{err: errors.New("window query failed")}
	realizer := &fakeRealizer{}

	p := NewProcessor(testConfig(true), testLogger(), protos, discoverer, realizer, nil)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), nil)
	require.NoError(t, err, "the submission itself succeeded")

	assert.NotNil(t, result.ProtoRecord)
	assert.Nil(t, result.Discovery)
	assert.Zero(t, realizer.calls)

	// the failure is readable from the record itself
	assert.Equal(t, "proto-1", protos.errorID)
	assert.Equal(t, "discovery failed", protos.errorMessage)
	assert.Equal(t, "window query failed", protos.errorTrace)
}

func TestSubmitAutoRealizeFailureRecordsError(t *testing.T) {
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{result: &models.DiscoveryResult{ProtoRecordID: "proto-1", Status: models.ProtoStatusNoMatch}}
	realizer := &fakeRealizer{err: errors.New("entity insert failed")}

	p := NewProcessor(testConfig(true), testLogger(), protos, discoverer, realizer, nil)
	result, err := p.Submit(context.Background(), testTenant, testRequest(), nil)
	require.NoError(t, err)

	assert.NotNil(t, result.Discovery)
	assert.Nil(t, result.Realization)
	assert.Equal(t, "proto-1", protos.errorID)
	assert.Equal(t, "auto-realization failed", protos.errorMessage)
	assert.Equal(t, "entity insert failed", protos.errorTrace)
}

func TestProcessMessage(t *testing.T) {
	protos := &fakeProtoStore{}
	discoverer := &fakeDiscoverer{result: &models.DiscoveryResult{ProtoRecordID: "proto-1", Status: models.ProtoStatusAmbiguous}}

	p := NewProcessor(testConfig(true), testLogger(), protos, discoverer, &fakeRealizer{}, nil)

	msg := &kafka.IncomingMessage{
		Submission: &kafka.SubmissionMessage{
			TenantID:   testTenant,
			EntityKind: "address",
			Data:       map[string]any{"street_line1": "123 Main St"},
		},
	}
	require.NoError(t, p.ProcessMessage(context.Background(), msg))

	require.NotNil(t, protos.created)
	assert.Equal(t, "address", protos.created.EntityKind)
	assert.Equal(t, testTenant, protos.created.TenantID)
}
