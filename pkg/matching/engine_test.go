package matching

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/aster/pkg/fingerprint"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/normalizers"
	"github.com/Ramsey-B/aster/pkg/profiles"
)

const testTenant = "tenant-1"

func testLogger() ectologger.Logger {
	return zapadapter.NewZapEctoLogger(zap.NewNop(), nil)
}

func testRegistry(t *testing.T) *profiles.Registry {
	t.Helper()
	registry := profiles.NewRegistry()
	require.NoError(t, registry.Register(&profiles.Profile{
		EntityKind: "address",
		Pipeline: normalizers.Pipeline{
			Field: "street_line1",
			Steps: []normalizers.Normalizer{normalizers.Lowercase, normalizers.CollapseWhitespace},
		},
		ProfileThreshold:     400,
		LevenshteinThreshold: 6,
		CandidateLimit:       10,
	}))
	return registry
}

type fakeProtoStore struct {
	protos map[string]*models.ProtoRecord

	updatedID       string
	updatedProfile  int
	updatedSelected *string
	updatedStatus   models.ProtoStatus
}

func (f *fakeProtoStore) Get(ctx context.Context, tenantID, id string) (*models.ProtoRecord, error) {
	return f.protos[id], nil
}

func (f *fakeProtoStore) UpdateResolution(ctx context.Context, tenantID, id string, profile int, selectedEntityID *string, status models.ProtoStatus) error {
	f.updatedID = id
	f.updatedProfile = profile
	f.updatedSelected = selectedEntityID
	f.updatedStatus = status
	return nil
}

type fakeCandidateStore struct {
	cleared  []string
	replaced []models.Candidate
}

func (f *fakeCandidateStore) Clear(ctx context.Context, tenantID, protoRecordID string) error {
	f.cleared = append(f.cleared, protoRecordID)
	return nil
}

func (f *fakeCandidateStore) Replace(ctx context.Context, tenantID, protoRecordID string, candidates []models.Candidate) error {
	f.replaced = candidates
	return nil
}

type fakeEntityStore struct {
	rows     []CandidateRow
	upserted map[string]int

	gotProfile   int
	gotThreshold int
	gotExclude   *string
	gotPreds     []profiles.Predicate
}

func (f *fakeEntityStore) FindWindow(ctx context.Context, tenantID, entityKind, field string, profile, threshold int, excludeEntityID *string, preds []profiles.Predicate, fetchLimit int) ([]CandidateRow, error) {
	f.gotProfile = profile
	f.gotThreshold = threshold
	f.gotExclude = excludeEntityID
	f.gotPreds = preds
	return f.rows, nil
}

func (f *fakeEntityStore) UpsertProfile(ctx context.Context, tenantID, entityID string, profile int) error {
	if f.upserted == nil {
		f.upserted = map[string]int{}
	}
	f.upserted[entityID] = profile
	return nil
}

func newTestProto(id, street string) *models.ProtoRecord {
	data, _ := json.Marshal(map[string]any{"street_line1": street})
	return &models.ProtoRecord{
		ID:         id,
		TenantID:   testTenant,
		EntityKind: "address",
		Data:       data,
		Status:     models.ProtoStatusUnresolved,
	}
}

func intPtr(n int) *int { return &n }

func TestDiscoverAutoMatchExact(t *testing.T) {
	proto := newTestProto("proto-1", "123 Main Street")
	profile := fingerprint.Profile("123 main street")

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		{EntityID: "entity-1", Value: "123 Main Street", Profile: intPtr(profile)},
		{EntityID: "entity-2", Value: "999 Elm Street", Profile: intPtr(profile + 300)},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusAutoMatched, result.Status)
	require.NotNil(t, result.SelectedEntityID)
	assert.Equal(t, "entity-1", *result.SelectedEntityID)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "entity-1", result.Candidates[0].EntityID)
	assert.Equal(t, 0, result.Candidates[0].EditDistance)

	assert.Equal(t, models.ProtoStatusAutoMatched, protoStore.updatedStatus)
	require.NotNil(t, protoStore.updatedSelected)
	assert.Equal(t, "entity-1", *protoStore.updatedSelected)
	assert.Equal(t, []string{"proto-1"}, candidateStore.cleared)
}

func TestDiscoverProfileCollisionIsNotExact(t *testing.T) {
	// "ab" and "ba" share a profile but are different strings; the fast
	// path must not auto-match on profile equality alone
	proto := newTestProto("proto-1", "ab")
	profile := fingerprint.Profile("ab")

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		{EntityID: "entity-1", Value: "ba", Profile: intPtr(profile)},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	// distance 2, within threshold, single imperfect survivor -> ambiguous
	assert.Equal(t, models.ProtoStatusAmbiguous, result.Status)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, 2, result.Candidates[0].EditDistance)
	assert.Nil(t, protoStore.updatedSelected)
}

func TestDiscoverNoMatch(t *testing.T) {
	proto := newTestProto("proto-1", "123 Main Street")

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusNoMatch, result.Status)
	assert.Empty(t, result.Candidates)
	assert.Equal(t, models.ProtoStatusNoMatch, protoStore.updatedStatus)
	assert.Equal(t, fingerprint.Profile("123 main street"), protoStore.updatedProfile)
}

func TestDiscoverAmbiguousOrdering(t *testing.T) {
	proto := newTestProto("proto-1", "123 Main Street")

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		// distance 3 from the proto
		{EntityID: "entity-far", Value: "123 Main Strate", Profile: intPtr(fingerprint.Profile("123 main strate"))},
		// distance 1 from the proto
		{EntityID: "entity-near", Value: "123 Main Streat", Profile: intPtr(fingerprint.Profile("123 main streat"))},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusAmbiguous, result.Status)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "entity-near", result.Candidates[0].EntityID)
	assert.Equal(t, 1, result.Candidates[0].EditDistance)
	assert.Equal(t, "entity-far", result.Candidates[1].EntityID)
	assert.Equal(t, Distance("123 main street", "123 main strate"), result.Candidates[1].EditDistance)

	// the persisted set matches the returned set
	assert.Equal(t, result.Candidates, candidateStore.replaced)
	assert.Equal(t, models.ProtoStatusAmbiguous, protoStore.updatedStatus)
	assert.Nil(t, protoStore.updatedSelected)
}

func TestDiscoverBackfillsMissingProfiles(t *testing.T) {
	proto := newTestProto("proto-1", "123 Main Street")
	wantProfile := fingerprint.Profile("123 main streat")

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		{EntityID: "entity-1", Value: "123 Main Streat", Profile: nil},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusAmbiguous, result.Status)
	assert.Equal(t, wantProfile, entityStore.upserted["entity-1"])
}

func TestDiscoverSoleZeroDistanceSurvivorAutoMatches(t *testing.T) {
	// cached profile missing, so the fast path cannot see the exact match;
	// the fallback still auto-selects the sole perfect survivor
	proto := newTestProto("proto-1", "123 Main Street")

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		{EntityID: "entity-1", Value: "123 Main Street", Profile: nil},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusAutoMatched, result.Status)
	require.NotNil(t, protoStore.updatedSelected)
	assert.Equal(t, "entity-1", *protoStore.updatedSelected)
}

func TestDiscoverEmptyNormalizedValue(t *testing.T) {
	proto := newTestProto("proto-1", "   ")

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		{EntityID: "entity-1", Value: "", Profile: intPtr(0)},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusNoMatch, result.Status)
	assert.Equal(t, []string{"proto-1"}, candidateStore.cleared)
}

func TestDiscoverMissingFieldFails(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"city": "Austin"})
	proto := &models.ProtoRecord{
		ID:         "proto-1",
		TenantID:   testTenant,
		EntityKind: "address",
		Data:       data,
		Status:     models.ProtoStatusUnresolved,
	}

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	engine := NewEngine(testLogger(), testRegistry(t), protoStore, &fakeCandidateStore{}, &fakeEntityStore{}, EngineConfig{})

	_, err := engine.Discover(context.Background(), testTenant, "proto-1")
	var missing *normalizers.MissingFieldError
	require.ErrorAs(t, err, &missing)
}

func TestDiscoverExcludesOwnEntityWhenRealized(t *testing.T) {
	proto := newTestProto("proto-1", "123 Main Street")
	entityID := "entity-1"
	proto.Status = models.ProtoStatusRealized
	proto.SelectedEntityID = &entityID

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	entityStore := &fakeEntityStore{}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, &fakeCandidateStore{}, entityStore, EngineConfig{})
	_, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	require.NotNil(t, entityStore.gotExclude)
	assert.Equal(t, entityID, *entityStore.gotExclude)
}

func TestDiscoverRealizedRecordKeepsResolution(t *testing.T) {
	// re-scanning a realized record reports near-duplicates of its entity
	// but must not rewrite the committed status or selection
	proto := newTestProto("proto-1", "123 Main Street")
	entityID := "entity-1"
	proto.Status = models.ProtoStatusRealized
	proto.SelectedEntityID = &entityID

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		{EntityID: "entity-dup", Value: "123 Main Streat", Profile: intPtr(fingerprint.Profile("123 main streat"))},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusRealized, result.Status)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "entity-dup", result.Candidates[0].EntityID)
	assert.Len(t, candidateStore.replaced, 1)
	assert.Empty(t, protoStore.updatedID, "resolution untouched by a re-scan")
}

func TestDiscoverRealizedRecordNeverAutoMatches(t *testing.T) {
	// an exact twin in the window stays a reviewable candidate; the record
	// is already attached to its entity
	proto := newTestProto("proto-1", "123 Main Street")
	entityID := "entity-1"
	proto.Status = models.ProtoStatusRealized
	proto.SelectedEntityID = &entityID

	profile := fingerprint.Profile("123 main street")
	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	entityStore := &fakeEntityStore{rows: []CandidateRow{
		{EntityID: "entity-twin", Value: "123 Main Street", Profile: intPtr(profile)},
	}}

	engine := NewEngine(testLogger(), testRegistry(t), protoStore, candidateStore, entityStore, EngineConfig{})
	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusRealized, result.Status)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, 0, result.Candidates[0].EditDistance)
	assert.Empty(t, protoStore.updatedID)
}

func TestDiscoverRespectsCandidateLimit(t *testing.T) {
	proto := newTestProto("proto-1", "ab")

	registry := profiles.NewRegistry()
	require.NoError(t, registry.Register(&profiles.Profile{
		EntityKind:           "address",
		Pipeline:             normalizers.Pipeline{Field: "street_line1", Steps: []normalizers.Normalizer{normalizers.Lowercase}},
		ProfileThreshold:     400,
		LevenshteinThreshold: 6,
		CandidateLimit:       2,
	}))

	rows := []CandidateRow{
		{EntityID: "entity-1", Value: "ax", Profile: nil},
		{EntityID: "entity-2", Value: "ay", Profile: nil},
		{EntityID: "entity-3", Value: "az", Profile: nil},
	}

	protoStore := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	candidateStore := &fakeCandidateStore{}
	engine := NewEngine(testLogger(), registry, protoStore, candidateStore, &fakeEntityStore{rows: rows}, EngineConfig{})

	result, err := engine.Discover(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, models.ProtoStatusAmbiguous, result.Status)
	assert.Len(t, result.Candidates, 2)
}
