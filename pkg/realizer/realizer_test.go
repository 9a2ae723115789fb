package realizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/fingerprint"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/normalizers"
	"github.com/Ramsey-B/aster/pkg/profiles"
	"github.com/Ramsey-B/aster/pkg/schema"
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
		Schema: schema.Schema{
			Properties: map[string]schema.PropertyDefinition{
				"street_line1": {Type: "string"},
				"city":         {Type: "string"},
			},
			Required: []string{"street_line1"},
		},
	}))
	return registry
}

type fakeTx struct {
	database.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func (f *fakeTx) IsOpen() bool { return !f.committed && !f.rolledBack }

type fakeTxBeginner struct {
	tx *fakeTx
}

func (f *fakeTxBeginner) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	f.tx = &fakeTx{}
	return ctx, f.tx, nil
}

type fakeProtoStore struct {
	protos map[string]*models.ProtoRecord

	realizedID       string
	realizedEntityID string
	errorMessage     string
	errorTrace       string
}

func (f *fakeProtoStore) Get(ctx context.Context, tenantID, id string) (*models.ProtoRecord, error) {
	p, ok := f.protos[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "proto record %s not found", id)
	}
	return p, nil
}

func (f *fakeProtoStore) MarkRealizedTx(ctx context.Context, tx database.Tx, tenantID, id, entityID string) error {
	f.realizedID = id
	f.realizedEntityID = entityID
	return nil
}

func (f *fakeProtoStore) SetError(ctx context.Context, tenantID, id, message, trace string) error {
	f.errorMessage = message
	f.errorTrace = trace
	return nil
}

type fakeEntityStore struct {
	entities map[string]*models.EntityRecord
	created  *models.EntityRecord

	updatedID      string
	updatedData    json.RawMessage
	updatedProfile *int
}

func (f *fakeEntityStore) Get(ctx context.Context, tenantID, id string) (*models.EntityRecord, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "entity %s not found", id)
	}
	return e, nil
}

func (f *fakeEntityStore) CreateTx(ctx context.Context, tx database.Tx, entity *models.EntityRecord) (*models.EntityRecord, error) {
	created := *entity
	created.ID = "new-entity"
	f.created = &created
	return &created, nil
}

func (f *fakeEntityStore) UpdateDataTx(ctx context.Context, tx database.Tx, tenantID, id string, data json.RawMessage) error {
	f.updatedID = id
	f.updatedData = data
	return nil
}

func (f *fakeEntityStore) UpsertProfileTx(ctx context.Context, tx database.Tx, tenantID, entityID string, profile int) error {
	f.updatedProfile = &profile
	return nil
}

type fakePathStore struct {
	identities []string
}

func (f *fakePathStore) EnsureIdentityTx(ctx context.Context, tx database.Tx, tenantID, entityKind, entityID string) error {
	f.identities = append(f.identities, entityID)
	return nil
}

type fakeEmitter struct {
	entityID string
	created  bool
	calls    int
}

func (f *fakeEmitter) EmitProtoRealized(ctx context.Context, proto *models.ProtoRecord, entityID string, created bool) error {
	f.entityID = entityID
	f.created = created
	f.calls++
	return nil
}

type fakeMirror struct {
	synced *models.EntityRecord
}

func (f *fakeMirror) SyncEntity(ctx context.Context, entity *models.EntityRecord) error {
	f.synced = entity
	return nil
}

func protoWithStatus(id string, status models.ProtoStatus, selected *string) *models.ProtoRecord {
	data, _ := json.Marshal(map[string]any{"street_line1": "123 Main Street", "city": "Austin"})
	return &models.ProtoRecord{
		ID:               id,
		TenantID:         testTenant,
		EntityKind:       "address",
		Data:             data,
		Status:           status,
		SelectedEntityID: selected,
	}
}

func TestRealizeCreatesNewEntity(t *testing.T) {
	proto := protoWithStatus("proto-1", models.ProtoStatusNoMatch, nil)

	txs := &fakeTxBeginner{}
	protos := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	entities := &fakeEntityStore{}
	paths := &fakePathStore{}
	emitter := &fakeEmitter{}
	mirror := &fakeMirror{}

	r := NewRealizer(testLogger(), testRegistry(t), txs, protos, entities, paths, emitter, mirror)
	resp, err := r.Realize(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, "proto-1", resp.ProtoRecordID)
	assert.Equal(t, "new-entity", resp.EntityID)
	assert.True(t, resp.Created)

	require.NotNil(t, entities.created)
	assert.Equal(t, "address", entities.created.EntityKind)
	require.NotNil(t, entities.created.Profile, "new entity carries a seeded profile")

	assert.Equal(t, []string{"new-entity"}, paths.identities)
	assert.Equal(t, "new-entity", protos.realizedEntityID)
	assert.True(t, txs.tx.committed)

	assert.Equal(t, 1, emitter.calls)
	assert.True(t, emitter.created)
	require.NotNil(t, mirror.synced)
	assert.Equal(t, "new-entity", mirror.synced.ID)
}

func TestRealizeAttachesToSelectedEntity(t *testing.T) {
	entityID := "entity-1"
	proto := protoWithStatus("proto-1", models.ProtoStatusAutoMatched, &entityID)

	stale, _ := json.Marshal(map[string]any{"street_line1": "999 Old Street", "zipcode": "78701"})
	txs := &fakeTxBeginner{}
	protos := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	entities := &fakeEntityStore{entities: map[string]*models.EntityRecord{
		"entity-1": {ID: "entity-1", TenantID: testTenant, EntityKind: "address", Data: stale},
	}}
	paths := &fakePathStore{}
	emitter := &fakeEmitter{}
	mirror := &fakeMirror{}

	r := NewRealizer(testLogger(), testRegistry(t), txs, protos, entities, paths, emitter, mirror)
	resp, err := r.Realize(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, "entity-1", resp.EntityID)
	assert.False(t, resp.Created)
	assert.Nil(t, entities.created)

	// the proto's fields land on the entity; fields the proto does not
	// carry survive
	assert.Equal(t, "entity-1", entities.updatedID)
	var updated map[string]any
	require.NoError(t, json.Unmarshal(entities.updatedData, &updated))
	assert.Equal(t, "123 Main Street", updated["street_line1"])
	assert.Equal(t, "Austin", updated["city"])
	assert.Equal(t, "78701", updated["zipcode"])

	require.NotNil(t, entities.updatedProfile, "profile refreshed for the rewritten field")
	assert.Equal(t, fingerprint.Profile("123 main street"), *entities.updatedProfile)

	assert.Equal(t, []string{"entity-1"}, paths.identities)
	assert.Equal(t, "entity-1", protos.realizedEntityID)
	assert.True(t, txs.tx.committed)
	assert.False(t, emitter.created)

	require.NotNil(t, mirror.synced)
	assert.Equal(t, "entity-1", mirror.synced.ID)
	assert.JSONEq(t, string(entities.updatedData), string(mirror.synced.Data))
}

func TestRealizeAttachFailsWhenEntityMissing(t *testing.T) {
	entityID := "entity-gone"
	proto := protoWithStatus("proto-1", models.ProtoStatusAutoMatched, &entityID)

	txs := &fakeTxBeginner{}
	protos := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}

	r := NewRealizer(testLogger(), testRegistry(t), txs, protos, &fakeEntityStore{}, &fakePathStore{}, nil, nil)
	_, err := r.Realize(context.Background(), testTenant, "proto-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	assert.Nil(t, txs.tx, "no transaction opened for a missing target")
}

func TestRealizeAlreadyRealizedIsIdempotent(t *testing.T) {
	entityID := "entity-1"
	proto := protoWithStatus("proto-1", models.ProtoStatusRealized, &entityID)

	txs := &fakeTxBeginner{}
	protos := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}
	emitter := &fakeEmitter{}

	r := NewRealizer(testLogger(), testRegistry(t), txs, protos, &fakeEntityStore{}, &fakePathStore{}, emitter, nil)
	resp, err := r.Realize(context.Background(), testTenant, "proto-1")
	require.NoError(t, err)

	assert.Equal(t, "entity-1", resp.EntityID)
	assert.False(t, resp.Created)
	assert.Nil(t, txs.tx)
	assert.Zero(t, emitter.calls, "no event for a no-op realize")
}

func TestRealizeAmbiguousWithoutSelectionConflicts(t *testing.T) {
	proto := protoWithStatus("proto-1", models.ProtoStatusAmbiguous, nil)
	protos := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}

	r := NewRealizer(testLogger(), testRegistry(t), &fakeTxBeginner{}, protos, &fakeEntityStore{}, &fakePathStore{}, nil, nil)
	_, err := r.Realize(context.Background(), testTenant, "proto-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestRealizeUnresolvedConflicts(t *testing.T) {
	proto := protoWithStatus("proto-1", models.ProtoStatusUnresolved, nil)
	protos := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}

	r := NewRealizer(testLogger(), testRegistry(t), &fakeTxBeginner{}, protos, &fakeEntityStore{}, &fakePathStore{}, nil, nil)
	_, err := r.Realize(context.Background(), testTenant, "proto-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestRealizeValidationFailureRecordsError(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"city": "Austin"}) // street_line1 required
	proto := &models.ProtoRecord{
		ID:         "proto-1",
		TenantID:   testTenant,
		EntityKind: "address",
		Data:       data,
		Status:     models.ProtoStatusNoMatch,
	}
	protos := &fakeProtoStore{protos: map[string]*models.ProtoRecord{"proto-1": proto}}

	r := NewRealizer(testLogger(), testRegistry(t), &fakeTxBeginner{}, protos, &fakeEntityStore{}, &fakePathStore{}, nil, nil)
	_, err := r.Realize(context.Background(), testTenant, "proto-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, httperror.GetStatusCode(err))

	assert.Equal(t, "entity data failed validation", protos.errorMessage)
	assert.Contains(t, protos.errorTrace, "street_line1")
}
