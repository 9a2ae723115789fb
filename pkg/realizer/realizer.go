// Package realizer commits resolved proto records into concrete entities.
// Realization is all-or-nothing: the entity write, the identity merge
// path, and the proto status flip land in one transaction or not at all.
package realizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/fingerprint"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/profiles"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// TxBeginner opens transactions. database.DB satisfies it.
type TxBeginner interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// ProtoStore is the slice of the proto record repository the realizer needs
type ProtoStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.ProtoRecord, error)
	MarkRealizedTx(ctx context.Context, tx database.Tx, tenantID string, id string, entityID string) error
	SetError(ctx context.Context, tenantID string, id string, message, trace string) error
}

// EntityStore is the slice of the entity repository the realizer needs
type EntityStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.EntityRecord, error)
	CreateTx(ctx context.Context, tx database.Tx, entity *models.EntityRecord) (*models.EntityRecord, error)
	UpdateDataTx(ctx context.Context, tx database.Tx, tenantID string, id string, data json.RawMessage) error
	UpsertProfileTx(ctx context.Context, tx database.Tx, tenantID string, entityID string, profile int) error
}

// PathStore is the slice of the merge path repository the realizer needs
type PathStore interface {
	EnsureIdentityTx(ctx context.Context, tx database.Tx, tenantID, entityKind, entityID string) error
}

// EventEmitter publishes realization events. May be nil when eventing is
// disabled.
type EventEmitter interface {
	EmitProtoRealized(ctx context.Context, proto *models.ProtoRecord, entityID string, created bool) error
}

// GraphMirror keeps the optional graph mirror in step with realized
// entities. May be nil when the mirror is disabled.
type GraphMirror interface {
	SyncEntity(ctx context.Context, entity *models.EntityRecord) error
}

// Realizer commits proto record data to entities
type Realizer struct {
	logger   ectologger.Logger
	registry *profiles.Registry
	txs      TxBeginner
	protos   ProtoStore
	entities EntityStore
	paths    PathStore
	emitter  EventEmitter
	graph    GraphMirror
}

// NewRealizer creates a new realizer
func NewRealizer(
	logger ectologger.Logger,
	registry *profiles.Registry,
	txs TxBeginner,
	protos ProtoStore,
	entities EntityStore,
	paths PathStore,
	emitter EventEmitter,
	graph GraphMirror,
) *Realizer {
	return &Realizer{
		logger:   logger,
		registry: registry,
		txs:      txs,
		protos:   protos,
		entities: entities,
		paths:    paths,
		emitter:  emitter,
		graph:    graph,
	}
}

// Realize commits a proto record's data. A record with a selected entity
// attaches to it; a record without one becomes a brand new entity. Already
// realized records return their existing outcome unchanged.
func (r *Realizer) Realize(ctx context.Context, tenantID string, protoRecordID string) (*models.RealizeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "realizer.Realizer.Realize")
	defer span.End()

	proto, err := r.protos.Get(ctx, tenantID, protoRecordID)
	if err != nil {
		return nil, err
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":       tenantID,
		"proto_record_id": proto.ID,
		"entity_kind":     proto.EntityKind,
	})

	if proto.Status == models.ProtoStatusRealized {
		if proto.SelectedEntityID == nil {
			// Should never happen; surfaced rather than papered over.
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "proto record %s is realized without an entity", proto.ID)
		}
		log.Debug("Proto record already realized")
		return &models.RealizeResponse{
			ProtoRecordID: proto.ID,
			EntityID:      *proto.SelectedEntityID,
			Created:       false,
		}, nil
	}

	if proto.Status == models.ProtoStatusAmbiguous && proto.SelectedEntityID == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "proto record %s is ambiguous; select an entity before realizing", proto.ID)
	}
	if proto.Status == models.ProtoStatusUnresolved {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "proto record %s has not been through discovery", proto.ID)
	}

	prof, err := r.registry.Get(proto.EntityKind)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(proto.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse proto record data: %w", err)
	}

	// The whole update validates or none of it applies.
	if result := prof.Validator().Validate(data); !result.Valid {
		messages := make([]string, 0, len(result.Errors))
		for _, ve := range result.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", ve.Field, ve.Message))
		}
		message := "entity data failed validation"
		trace := strings.Join(messages, "; ")
		if err := r.protos.SetError(ctx, tenantID, proto.ID, message, trace); err != nil {
			log.WithError(err).Error("Failed to record validation failure")
		}
		return nil, httperror.NewHTTPErrorf(http.StatusUnprocessableEntity, "entity data failed validation: %s", trace)
	}

	if proto.SelectedEntityID != nil {
		return r.attach(ctx, proto, prof, data, *proto.SelectedEntityID, log)
	}
	return r.createEntity(ctx, proto, prof, data, log)
}

// attach realizes a proto record against an existing entity: the proto's
// fields are applied onto the entity's document (fields the proto does not
// carry are kept), and the cached profile is refreshed in the same
// transaction since the profiled field may have changed.
func (r *Realizer) attach(ctx context.Context, proto *models.ProtoRecord, prof *profiles.Profile, data map[string]any, entityID string, log ectologger.Logger) (*models.RealizeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "realizer.Realizer.attach")
	defer span.End()

	entity, err := r.entities.Get(ctx, proto.TenantID, entityID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	if len(entity.Data) > 0 {
		if err := json.Unmarshal(entity.Data, &merged); err != nil {
			return nil, fmt.Errorf("failed to parse entity data: %w", err)
		}
	}
	for field, value := range data {
		merged[field] = value
	}
	mergedData, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity data: %w", err)
	}

	var profilePtr *int
	if normalized, err := prof.Pipeline.Normalize(merged); err == nil && normalized != "" {
		profile := fingerprint.Profile(normalized)
		profilePtr = &profile
	}

	ctxTx, tx, err := r.txs.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := r.entities.UpdateDataTx(ctxTx, tx, proto.TenantID, entityID, mergedData); err != nil {
		return nil, err
	}
	if profilePtr != nil {
		if err := r.entities.UpsertProfileTx(ctxTx, tx, proto.TenantID, entityID, *profilePtr); err != nil {
			return nil, err
		}
	}
	if err := r.paths.EnsureIdentityTx(ctxTx, tx, proto.TenantID, proto.EntityKind, entityID); err != nil {
		return nil, err
	}
	if err := r.protos.MarkRealizedTx(ctxTx, tx, proto.TenantID, proto.ID, entityID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	entity.Data = mergedData
	entity.Profile = profilePtr

	log.WithFields(map[string]any{"entity_id": entityID}).Info("Realized proto record against existing entity")
	r.mirror(ctx, entity, log)
	r.emit(ctx, proto, entityID, false, log)

	return &models.RealizeResponse{
		ProtoRecordID: proto.ID,
		EntityID:      entityID,
		Created:       false,
	}, nil
}

// createEntity realizes a proto record as a brand new entity
func (r *Realizer) createEntity(ctx context.Context, proto *models.ProtoRecord, prof *profiles.Profile, data map[string]any, log ectologger.Logger) (*models.RealizeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "realizer.Realizer.createEntity")
	defer span.End()

	// Seed the new entity's cached profile so discovery never has to
	// backfill it. Normalization can still fail here when the profiled
	// field is absent and the schema did not require it.
	var profilePtr *int
	if normalized, err := prof.Pipeline.Normalize(data); err == nil && normalized != "" {
		profile := fingerprint.Profile(normalized)
		profilePtr = &profile
	}

	ctxTx, tx, err := r.txs.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entity := &models.EntityRecord{
		TenantID:   proto.TenantID,
		EntityKind: proto.EntityKind,
		Data:       proto.Data,
		Profile:    profilePtr,
	}
	created, err := r.entities.CreateTx(ctxTx, tx, entity)
	if err != nil {
		return nil, err
	}

	if err := r.paths.EnsureIdentityTx(ctxTx, tx, proto.TenantID, proto.EntityKind, created.ID); err != nil {
		return nil, err
	}
	if err := r.protos.MarkRealizedTx(ctxTx, tx, proto.TenantID, proto.ID, created.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	log.WithFields(map[string]any{"entity_id": created.ID}).Info("Realized proto record as new entity")
	r.mirror(ctx, created, log)
	r.emit(ctx, proto, created.ID, true, log)

	return &models.RealizeResponse{
		ProtoRecordID: proto.ID,
		EntityID:      created.ID,
		Created:       true,
	}, nil
}

func (r *Realizer) mirror(ctx context.Context, entity *models.EntityRecord, log ectologger.Logger) {
	if r.graph == nil {
		return
	}
	if err := r.graph.SyncEntity(ctx, entity); err != nil {
		// Postgres is the system of record; the mirror catches up on the
		// next sync of this entity.
		log.WithError(err).Error("Failed to mirror entity to graph")
	}
}

func (r *Realizer) emit(ctx context.Context, proto *models.ProtoRecord, entityID string, created bool, log ectologger.Logger) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.EmitProtoRealized(ctx, proto, entityID, created); err != nil {
		// The realization already committed; event delivery failures are
		// logged and left to the consumer's at-least-once handling.
		log.WithError(err).Error("Failed to emit realization event")
	}
}
