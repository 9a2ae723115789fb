// Package events handles event emission for resolution lifecycle changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/pkg/kafka"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Emitter publishes resolution lifecycle events. Emission is best effort:
// callers log failures but never roll back the state change an event
// describes.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitProtoSubmitted emits an event for a newly accepted proto record
func (e *Emitter) EmitProtoSubmitted(ctx context.Context, proto *models.ProtoRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitProtoSubmitted")
	defer span.End()

	event := &kafka.ResolutionEvent{
		EventType:     string(EventTypeProtoSubmitted),
		TenantID:      proto.TenantID,
		EntityKind:    proto.EntityKind,
		ProtoRecordID: proto.ID,
		Status:        string(proto.Status),
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit proto.submitted event")
		return err
	}
	return nil
}

// EmitProtoDiscovered emits the outcome of a discovery run
func (e *Emitter) EmitProtoDiscovered(ctx context.Context, proto *models.ProtoRecord, result *models.DiscoveryResult) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitProtoDiscovered")
	defer span.End()

	payload := map[string]any{
		"schema_version":  SchemaVersion,
		"candidate_count": len(result.Candidates),
	}
	data, _ := json.Marshal(payload)

	// The selection committed on the record is authoritative; candidates
	// may be elided from the result.
	var entityID string
	if result.Status == models.ProtoStatusAutoMatched && proto.SelectedEntityID != nil {
		entityID = *proto.SelectedEntityID
	}

	event := &kafka.ResolutionEvent{
		EventType:     string(EventTypeProtoDiscovered),
		TenantID:      proto.TenantID,
		EntityKind:    proto.EntityKind,
		ProtoRecordID: proto.ID,
		EntityID:      entityID,
		Status:        string(result.Status),
		Data:          data,
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit proto.discovered event")
		return err
	}
	return nil
}

// EmitProtoSelected emits an event when a selection is made or cleared
func (e *Emitter) EmitProtoSelected(ctx context.Context, proto *models.ProtoRecord, entityID *string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitProtoSelected")
	defer span.End()

	event := &kafka.ResolutionEvent{
		EventType:     string(EventTypeProtoSelected),
		TenantID:      proto.TenantID,
		EntityKind:    proto.EntityKind,
		ProtoRecordID: proto.ID,
		Status:        string(proto.Status),
	}
	if entityID != nil {
		event.EntityID = *entityID
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit proto.selected event")
		return err
	}
	return nil
}

// EmitProtoRealized emits an event when a proto record's data is committed
// to a concrete entity. A separate entity.created event follows when the
// commit created the entity.
func (e *Emitter) EmitProtoRealized(ctx context.Context, proto *models.ProtoRecord, entityID string, created bool) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitProtoRealized")
	defer span.End()

	event := &kafka.ResolutionEvent{
		EventType:     string(EventTypeProtoRealized),
		TenantID:      proto.TenantID,
		EntityKind:    proto.EntityKind,
		ProtoRecordID: proto.ID,
		EntityID:      entityID,
		Status:        string(models.ProtoStatusRealized),
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit proto.realized event")
		return err
	}

	if created {
		entityEvent := &kafka.ResolutionEvent{
			EventType:  string(EventTypeEntityCreated),
			TenantID:   proto.TenantID,
			EntityKind: proto.EntityKind,
			EntityID:   entityID,
			Data:       proto.Data,
		}
		if err := e.producer.PublishResolutionEvent(ctx, entityEvent); err != nil {
			e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.created event")
			return err
		}
	}
	return nil
}

// EmitEntityConsolidated emits an event when one entity folds into another
func (e *Emitter) EmitEntityConsolidated(ctx context.Context, tenantID, entityKind, masterEntityID, duplicateEntityID string, redirectedPaths int) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityConsolidated")
	defer span.End()

	payload := map[string]any{
		"schema_version":      SchemaVersion,
		"duplicate_entity_id": duplicateEntityID,
		"redirected_paths":    redirectedPaths,
	}
	data, _ := json.Marshal(payload)

	event := &kafka.ResolutionEvent{
		EventType:  string(EventTypeEntityConsolidated),
		TenantID:   tenantID,
		EntityKind: entityKind,
		EntityID:   masterEntityID,
		Data:       data,
	}

	if err := e.producer.PublishResolutionEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit entity.consolidated event")
		return err
	}
	return nil
}
