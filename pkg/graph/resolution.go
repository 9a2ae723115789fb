package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// ResolutionService mirrors entities and their consolidation history into
// the graph store. Nodes are labeled by entity kind; a RESOLVES_TO edge
// points from a folded-away entity to its surviving master. The mirror is
// a read accelerator: Postgres stays the system of record and the mirror
// is rebuilt from it when they disagree.
type ResolutionService struct {
	client *Client
	logger ectologger.Logger
}

// NewResolutionService creates a new resolution service
func NewResolutionService(client *Client, logger ectologger.Logger) *ResolutionService {
	return &ResolutionService{
		client: client,
		logger: logger,
	}
}

// SyncEntity creates or updates an entity node in the graph
func (s *ResolutionService) SyncEntity(ctx context.Context, entity *models.EntityRecord) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ResolutionService.SyncEntity")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":   entity.ID,
		"entity_kind": entity.EntityKind,
		"tenant_id":   entity.TenantID,
	})

	var data map[string]any
	if err := json.Unmarshal(entity.Data, &data); err != nil {
		return fmt.Errorf("failed to parse entity data: %w", err)
	}

	props := map[string]any{
		"id":          entity.ID,
		"tenant_id":   entity.TenantID,
		"entity_kind": entity.EntityKind,
		"created_at":  entity.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"updated_at":  entity.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	for k, v := range data {
		// Graph properties must be scalars; nested documents stay in Postgres
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		props[k] = v
	}

	cypher := fmt.Sprintf(`
		MERGE (e:%s {id: $id, tenant_id: $tenant_id})
		SET e = $props
		RETURN e
	`, sanitizeLabel(entity.EntityKind))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entity.ID,
			"tenant_id": entity.TenantID,
			"props":     props,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		log.WithError(err).Error("Failed to sync entity to graph")
		return fmt.Errorf("failed to sync entity to graph: %w", err)
	}

	log.Debug("Synced entity to graph")
	return nil
}

// RecordConsolidation writes a RESOLVES_TO edge from the duplicate to the
// master and repoints any edges that already targeted the duplicate, so
// every node in the mirror resolves in a single hop.
func (s *ResolutionService) RecordConsolidation(ctx context.Context, tenantID, entityKind, masterEntityID, duplicateEntityID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ResolutionService.RecordConsolidation")
	defer span.End()

	label := sanitizeLabel(entityKind)

	cypher := fmt.Sprintf(`
		MERGE (master:%s {id: $master_id, tenant_id: $tenant_id})
		MERGE (dup:%s {id: $duplicate_id, tenant_id: $tenant_id})
		SET dup.consolidated_at = datetime()
		MERGE (dup)-[:RESOLVES_TO]->(master)
		WITH master, dup
		OPTIONAL MATCH (other:%s {tenant_id: $tenant_id})-[r:RESOLVES_TO]->(dup)
		DELETE r
		WITH master, collect(other) AS others
		UNWIND others AS o
		MERGE (o)-[:RESOLVES_TO]->(master)
	`, label, label, label)

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"tenant_id":    tenantID,
			"master_id":    masterEntityID,
			"duplicate_id": duplicateEntityID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":           tenantID,
			"master_entity_id":    masterEntityID,
			"duplicate_entity_id": duplicateEntityID,
		}).Error("Failed to record consolidation in graph")
		return fmt.Errorf("failed to record consolidation in graph: %w", err)
	}

	return nil
}

// RemoveEntity marks an entity node deleted in the mirror
func (s *ResolutionService) RemoveEntity(ctx context.Context, tenantID, entityKind, entityID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ResolutionService.RemoveEntity")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (e:%s {id: $id, tenant_id: $tenant_id})
		SET e.deleted_at = datetime()
		RETURN e
	`, sanitizeLabel(entityKind))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to remove entity from graph")
		return fmt.Errorf("failed to remove entity from graph: %w", err)
	}
	return nil
}

// sanitizeLabel ensures the label is safe for Cypher
func sanitizeLabel(label string) string {
	result := ""
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result += string(c)
		}
	}
	if result == "" {
		return "Entity"
	}
	return result
}
