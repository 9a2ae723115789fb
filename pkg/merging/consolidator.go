// Package merging consolidates duplicate entities. Consolidation keeps a
// single master, folds the duplicate's data gaps into it, and leaves a
// permanent redirect so every historical pointer to the duplicate keeps
// resolving.
package merging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// TxBeginner opens transactions. database.DB satisfies it.
type TxBeginner interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// EntityStore is the slice of the entity repository consolidation needs
type EntityStore interface {
	Get(ctx context.Context, tenantID string, id string) (*models.EntityRecord, error)
	UpdateDataTx(ctx context.Context, tx database.Tx, tenantID string, id string, data json.RawMessage) error
	SoftDeleteTx(ctx context.Context, tx database.Tx, tenantID string, id string) error
}

// PathStore is the slice of the merge path repository consolidation needs
type PathStore interface {
	Resolve(ctx context.Context, tenantID, entityKind, sourceEntityID string) (string, error)
	EnsureIdentityTx(ctx context.Context, tx database.Tx, tenantID, entityKind, entityID string) error
	RedirectTx(ctx context.Context, tx database.Tx, tenantID, entityKind, fromEntityID, toEntityID string) (int64, error)
}

// CandidateStore clears candidate references to folded-away entities
type CandidateStore interface {
	ClearByEntity(ctx context.Context, tenantID string, entityID string) (int64, error)
}

// EventEmitter publishes consolidation events. May be nil when eventing is
// disabled.
type EventEmitter interface {
	EmitEntityConsolidated(ctx context.Context, tenantID, entityKind, masterEntityID, duplicateEntityID string, redirectedPaths int) error
}

// GraphMirror reflects consolidations into the graph store. May be nil
// when the mirror is disabled.
type GraphMirror interface {
	RecordConsolidation(ctx context.Context, tenantID, entityKind, masterEntityID, duplicateEntityID string) error
	RemoveEntity(ctx context.Context, tenantID, entityKind, entityID string) error
}

// Consolidator folds duplicate entities into a surviving master
type Consolidator struct {
	logger     ectologger.Logger
	txs        TxBeginner
	entities   EntityStore
	paths      PathStore
	candidates CandidateStore
	emitter    EventEmitter
	graph      GraphMirror
}

// NewConsolidator creates a new consolidator
func NewConsolidator(
	logger ectologger.Logger,
	txs TxBeginner,
	entities EntityStore,
	paths PathStore,
	candidates CandidateStore,
	emitter EventEmitter,
	graph GraphMirror,
) *Consolidator {
	return &Consolidator{
		logger:     logger,
		txs:        txs,
		entities:   entities,
		paths:      paths,
		candidates: candidates,
		emitter:    emitter,
		graph:      graph,
	}
}

// Consolidate folds the duplicate entity into the master. All path
// redirects, the data fold, and the duplicate's soft delete land in one
// transaction; a consolidation that already happened returns successfully
// without changing anything.
func (c *Consolidator) Consolidate(ctx context.Context, tenantID string, req models.ConsolidateRequest) (*models.ConsolidateResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Consolidator.Consolidate")
	defer span.End()

	if req.MasterEntityID == req.DuplicateEntityID {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "master and duplicate must be different entities")
	}

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":           tenantID,
		"entity_kind":         req.EntityKind,
		"master_entity_id":    req.MasterEntityID,
		"duplicate_entity_id": req.DuplicateEntityID,
	})

	// Work against the current resolution targets so a stale caller holding
	// an already-folded id still lands on the right entities.
	masterID, err := c.paths.Resolve(ctx, tenantID, req.EntityKind, req.MasterEntityID)
	if err != nil {
		return nil, err
	}
	duplicateID, err := c.paths.Resolve(ctx, tenantID, req.EntityKind, req.DuplicateEntityID)
	if err != nil {
		return nil, err
	}

	if masterID == duplicateID {
		log.Debug("Entities already consolidated")
		return &models.ConsolidateResponse{MasterEntityID: masterID}, nil
	}

	master, err := c.entities.Get(ctx, tenantID, masterID)
	if err != nil {
		return nil, err
	}
	duplicate, err := c.entities.Get(ctx, tenantID, duplicateID)
	if err != nil {
		return nil, err
	}
	if master.EntityKind != req.EntityKind || duplicate.EntityKind != req.EntityKind {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "entities do not match the requested entity kind")
	}

	foldedData, foldedFields, err := c.foldData(master, duplicate)
	if err != nil {
		return nil, err
	}

	ctxTx, tx, err := c.txs.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Both entities need identity rows before the redirect: the duplicate's
	// own id must become a historical pointer to the master.
	if err := c.paths.EnsureIdentityTx(ctxTx, tx, tenantID, req.EntityKind, masterID); err != nil {
		return nil, err
	}
	if err := c.paths.EnsureIdentityTx(ctxTx, tx, tenantID, req.EntityKind, duplicateID); err != nil {
		return nil, err
	}

	redirected, err := c.paths.RedirectTx(ctxTx, tx, tenantID, req.EntityKind, duplicateID, masterID)
	if err != nil {
		return nil, err
	}

	if len(foldedFields) > 0 {
		if err := c.entities.UpdateDataTx(ctxTx, tx, tenantID, masterID, foldedData); err != nil {
			return nil, err
		}
	}

	if err := c.entities.SoftDeleteTx(ctxTx, tx, tenantID, duplicateID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	// Post-commit cleanup is best effort; candidates pointing at the
	// duplicate would resolve through the merge path anyway.
	if _, err := c.candidates.ClearByEntity(ctx, tenantID, duplicateID); err != nil {
		log.WithError(err).Error("Failed to clear candidates for consolidated entity")
	}

	if c.graph != nil {
		if err := c.graph.RecordConsolidation(ctx, tenantID, req.EntityKind, masterID, duplicateID); err != nil {
			log.WithError(err).Error("Failed to mirror consolidation to graph")
		} else if err := c.graph.RemoveEntity(ctx, tenantID, req.EntityKind, duplicateID); err != nil {
			log.WithError(err).Error("Failed to mark consolidated entity deleted in graph")
		}
	}

	if c.emitter != nil {
		if err := c.emitter.EmitEntityConsolidated(ctx, tenantID, req.EntityKind, masterID, duplicateID, int(redirected)); err != nil {
			log.WithError(err).Error("Failed to emit consolidation event")
		}
	}

	log.WithFields(map[string]any{
		"redirected_paths": redirected,
		"folded_fields":    foldedFields,
	}).Info("Consolidated entities")

	return &models.ConsolidateResponse{
		MasterEntityID:  masterID,
		RedirectedPaths: int(redirected),
		FoldedFields:    foldedFields,
	}, nil
}

func (c *Consolidator) foldData(master, duplicate *models.EntityRecord) (json.RawMessage, []string, error) {
	var masterData, duplicateData map[string]any
	if err := json.Unmarshal(master.Data, &masterData); err != nil {
		return nil, nil, fmt.Errorf("failed to parse master entity data: %w", err)
	}
	if err := json.Unmarshal(duplicate.Data, &duplicateData); err != nil {
		return nil, nil, fmt.Errorf("failed to parse duplicate entity data: %w", err)
	}

	merged, foldedFields := Fold(masterData, duplicateData)
	if len(foldedFields) == 0 {
		return master.Data, nil, nil
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal folded entity data: %w", err)
	}
	return mergedJSON, foldedFields, nil
}
