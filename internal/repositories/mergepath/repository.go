package mergepath

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

var columns = []string{"id", "tenant_id", "entity_kind", "source_entity_id", "entity_id", "created_at", "updated_at"}

// Repository handles merge path persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge path repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB returns the underlying database connection for transactions
func (r *Repository) DB() database.DB {
	return r.db
}

// Resolve follows a historical entity pointer to its current target. All
// paths are kept pointing directly at their final target when entities
// consolidate, so a single lookup suffices; no chain walking. An entity
// with no path row resolves to itself.
func (r *Repository) Resolve(ctx context.Context, tenantID, entityKind, sourceEntityID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "mergepath.Repository.Resolve")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_id")
	sb.From("merge_paths")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_kind", entityKind),
		sb.Equal("source_entity_id", sourceEntityID),
	)

	query, args := sb.Build()
	var entityID string
	if err := r.db.GetContext(ctx, &entityID, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return sourceEntityID, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "source_entity_id": sourceEntityID}).Error("Failed to resolve merge path")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve merge path")
	}
	return entityID, nil
}

// ListByEntity returns every path currently resolving to the given entity
func (r *Repository) ListByEntity(ctx context.Context, tenantID, entityKind, entityID string) ([]models.MergePath, error) {
	ctx, span := tracing.StartSpan(ctx, "mergepath.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("merge_paths")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_kind", entityKind),
		sb.Equal("entity_id", entityID),
	)
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var paths []models.MergePath
	if err := r.db.SelectContext(ctx, &paths, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "entity_id": entityID}).Error("Failed to list merge paths")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge paths")
	}
	return paths, nil
}

// EnsureIdentityTx guarantees an identity path row (source == target)
// exists for the entity, inside the caller's transaction. Consolidation
// relies on the row being present so historical pointers to the entity
// survive future folds.
func (r *Repository) EnsureIdentityTx(ctx context.Context, tx database.Tx, tenantID, entityKind, entityID string) error {
	ctx, span := tracing.StartSpan(ctx, "mergepath.Repository.EnsureIdentityTx")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merge_paths")
	sb.Cols("id", "tenant_id", "entity_kind", "source_entity_id", "entity_id", "created_at", "updated_at")
	sb.Values(uuid.New().String(), tenantID, entityKind, entityID, entityID, now, now)

	query, args := sb.Build()
	query += " ON CONFLICT (tenant_id, entity_kind, source_entity_id) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "entity_id": entityID}).Error("Failed to ensure identity merge path")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge path")
	}
	return nil
}

// RedirectTx repoints every path targeting fromEntityID at toEntityID,
// inside the caller's transaction. Source pointers never change; only the
// resolution target moves. Returns the number of redirected paths.
func (r *Repository) RedirectTx(ctx context.Context, tx database.Tx, tenantID, entityKind, fromEntityID, toEntityID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "mergepath.Repository.RedirectTx")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("merge_paths")
	sb.Set(
		sb.Assign("entity_id", toEntityID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_kind", entityKind),
		sb.Equal("entity_id", fromEntityID),
	)

	query, args := sb.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "from_entity_id": fromEntityID, "to_entity_id": toEntityID}).Error("Failed to redirect merge paths")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to redirect merge paths")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"from_entity_id": fromEntityID,
		"to_entity_id":   toEntityID,
		"count":          rows,
	}).Info("Redirected merge paths")
	return rows, nil
}
