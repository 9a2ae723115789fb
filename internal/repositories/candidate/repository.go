package candidate

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Repository handles candidate persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListByProtoRecord returns a proto record's candidates in ranked order
func (r *Repository) ListByProtoRecord(ctx context.Context, tenantID string, protoRecordID string) ([]models.Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.ListByProtoRecord")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "tenant_id", "proto_record_id", "entity_kind", "entity_id", "edit_distance", "profile_delta", "created_at")
	sb.From("candidates")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("proto_record_id", protoRecordID),
	)
	sb.OrderBy("edit_distance ASC", "ABS(profile_delta) ASC", "entity_id ASC")

	query, args := sb.Build()
	var candidates []models.Candidate
	if err := r.db.SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "proto_record_id": protoRecordID}).Error("Failed to list candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list candidates")
	}
	return candidates, nil
}

// Clear removes every candidate attached to a proto record
func (r *Repository) Clear(ctx context.Context, tenantID string, protoRecordID string) error {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.Clear")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom("candidates")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("proto_record_id", protoRecordID),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "proto_record_id": protoRecordID}).Error("Failed to clear candidates")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear candidates")
	}
	return nil
}

// Replace swaps a proto record's candidate set for the given one. Delete
// and insert run in one transaction so a reader never observes a mix of
// two discovery runs.
func (r *Repository) Replace(ctx context.Context, tenantID string, protoRecordID string, candidates []models.Candidate) error {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.Replace")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace candidates")
	}
	defer tx.Rollback(ctx)

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("candidates")
	db.Where(
		db.Equal("tenant_id", tenantID),
		db.Equal("proto_record_id", protoRecordID),
	)
	query, args := db.Build()
	if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "proto_record_id": protoRecordID}).Error("Failed to clear candidates before replace")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace candidates")
	}

	if len(candidates) > 0 {
		now := time.Now().UTC()
		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("candidates")
		sb.Cols("id", "tenant_id", "proto_record_id", "entity_kind", "entity_id", "edit_distance", "profile_delta", "created_at")
		for _, c := range candidates {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			sb.Values(c.ID, c.TenantID, c.ProtoRecordID, c.EntityKind, c.EntityID, c.EditDistance, c.ProfileDelta, c.CreatedAt)
		}

		query, args = sb.Build()
		if _, err := tx.ExecContext(ctxTx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "proto_record_id": protoRecordID, "count": len(candidates)}).Error("Failed to insert candidates")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace candidates")
		}
	}

	if err := tx.Commit(ctxTx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace candidates")
	}
	return nil
}

// ClearByEntity removes candidates pointing at an entity, across all proto
// records. Used when an entity is folded away by consolidation.
func (r *Repository) ClearByEntity(ctx context.Context, tenantID string, entityID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.ClearByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom("candidates")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_id", entityID),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_id": entityID}).Error("Failed to clear candidates by entity")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear candidates")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
