package entityrecord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/matching"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/profiles"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

var columns = []string{"id", "tenant_id", "entity_kind", "data", "profile", "created_at", "updated_at", "deleted_at"}

// Repository handles entity record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity record repository
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

// Get retrieves an entity record by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var entity models.EntityRecord
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "entity %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// GetByIDs retrieves entity records by IDs
func (r *Repository) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.GetByIDs")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.In("id", sqlbuilder.Flatten(ids)...),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var entities []models.EntityRecord
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "ids": ids}).Error("Failed to get entities by IDs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entities")
	}
	return entities, nil
}

// List retrieves entity records with filtering and pagination
func (r *Repository) List(ctx context.Context, tenantID string, entityKind *string, page, pageSize int) (*models.EntityListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("entities")
	countWhere := []string{
		countSb.Equal("tenant_id", tenantID),
		countSb.IsNull("deleted_at"),
	}
	if entityKind != nil {
		countWhere = append(countWhere, countSb.Equal("entity_kind", *entityKind))
	}
	countSb.Where(countWhere...)

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := r.db.GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind}).Error("Failed to count entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count entities")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("entities")
	where := []string{
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	}
	if entityKind != nil {
		where = append(where, sb.Equal("entity_kind", *entityKind))
	}
	sb.Where(where...)
	sb.OrderBy("created_at DESC")
	sb.Limit(pageSize).Offset(offset)

	query, args := sb.Build()
	var entities []models.EntityRecord
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "page": page}).Error("Failed to list entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	return &models.EntityListResponse{
		Items:      entities,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// FindWindow returns the entities whose cached profile sits within the
// threshold band around the given profile, plus every entity whose profile
// has never been computed. Unprofiled rows must be included: they may
// belong in the band and get their profile backfilled by the caller.
//
// The profiled field and predicate fields come from profiles registered at
// startup, never from request input, so they are interpolated into an
// indexable expression the planner can use.
func (r *Repository) FindWindow(ctx context.Context, tenantID string, entityKind string, field string, profile int, threshold int, excludeEntityID *string, preds []profiles.Predicate, fetchLimit int) ([]matching.CandidateRow, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.FindWindow")
	defer span.End()

	if fetchLimit < 1 {
		fetchLimit = 500
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"id AS entity_id",
		fmt.Sprintf("COALESCE(data ->> '%s', '') AS value", field),
		"profile",
	)
	sb.From("entities")
	where := []string{
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_kind", entityKind),
		sb.IsNull("deleted_at"),
		sb.Or(
			sb.IsNull("profile"),
			sb.Between("profile", profile-threshold, profile+threshold),
		),
	}
	if excludeEntityID != nil {
		where = append(where, sb.NotEqual("id", *excludeEntityID))
	}
	for _, p := range preds {
		switch p.Op {
		case profiles.PredicateOpEqual:
			where = append(where, fmt.Sprintf("LOWER(data ->> '%s') = %s", p.Field, sb.Var(strings.ToLower(p.Value))))
		case profiles.PredicateOpPrefix:
			where = append(where, fmt.Sprintf("LOWER(data ->> '%s') LIKE %s", p.Field, sb.Var(strings.ToLower(p.Value)+"%")))
		}
	}
	sb.Where(where...)
	sb.OrderBy("created_at ASC")
	sb.Limit(fetchLimit)

	query, args := sb.Build()
	var rows []matching.CandidateRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "field": field, "profile": profile}).Error("Failed to fetch candidate window")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to fetch candidate window")
	}
	return rows, nil
}

// UpsertProfile backfills the cached profile of a single entity
func (r *Repository) UpsertProfile(ctx context.Context, tenantID string, entityID string, profile int) error {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.UpsertProfile")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(sb.Assign("profile", profile))
	sb.Where(
		sb.Equal("id", entityID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_id": entityID}).Error("Failed to backfill entity profile")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity profile")
	}
	return nil
}

// CreateTx inserts a new entity record inside the caller's transaction
func (r *Repository) CreateTx(ctx context.Context, tx database.Tx, entity *models.EntityRecord) (*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.CreateTx")
	defer span.End()

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols("id", "tenant_id", "entity_kind", "data", "profile", "created_at", "updated_at")
	sb.Values(entity.ID, entity.TenantID, entity.EntityKind, entity.Data, entity.Profile, entity.CreatedAt, entity.UpdatedAt)

	query, args := sb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": entity.TenantID, "entity_kind": entity.EntityKind}).Error("Failed to create entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": entity.ID, "entity_kind": entity.EntityKind}).Info("Created entity")
	return entity, nil
}

// UpsertProfileTx refreshes the cached profile inside the caller's
// transaction. Used when realization rewrites the profiled field.
func (r *Repository) UpsertProfileTx(ctx context.Context, tx database.Tx, tenantID string, entityID string, profile int) error {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.UpsertProfileTx")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(sb.Assign("profile", profile))
	sb.Where(
		sb.Equal("id", entityID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_id": entityID}).Error("Failed to update entity profile")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity profile")
	}
	return nil
}

// UpdateDataTx replaces an entity's data document inside the caller's
// transaction. Used by consolidation when fields fold across from a
// duplicate, and by realization when a proto attaches to an existing
// entity.
func (r *Repository) UpdateDataTx(ctx context.Context, tx database.Tx, tenantID string, id string, data json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.UpdateDataTx")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("data", data),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to update entity data")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "entity %s not found", id)
	}
	return nil
}

// SoftDeleteTx marks an entity deleted inside the caller's transaction
func (r *Repository) SoftDeleteTx(ctx context.Context, tx database.Tx, tenantID string, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.SoftDeleteTx")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(sb.Assign("deleted_at", now))
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to soft delete entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "entity %s not found", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id}).Info("Soft deleted entity")
	return nil
}
