package protorecord

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aster/pkg/database"
	"github.com/Ramsey-B/aster/pkg/fingerprint"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/tracing"
)

var columns = []string{"id", "tenant_id", "entity_kind", "data", "profile", "data_digest", "selected_entity_id", "status", "error_message", "error_trace", "created_at", "updated_at"}

// Repository handles proto record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new proto record repository
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

// Create inserts a new proto record in the unresolved state. The data
// digest is computed here so that every stored record carries one.
func (r *Repository) Create(ctx context.Context, tenantID string, req models.CreateProtoRecordRequest) (*models.ProtoRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.Create")
	defer span.End()

	digest, err := fingerprint.DataDigestFromJSON(req.Data)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": req.EntityKind}).Error("Failed to digest proto record data")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid proto record data")
	}

	now := time.Now().UTC()
	record := &models.ProtoRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EntityKind: req.EntityKind,
		Data:       req.Data,
		DataDigest: digest,
		Status:     models.ProtoStatusUnresolved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("proto_records")
	sb.Cols("id", "tenant_id", "entity_kind", "data", "data_digest", "status", "created_at", "updated_at")
	sb.Values(record.ID, record.TenantID, record.EntityKind, record.Data, record.DataDigest, record.Status, record.CreatedAt, record.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": req.EntityKind}).Error("Failed to create proto record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create proto record")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": record.ID, "entity_kind": record.EntityKind}).Info("Created proto record")
	return record, nil
}

// Get retrieves a proto record by ID
func (r *Repository) Get(ctx context.Context, tenantID string, id string) (*models.ProtoRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("proto_records")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var record models.ProtoRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "proto record %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to get proto record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get proto record")
	}

	return &record, nil
}

// GetByDigest retrieves the most recent proto record carrying the given
// data digest, or nil when none exists. Used to make submission idempotent.
func (r *Repository) GetByDigest(ctx context.Context, tenantID, entityKind, digest string) (*models.ProtoRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.GetByDigest")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("proto_records")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_kind", entityKind),
		sb.Equal("data_digest", digest),
	)
	sb.OrderBy("created_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var record models.ProtoRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "data_digest": digest}).Error("Failed to get proto record by digest")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get proto record")
	}

	return &record, nil
}

// List retrieves proto records with filtering and pagination
func (r *Repository) List(ctx context.Context, tenantID string, entityKind *string, status *models.ProtoStatus, page, pageSize int) (*models.ProtoRecordListResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.List")
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
	countSb.From("proto_records")
	countWhere := []string{countSb.Equal("tenant_id", tenantID)}
	if entityKind != nil {
		countWhere = append(countWhere, countSb.Equal("entity_kind", *entityKind))
	}
	if status != nil {
		countWhere = append(countWhere, countSb.Equal("status", *status))
	}
	countSb.Where(countWhere...)

	countQuery, countArgs := countSb.Build()
	var totalCount int
	if err := r.db.GetContext(ctx, &totalCount, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "status": status}).Error("Failed to count proto records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count proto records")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("proto_records")
	where := []string{sb.Equal("tenant_id", tenantID)}
	if entityKind != nil {
		where = append(where, sb.Equal("entity_kind", *entityKind))
	}
	if status != nil {
		where = append(where, sb.Equal("status", *status))
	}
	sb.Where(where...)
	sb.OrderBy("created_at DESC")
	sb.Limit(pageSize).Offset(offset)

	query, args := sb.Build()
	var records []models.ProtoRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "entity_kind": entityKind, "status": status, "page": page}).Error("Failed to list proto records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list proto records")
	}

	return &models.ProtoRecordListResponse{
		Items:      records,
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// UpdateResolution records a discovery outcome: the computed profile, the
// selected entity when the decision was automatic, and the new status.
// Any previous error is cleared since the record just resolved cleanly.
func (r *Repository) UpdateResolution(ctx context.Context, tenantID string, id string, profile int, selectedEntityID *string, status models.ProtoStatus) error {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.UpdateResolution")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("proto_records")
	sb.Set(
		sb.Assign("profile", profile),
		sb.Assign("selected_entity_id", selectedEntityID),
		sb.Assign("status", status),
		sb.Assign("error_message", nil),
		sb.Assign("error_trace", nil),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID, "status": status}).Error("Failed to update proto record resolution")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update proto record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("proto record %s not found", id))
	}
	return nil
}

// SetSelection sets or clears the selected entity for a proto record.
// Clearing the selection moves the record back to ambiguous so the
// decision can be remade.
func (r *Repository) SetSelection(ctx context.Context, tenantID string, id string, entityID *string, status models.ProtoStatus) error {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.SetSelection")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("proto_records")
	sb.Set(
		sb.Assign("selected_entity_id", entityID),
		sb.Assign("status", status),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to set proto record selection")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update proto record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("proto record %s not found", id))
	}
	return nil
}

// MarkRealizedTx marks a proto record realized inside the caller's
// transaction, so the status flip commits or rolls back with the entity
// write it describes.
func (r *Repository) MarkRealizedTx(ctx context.Context, tx database.Tx, tenantID string, id string, entityID string) error {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.MarkRealizedTx")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("proto_records")
	sb.Set(
		sb.Assign("selected_entity_id", entityID),
		sb.Assign("status", models.ProtoStatusRealized),
		sb.Assign("error_message", nil),
		sb.Assign("error_trace", nil),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID, "entity_id": entityID}).Error("Failed to mark proto record realized")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update proto record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("proto record %s not found", id))
	}
	return nil
}

// SetError records a realization failure on the proto record without
// changing its status, so the record stays actionable and the failure is
// visible to review.
func (r *Repository) SetError(ctx context.Context, tenantID string, id string, message, trace string) error {
	ctx, span := tracing.StartSpan(ctx, "protorecord.Repository.SetError")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("proto_records")
	sb.Set(
		sb.Assign("error_message", message),
		sb.Assign("error_trace", trace),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "tenant_id": tenantID}).Error("Failed to record proto record error")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update proto record")
	}
	return nil
}
