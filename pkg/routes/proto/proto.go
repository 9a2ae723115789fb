package proto

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aster/internal/repositories/candidate"
	"github.com/Ramsey-B/aster/internal/repositories/entityrecord"
	"github.com/Ramsey-B/aster/internal/repositories/protorecord"
	"github.com/Ramsey-B/aster/pkg/context"
	"github.com/Ramsey-B/aster/pkg/events"
	"github.com/Ramsey-B/aster/pkg/matching"
	"github.com/Ramsey-B/aster/pkg/models"
	"github.com/Ramsey-B/aster/pkg/processor"
	"github.com/Ramsey-B/aster/pkg/realizer"
)

var validate = validator.New()

// Register registers proto record routes
func Register(g *echo.Group) {
	g.POST("", SubmitProtoRecord)
	g.GET("", ListProtoRecords)
	g.GET("/:id", GetProtoRecord)
	g.POST("/:id/discover", DiscoverProtoRecord)
	g.GET("/:id/candidates", ListCandidates)
	g.PUT("/:id/selection", SelectEntity)
	g.POST("/:id/realize", RealizeProtoRecord)
}

// SubmitProtoRecord accepts a new proto record and runs it through
// discovery. Identical data resubmitted returns the existing record.
func SubmitProtoRecord(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	var req models.CreateProtoRecordRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, proc, err := ectoinject.GetContext[*processor.Processor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := proc.Submit(ctx, tenantID, req, nil)
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, result)
}

// ListProtoRecords lists proto records with optional kind and status filters
func ListProtoRecords(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	var entityKind *string
	if v := c.QueryParam("entity_kind"); v != "" {
		entityKind = &v
	}
	var status *models.ProtoStatus
	if v := c.QueryParam("status"); v != "" {
		s := models.ProtoStatus(v)
		switch s {
		case models.ProtoStatusUnresolved, models.ProtoStatusAutoMatched, models.ProtoStatusAmbiguous, models.ProtoStatusNoMatch, models.ProtoStatusRealized:
			status = &s
		default:
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid status filter")
		}
	}

	page := intQueryParam(c, "page", 1)
	pageSize := intQueryParam(c, "page_size", 20)

	ctx, repo, err := ectoinject.GetContext[*protorecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resp, err := repo.List(ctx, tenantID, entityKind, status, page, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// GetProtoRecord gets a proto record by ID
func GetProtoRecord(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	ctx, repo, err := ectoinject.GetContext[*protorecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

// DiscoverProtoRecord re-runs discovery for a proto record
func DiscoverProtoRecord(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	ctx, engine, err := ectoinject.GetContext[*matching.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := engine.Discover(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ListCandidates returns a proto record's current candidate set in ranked
// order
func ListCandidates(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	id := c.Param("id")

	ctx, protoRepo, err := ectoinject.GetContext[*protorecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	// 404 on unknown proto records rather than an empty list
	if _, err := protoRepo.Get(ctx, tenantID, id); err != nil {
		return err
	}

	ctx, candidateRepo, err := ectoinject.GetContext[*candidate.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidates, err := candidateRepo.ListByProtoRecord(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidates)
}

// SelectEntity sets or clears the selected entity for a proto record. The
// selection only takes effect on realize; a realized record can no longer
// change its mind.
func SelectEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	id := c.Param("id")

	var req models.SelectEntityRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, protoRepo, err := ectoinject.GetContext[*protorecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := protoRepo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if record.Status == models.ProtoStatusRealized {
		return httperror.NewHTTPErrorf(http.StatusConflict, "proto record %s is already realized", id)
	}
	if record.Status == models.ProtoStatusUnresolved {
		return httperror.NewHTTPErrorf(http.StatusConflict, "proto record %s has not been through discovery", id)
	}

	if req.EntityID != nil {
		ctx2, entityRepo, err := ectoinject.GetContext[*entityrecord.Repository](ctx)
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
		}
		ctx = ctx2
		if _, err := entityRepo.Get(ctx, tenantID, *req.EntityID); err != nil {
			return err
		}
	}

	if err := protoRepo.SetSelection(ctx, tenantID, id, req.EntityID, record.Status); err != nil {
		return err
	}
	record.SelectedEntityID = req.EntityID

	ctx, emitter, _ := ectoinject.GetContext[*events.Emitter](ctx)
	if emitter != nil {
		if err := emitter.EmitProtoSelected(ctx, record, req.EntityID); err != nil {
			ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
			if logger != nil {
				logger.WithContext(ctx).WithError(err).Error("Failed to emit selection event")
			}
		}
	}

	return c.JSON(http.StatusOK, record)
}

// RealizeProtoRecord commits a proto record's data to an entity
func RealizeProtoRecord(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	ctx, rz, err := ectoinject.GetContext[*realizer.Realizer](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resp, err := rz.Realize(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, resp)
}

func intQueryParam(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
