package entity

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aster/internal/repositories/entityrecord"
	"github.com/Ramsey-B/aster/internal/repositories/mergepath"
	"github.com/Ramsey-B/aster/pkg/context"
	"github.com/Ramsey-B/aster/pkg/merging"
	"github.com/Ramsey-B/aster/pkg/models"
)

var validate = validator.New()

// Register registers entity routes
func Register(g *echo.Group) {
	g.GET("", ListEntities)
	g.GET("/:kind/:id", GetEntity)
	g.GET("/:kind/:id/paths", ListEntityPaths)
	g.POST("/consolidate", ConsolidateEntities)
}

// GetEntityResponse carries the entity plus the id the caller asked for,
// which differs when the entity was consolidated away.
type GetEntityResponse struct {
	Entity      *models.EntityRecord `json:"entity"`
	RequestedID string               `json:"requested_id"`
	Redirected  bool                 `json:"redirected"`
}

// ListEntities lists entities with optional kind filter
func ListEntities(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	var entityKind *string
	if v := c.QueryParam("entity_kind"); v != "" {
		entityKind = &v
	}
	page := intQueryParam(c, "page", 1)
	pageSize := intQueryParam(c, "page_size", 20)

	ctx, repo, err := ectoinject.GetContext[*entityrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resp, err := repo.List(ctx, tenantID, entityKind, page, pageSize)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// GetEntity fetches an entity, following merge paths. Asking for an id
// that was folded into another entity returns the surviving entity.
func GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	entityKind := c.Param("kind")
	id := c.Param("id")

	ctx, pathRepo, err := ectoinject.GetContext[*mergepath.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resolvedID, err := pathRepo.Resolve(ctx, tenantID, entityKind, id)
	if err != nil {
		return err
	}

	ctx, entityRepo, err := ectoinject.GetContext[*entityrecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := entityRepo.Get(ctx, tenantID, resolvedID)
	if err != nil {
		return err
	}
	if entity.EntityKind != entityKind {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "entity %s not found", id)
	}

	return c.JSON(http.StatusOK, &GetEntityResponse{
		Entity:      entity,
		RequestedID: id,
		Redirected:  resolvedID != id,
	})
}

// ListEntityPaths returns the historical pointers currently resolving to
// an entity
func ListEntityPaths(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	entityKind := c.Param("kind")
	id := c.Param("id")

	ctx, pathRepo, err := ectoinject.GetContext[*mergepath.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resolvedID, err := pathRepo.Resolve(ctx, tenantID, entityKind, id)
	if err != nil {
		return err
	}

	paths, err := pathRepo.ListByEntity(ctx, tenantID, entityKind, resolvedID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, paths)
}

// ConsolidateEntities folds a duplicate entity into a master
func ConsolidateEntities(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)

	var req models.ConsolidateRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, consolidator, err := ectoinject.GetContext[*merging.Consolidator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	resp, err := consolidator.Consolidate(ctx, tenantID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
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
