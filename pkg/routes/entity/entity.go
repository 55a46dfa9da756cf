package entity

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/routes/validation"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

type Reader interface {
	GetCanonical(ctx context.Context, id int64) (*models.CanonicalEntity, error)
	FindByAlias(ctx context.Context, raw string, kind models.EntityKind) ([]*models.CanonicalEntity, error)
	ListPerformances(ctx context.Context, id int64) ([]models.PerformanceRecord, error)
	MergeHistory(ctx context.Context, id int64) ([]models.MergeAudit, error)
}

// Response is a canonical entity. RequestedID differs from ID when the requested
// entity was merged away.
type Response struct {
	*models.CanonicalEntity
	RequestedID int64 `json:"requested_id"`
}

type Handler struct {
	reader Reader
}

func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.Search)
	g.GET("/:id", h.Get)
	g.GET("/:id/performances", h.Performances)
	g.GET("/:id/merges", h.Merges)
}

// Get returns the live entity the id resolves to, following merges.
func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Get")
	defer span.End()

	id, err := validation.IntParam("entity id", c.Param("id"))
	if err != nil {
		return err
	}

	e, err := h.reader.GetCanonical(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Response{CanonicalEntity: e, RequestedID: id})
}

// Search finds live entities of a kind by any recorded spelling of their name.
func (h *Handler) Search(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Search")
	defer span.End()

	kind := models.EntityKind(c.QueryParam("kind"))
	if !kind.Valid() {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "kind must be one of %v", models.EntityKinds)
	}
	alias := c.QueryParam("alias")
	if err := validation.Var("alias", alias, "required,max=256"); err != nil {
		return err
	}

	found, err := h.reader.FindByAlias(ctx, alias, kind)
	if err != nil {
		return err
	}
	if found == nil {
		found = []*models.CanonicalEntity{}
	}
	return c.JSON(http.StatusOK, found)
}

func (h *Handler) Performances(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Performances")
	defer span.End()

	id, err := validation.IntParam("entity id", c.Param("id"))
	if err != nil {
		return err
	}

	performances, err := h.reader.ListPerformances(ctx, id)
	if err != nil {
		return err
	}
	if performances == nil {
		performances = []models.PerformanceRecord{}
	}
	return c.JSON(http.StatusOK, performances)
}

// Merges returns the merge audit trail of the entity.
func (h *Handler) Merges(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "entity_handler.Merges")
	defer span.End()

	id, err := validation.IntParam("entity id", c.Param("id"))
	if err != nil {
		return err
	}

	audits, err := h.reader.MergeHistory(ctx, id)
	if err != nil {
		return err
	}
	if audits == nil {
		audits = []models.MergeAudit{}
	}
	return c.JSON(http.StatusOK, audits)
}
