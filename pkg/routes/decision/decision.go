package decision

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/routes/validation"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

type Reader interface {
	GetDecision(ctx context.Context, id string) (*models.MatchDecision, error)
}

type Handler struct {
	reader Reader
}

func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/:id", h.Get)
}

// Get returns one match decision with its scored candidates.
func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "decision_handler.Get")
	defer span.End()

	id := c.Param("id")
	if err := validation.Var("decision id", id, "required,max=64"); err != nil {
		return err
	}

	d, err := h.reader.GetDecision(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
