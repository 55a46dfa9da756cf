package ingest

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/routes/validation"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

type Ingester interface {
	Ingest(ctx context.Context, source string, batch []models.RawObservation) (*models.IngestionReport, error)
}

// Request is an ordered batch from one source. Observations without a source take
// the one in the path; individual observations are validated by the resolution core
// so one bad record does not fail the batch.
type Request struct {
	Observations []models.RawObservation `json:"observations" validate:"required,min=1,max=10000"`
}

type Handler struct {
	ingester Ingester
	logger   ectologger.Logger
}

func NewHandler(ingester Ingester, logger ectologger.Logger) *Handler {
	return &Handler{
		ingester: ingester,
		logger:   logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/:source", h.Ingest)
}

// Ingest runs the batch through the coordinator and returns its report. A batch the
// store could not apply fails as a whole.
func (h *Handler) Ingest(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "ingest_handler.Ingest")
	defer span.End()

	source := c.Param("source")
	if err := validation.Var("source", source, "required,max=64,printascii"); err != nil {
		return err
	}

	req, err := validation.Bind[Request](c)
	if err != nil {
		return err
	}

	report, err := h.ingester.Ingest(ctx, source, req.Observations)
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"source":   source,
		"applied":  report.Applied,
		"parked":   report.Parked,
		"rejected": report.Rejected,
		"failed":   report.Failed,
	}).Info("Ingested batch over http")

	status := http.StatusOK
	if report.Failed > 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, report)
}
