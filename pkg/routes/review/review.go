package review

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/lily/pkg/context"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/routes/validation"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

const defaultLimit = 50

type Reviewer interface {
	ReviewQueue(ctx context.Context, limit int) ([]models.ReviewEntry, error)
	ResolveReview(ctx context.Context, decisionID string, verdict models.ReviewOutcome) (*models.MatchDecision, error)
}

type QueueResponse struct {
	Items []models.ReviewEntry `json:"items"`
	Count int                  `json:"count"`
}

type Handler struct {
	reviewer Reviewer
	logger   ectologger.Logger
}

func NewHandler(reviewer Reviewer, logger ectologger.Logger) *Handler {
	return &Handler{
		reviewer: reviewer,
		logger:   logger,
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.Queue)
	g.POST("/:id/accept", h.Accept)
	g.POST("/:id/reject", h.Reject)
}

// Queue lists pending parked decisions, oldest first. limit=0 returns all of them.
func (h *Handler) Queue(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.Queue")
	defer span.End()

	limit, err := validation.Limit(c.QueryParam("limit"), defaultLimit)
	if err != nil {
		return err
	}

	entries, err := h.reviewer.ReviewQueue(ctx, limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.ReviewEntry{}
	}
	return c.JSON(http.StatusOK, QueueResponse{Items: entries, Count: len(entries)})
}

// Accept merges the parked observation into the candidates it was parked against.
func (h *Handler) Accept(c echo.Context) error {
	return h.resolve(c, models.ReviewAcceptMerge)
}

// Reject seeds a new entity from the parked observation.
func (h *Handler) Reject(c echo.Context) error {
	return h.resolve(c, models.ReviewRejectNewEntity)
}

func (h *Handler) resolve(c echo.Context, verdict models.ReviewOutcome) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.Resolve")
	defer span.End()

	id := c.Param("id")
	if err := validation.Var("decision id", id, "required,max=64"); err != nil {
		return err
	}

	decision, err := h.reviewer.ResolveReview(ctx, id, verdict)
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"review_of":   id,
		"verdict":     verdict,
		"decision_id": decision.ID,
		"reviewer":    appctx.GetReviewer(ctx),
	}).Info("Reviewer resolved parked decision")

	return c.JSON(http.StatusOK, decision)
}
