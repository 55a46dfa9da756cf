// Package decision persists match decisions and the review queue built on them.
package decision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/lily/pkg/database"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

// ErrDuplicate is returned when a decision id is appended twice.
var ErrDuplicate = errors.New("decision already recorded")

var reviewColumns = []string{"decision_id", "entity_kind", "status", "resolution_decision_id", "created_at", "resolved_at"}

// Repository handles decision and review persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Append writes d. Decisions are never updated.
func (r *Repository) Append(ctx context.Context, d *models.MatchDecision) error {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.Append")
	defer span.End()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("match_decisions").
		Cols("id", "observation_key", "source", "kind", "action", "outcome", "entity_id", "review_of", "payload", "created_at").
		Values(d.ID, d.ObservationKey, d.Source, string(d.Kind), string(d.Action), string(d.Outcome), d.EntityID, d.ReviewOf, database.NewJSONB(d), d.CreatedAt)
	database.OnConflictDoNothing(ib, "id")

	query, args := ib.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to append decision")
		return fmt.Errorf("failed to append decision %s: %w", d.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %s: %w", d.ID, ErrDuplicate)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("payload").From("match_decisions").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var payload database.JSONB[models.MatchDecision]
	if err := database.Conn(ctx, r.db).GetContext(ctx, &payload, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("decision %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get decision %s: %w", id, err)
	}
	return &payload.Data, nil
}

// Enqueue adds a pending review for the decision; enqueueing twice is a no-op.
func (r *Repository) Enqueue(ctx context.Context, item models.ReviewItem) error {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.Enqueue")
	defer span.End()

	if item.Status == "" {
		item.Status = models.ReviewStatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = r.now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("review_items").
		Cols("decision_id", "entity_kind", "status", "created_at").
		Values(item.DecisionID, string(item.Kind), string(item.Status), item.CreatedAt)
	database.OnConflictDoNothing(ib, "decision_id")

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to enqueue review")
		return fmt.Errorf("failed to enqueue review %s: %w", item.DecisionID, err)
	}
	return nil
}

func (r *Repository) GetReview(ctx context.Context, decisionID string) (*models.ReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.GetReview")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(reviewColumns...).From("review_items").Where(sb.Equal("decision_id", decisionID))

	query, args := sb.Build()
	var item models.ReviewItem
	if err := database.Conn(ctx, r.db).GetContext(ctx, &item, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("review %s: %w", decisionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get review %s: %w", decisionID, err)
	}
	normalize(&item)
	return &item, nil
}

// ListPending returns pending reviews in enqueue order with their decisions. A limit
// of zero returns all of them.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]models.ReviewEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.ListPending")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"r.decision_id", "r.entity_kind", "r.status", "r.resolution_decision_id", "r.created_at", "r.resolved_at",
		"d.payload",
	).
		From("review_items r").
		Join("match_decisions d", "d.id = r.decision_id").
		Where(sb.Equal("r.status", string(models.ReviewStatusPending))).
		OrderBy("r.created_at", "r.decision_id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rows []struct {
		models.ReviewItem
		Payload database.JSONB[models.MatchDecision] `db:"payload"`
	}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}

	out := make([]models.ReviewEntry, 0, len(rows))
	for _, rw := range rows {
		item := rw.ReviewItem
		normalize(&item)
		out = append(out, models.ReviewEntry{Item: item, Decision: rw.Payload.Data})
	}
	return out, nil
}

// Complete resolves a pending review. Resolving twice fails with ErrReviewResolved.
func (r *Repository) Complete(ctx context.Context, decisionID string, status models.ReviewStatus, resolutionDecisionID string) error {
	ctx, span := tracing.StartSpan(ctx, "decision.Repository.Complete")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("review_items").Set(
		ub.Assign("status", string(status)),
		ub.Assign("resolution_decision_id", resolutionDecisionID),
		ub.Assign("resolved_at", r.now().UTC()),
	).Where(
		ub.Equal("decision_id", decisionID),
		ub.Equal("status", string(models.ReviewStatusPending)),
	)

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to complete review %s: %w", decisionID, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"decision_id":            decisionID,
			"status":                 status,
			"resolution_decision_id": resolutionDecisionID,
		}).Info("Resolved review")
		return nil
	}

	item, err := r.GetReview(ctx, decisionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("review %s is %s: %w", decisionID, item.Status, store.ErrReviewResolved)
}

func normalize(item *models.ReviewItem) {
	item.CreatedAt = item.CreatedAt.UTC()
	if item.ResolvedAt != nil {
		at := item.ResolvedAt.UTC()
		item.ResolvedAt = &at
	}
}
