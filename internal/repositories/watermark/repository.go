package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/lily/pkg/database"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

var columns = []string{"source", "observed_at", "last_batch_at", "applied", "parked", "rejected"}

// Repository handles per-source ingestion watermarks
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the watermark of source, or a zero watermark if it was never ingested.
func (r *Repository) Get(ctx context.Context, source string) (models.Watermark, error) {
	ctx, span := tracing.StartSpan(ctx, "watermark.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("source_watermarks").Where(sb.Equal("source", source))

	query, args := sb.Build()
	var wm models.Watermark
	if err := database.Conn(ctx, r.db).GetContext(ctx, &wm, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Watermark{Source: source}, nil
		}
		return models.Watermark{}, fmt.Errorf("failed to get watermark of %s: %w", source, err)
	}
	wm.ObservedAt = wm.ObservedAt.UTC()
	wm.LastBatchAt = wm.LastBatchAt.UTC()
	return wm, nil
}

func (r *Repository) Set(ctx context.Context, wm models.Watermark) error {
	ctx, span := tracing.StartSpan(ctx, "watermark.Repository.Set")
	defer span.End()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("source_watermarks").
		Cols(columns...).
		Values(wm.Source, wm.ObservedAt, wm.LastBatchAt, wm.Applied, wm.Parked, wm.Rejected)
	database.Upsert(ib, []string{"source"},
		database.Excluded("observed_at"),
		database.Excluded("last_batch_at"),
		database.Excluded("applied"),
		database.Excluded("parked"),
		database.Excluded("rejected"),
	)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to set watermark")
		return fmt.Errorf("failed to set watermark of %s: %w", wm.Source, err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"source":      wm.Source,
		"observed_at": wm.ObservedAt,
		"applied":     wm.Applied,
	}).Debug("Advanced watermark")
	return nil
}
