// Package provenance persists processed observations and the performances attached
// to swimmers.
package provenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/lily/pkg/database"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

var performanceColumns = []string{"id", "swimmer_id", "observation_key", "source", "event", "time_seconds", "time_formatted", "meet", "swum_on", "rank", "rank_scope", "season", "created_at"}

type observationRow struct {
	Key         string                                `db:"key"`
	EntityID    sql.NullInt64                         `db:"entity_id"`
	DecisionID  string                                `db:"decision_id"`
	Observation database.JSONB[models.RawObservation] `db:"observation"`
	RecordedAt  time.Time                             `db:"recorded_at"`
}

type performanceRow struct {
	ID             string                                 `db:"id"`
	SwimmerID      int64                                  `db:"swimmer_id"`
	ObservationKey string                                 `db:"observation_key"`
	Source         string                                 `db:"source"`
	Event          database.JSONB[models.EventAttributes] `db:"event"`
	TimeSeconds    float64                                `db:"time_seconds"`
	TimeFormatted  string                                 `db:"time_formatted"`
	Meet           string                                 `db:"meet"`
	SwumOn         sql.NullTime                           `db:"swum_on"`
	Rank           int                                    `db:"rank"`
	RankScope      string                                 `db:"rank_scope"`
	Season         string                                 `db:"season"`
	CreatedAt      time.Time                              `db:"created_at"`
}

func (r performanceRow) toModel() models.PerformanceRecord {
	p := models.PerformanceRecord{
		ID:             r.ID,
		SwimmerID:      r.SwimmerID,
		ObservationKey: r.ObservationKey,
		Source:         r.Source,
		Event:          r.Event.Data,
		TimeSeconds:    r.TimeSeconds,
		TimeFormatted:  r.TimeFormatted,
		Meet:           r.Meet,
		Rank:           r.Rank,
		RankScope:      r.RankScope,
		Season:         r.Season,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.SwumOn.Valid {
		day := r.SwumOn.Time.UTC()
		p.Date = &day
	}
	return p
}

// Repository handles observation provenance and performance persistence
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

// RecordObservation writes or replaces the provenance of one observation.
func (r *Repository) RecordObservation(ctx context.Context, rec models.ObservationRecord) error {
	ctx, span := tracing.StartSpan(ctx, "provenance.Repository.RecordObservation")
	defer span.End()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("observations").
		Cols("key", "source", "entity_id", "decision_id", "observation", "recorded_at").
		Values(rec.Key, rec.Observation.Source, rec.EntityID, rec.DecisionID, database.NewJSONB(rec.Observation), rec.RecordedAt)
	database.Upsert(ib, []string{"key"},
		database.Excluded("entity_id"),
		database.Excluded("decision_id"),
		database.Excluded("observation"),
		database.Excluded("recorded_at"),
	)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to record observation")
		return fmt.Errorf("failed to record observation %s: %w", rec.Key, err)
	}
	return nil
}

func (r *Repository) HasObservation(ctx context.Context, key string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "provenance.Repository.HasObservation")
	defer span.End()

	var exists bool
	err := database.Conn(ctx, r.db).GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM observations WHERE key = $1)", key)
	if err != nil {
		return false, fmt.Errorf("failed to look up observation %s: %w", key, err)
	}
	return exists, nil
}

func (r *Repository) GetObservation(ctx context.Context, key string) (*models.ObservationRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "provenance.Repository.GetObservation")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("key", "entity_id", "decision_id", "observation", "recorded_at").From("observations").Where(sb.Equal("key", key))

	query, args := sb.Build()
	var row observationRow
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("observation %s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get observation %s: %w", key, err)
	}

	rec := &models.ObservationRecord{
		Key:         row.Key,
		Observation: row.Observation.Data,
		DecisionID:  row.DecisionID,
		RecordedAt:  row.RecordedAt.UTC(),
	}
	if row.EntityID.Valid {
		id := row.EntityID.Int64
		rec.EntityID = &id
	}
	return rec, nil
}

// AddPerformance stores p once per observation key.
func (r *Repository) AddPerformance(ctx context.Context, p *models.PerformanceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "provenance.Repository.AddPerformance")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("performances").
		Cols(performanceColumns...).
		Values(p.ID, p.SwimmerID, p.ObservationKey, p.Source, database.NewJSONB(p.Event), p.TimeSeconds, p.TimeFormatted,
			p.Meet, p.Date, p.Rank, p.RankScope, p.Season, p.CreatedAt)
	database.OnConflictDoNothing(ib, "observation_key")

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to add performance")
		return fmt.Errorf("failed to add performance for %s: %w", p.ObservationKey, err)
	}
	return nil
}

func (r *Repository) ListPerformances(ctx context.Context, swimmerID int64) ([]models.PerformanceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "provenance.Repository.ListPerformances")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(performanceColumns...).From("performances").Where(sb.Equal("swimmer_id", swimmerID)).OrderBy("created_at", "id")

	query, args := sb.Build()
	var rows []performanceRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list performances of %d: %w", swimmerID, err)
	}

	out := make([]models.PerformanceRecord, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.toModel())
	}
	return out, nil
}

// Repoint moves the observations and performances of one entity to another and
// returns how many rows moved.
func (r *Repository) Repoint(ctx context.Context, from, to int64) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "provenance.Repository.Repoint")
	defer span.End()

	moved := 0
	for _, target := range []struct{ table, column string }{
		{"performances", "swimmer_id"},
		{"observations", "entity_id"},
	} {
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(target.table).Set(ub.Assign(target.column, to)).Where(ub.Equal(target.column, from))

		query, args := ub.Build()
		result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
		if err != nil {
			return moved, fmt.Errorf("failed to repoint %s from %d to %d: %w", target.table, from, to, err)
		}
		n, _ := result.RowsAffected()
		moved += int(n)
	}
	return moved, nil
}
