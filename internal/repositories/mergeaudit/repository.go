package mergeaudit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/lily/pkg/database"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

type row struct {
	ID            string                                 `db:"id"`
	Kind          string                                 `db:"kind"`
	KeepID        int64                                  `db:"keep_id"`
	AbsorbID      int64                                  `db:"absorb_id"`
	AliasesAdded  int                                    `db:"aliases_added"`
	MappingsAdded int                                    `db:"mappings_added"`
	Repointed     int                                    `db:"repointed"`
	Conflicts     database.JSONB[[]models.FieldConflict] `db:"conflicts"`
	DecisionID    sql.NullString                         `db:"decision_id"`
	PerformedAt   time.Time                              `db:"performed_at"`
}

func (r row) toModel() models.MergeAudit {
	a := models.MergeAudit{
		ID:            r.ID,
		Kind:          models.EntityKind(r.Kind),
		KeepID:        r.KeepID,
		AbsorbID:      r.AbsorbID,
		AliasesAdded:  r.AliasesAdded,
		MappingsAdded: r.MappingsAdded,
		Repointed:     r.Repointed,
		Conflicts:     r.Conflicts.Data,
		PerformedAt:   r.PerformedAt.UTC(),
	}
	if r.DecisionID.Valid {
		id := r.DecisionID.String
		a.DecisionID = &id
	}
	return a
}

// Repository handles the append-only merge audit log
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

func (r *Repository) Create(ctx context.Context, audit models.MergeAudit) (models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Create")
	defer span.End()

	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	if audit.PerformedAt.IsZero() {
		audit.PerformedAt = time.Now().UTC()
	}
	conflicts := audit.Conflicts
	if conflicts == nil {
		conflicts = []models.FieldConflict{}
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("merge_audits").
		Cols("id", "kind", "keep_id", "absorb_id", "aliases_added", "mappings_added", "repointed", "conflicts", "decision_id", "performed_at").
		Values(audit.ID, string(audit.Kind), audit.KeepID, audit.AbsorbID, audit.AliasesAdded, audit.MappingsAdded, audit.Repointed, database.NewJSONB(conflicts), audit.DecisionID, audit.PerformedAt)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to append merge audit")
		return audit, fmt.Errorf("failed to append merge audit: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"keep_id":   audit.KeepID,
		"absorb_id": audit.AbsorbID,
		"repointed": audit.Repointed,
	}).Info("Recorded merge")
	return audit, nil
}

// ListForEntity returns the merges the entity kept or was absorbed in, oldest first.
func (r *Repository) ListForEntity(ctx context.Context, entityID int64) ([]models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.ListForEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "kind", "keep_id", "absorb_id", "aliases_added", "mappings_added", "repointed", "conflicts", "decision_id", "performed_at").
		From("merge_audits").
		Where(sb.Or(sb.Equal("keep_id", entityID), sb.Equal("absorb_id", entityID))).
		OrderBy("performed_at", "id")

	query, args := sb.Build()
	var rows []row
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list merge audits for %d: %w", entityID, err)
	}

	out := make([]models.MergeAudit, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.toModel())
	}
	return out, nil
}
