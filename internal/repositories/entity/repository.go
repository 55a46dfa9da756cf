// Package entity persists canonical entities with their source mappings and index keys.
package entity

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

const (
	keyTypeBlock = "block"
	keyTypeAlias = "alias"

	// maxChain bounds tombstone chain walks.
	maxChain = 256
)

var columns = []string{"id", "kind", "attributes", "aliases", "source_mappings", "merged_into", "version", "created_at", "updated_at"}

type row struct {
	ID             int64                                  `db:"id"`
	Kind           string                                 `db:"kind"`
	Attributes     database.JSONB[models.Attributes]      `db:"attributes"`
	Aliases        database.JSONB[[]models.Alias]         `db:"aliases"`
	SourceMappings database.JSONB[[]models.SourceMapping] `db:"source_mappings"`
	MergedInto     sql.NullInt64                          `db:"merged_into"`
	Version        int                                    `db:"version"`
	CreatedAt      time.Time                              `db:"created_at"`
	UpdatedAt      time.Time                              `db:"updated_at"`
}

func (r row) toModel() *models.CanonicalEntity {
	e := &models.CanonicalEntity{
		ID:             r.ID,
		Kind:           models.EntityKind(r.Kind),
		Attributes:     r.Attributes.Data,
		Aliases:        r.Aliases.Data,
		SourceMappings: r.SourceMappings.Data,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if e.Aliases == nil {
		e.Aliases = []models.Alias{}
	}
	if e.SourceMappings == nil {
		e.SourceMappings = []models.SourceMapping{}
	}
	if r.MergedInto.Valid {
		root := r.MergedInto.Int64
		e.MergedInto = &root
	}
	return e
}

// Repository handles canonical entity persistence
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

func (r *Repository) Get(ctx context.Context, id int64) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("entities").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var out row
	if err := database.Conn(ctx, r.db).GetContext(ctx, &out, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get entity %d: %w", id, err)
	}
	return out.toModel(), nil
}

// GetMany returns the live entities among ids, ordered by id.
func (r *Repository) GetMany(ctx context.Context, ids []int64) ([]*models.CanonicalEntity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...).From("entities").Where(
		sb.In("id", sqlbuilder.Flatten(ids)...),
		sb.IsNull("merged_into"),
	).OrderBy("id")

	query, args := sb.Build()
	var rows []row
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get entities: %w", err)
	}

	out := make([]*models.CanonicalEntity, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.toModel())
	}
	return out, nil
}

// FindRoot follows merged_into to the surviving entity and repoints every tombstone
// on the way directly at it.
func (r *Repository) FindRoot(ctx context.Context, id int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindRoot")
	defer span.End()

	conn := database.Conn(ctx, r.db)

	type link struct {
		ID         int64         `db:"id"`
		MergedInto sql.NullInt64 `db:"merged_into"`
	}
	var chain []link
	err := conn.SelectContext(ctx, &chain, `
		WITH RECURSIVE chain(id, merged_into, depth) AS (
			SELECT id, merged_into, 0 FROM entities WHERE id = $1
			UNION ALL
			SELECT e.id, e.merged_into, c.depth + 1
			FROM entities e JOIN chain c ON e.id = c.merged_into
			WHERE c.depth < $2
		)
		SELECT id, merged_into FROM chain ORDER BY depth`, id, maxChain)
	if err != nil {
		return 0, fmt.Errorf("failed to walk merge chain of %d: %w", id, err)
	}
	if len(chain) == 0 {
		return 0, fmt.Errorf("entity %d: %w", id, store.ErrNotFound)
	}

	last := chain[len(chain)-1]
	if last.MergedInto.Valid {
		return 0, fmt.Errorf("merge chain from %d does not terminate", id)
	}
	root := last.ID

	// every link but the last two already points at root or is root
	if len(chain) > 2 {
		stale := make([]int64, 0, len(chain)-2)
		for _, l := range chain[:len(chain)-2] {
			stale = append(stale, l.ID)
		}
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update("entities").Set(ub.Assign("merged_into", root)).Where(ub.In("id", sqlbuilder.Flatten(stale)...))
		query, args := ub.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			// compression is an optimization; the root is still correct
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_id": id}).Warn("Failed to compress merge chain")
		}
	}
	return root, nil
}

func (r *Repository) FindBySourceMapping(ctx context.Context, kind models.EntityKind, mapping models.SourceMapping) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindBySourceMapping")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_id").From("entity_source_mappings").Where(
		sb.Equal("kind", string(kind)),
		sb.Equal("source", mapping.Source),
		sb.Equal("native_id", mapping.NativeID),
	)

	query, args := sb.Build()
	var id int64
	if err := database.Conn(ctx, r.db).GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source mapping %s/%s: %w", mapping.Source, mapping.NativeID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find source mapping: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *Repository) FindByAlias(ctx context.Context, kind models.EntityKind, aliasKey string) ([]*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.FindByAlias")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_id").From("entity_index_keys").Where(
		sb.Equal("kind", string(kind)),
		sb.Equal("key_type", keyTypeAlias),
		sb.Equal("key", aliasKey),
	).OrderBy("entity_id")

	query, args := sb.Build()
	var ids []int64
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find alias %q: %w", aliasKey, err)
	}
	return r.GetMany(ctx, ids)
}

// ListByBlockingKeys returns live entities sharing at least one key, most shared keys
// first, then lowest id.
func (r *Repository) ListByBlockingKeys(ctx context.Context, kind models.EntityKind, keys []string, limit int) ([]store.BlockMatch, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListByBlockingKeys")
	defer span.End()

	if len(keys) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_id", "COUNT(*) AS shared").From("entity_index_keys").Where(
		sb.Equal("kind", string(kind)),
		sb.Equal("key_type", keyTypeBlock),
		sb.In("key", sqlbuilder.Flatten(keys)...),
	).GroupBy("entity_id").OrderBy("shared DESC", "entity_id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var hits []struct {
		EntityID int64 `db:"entity_id"`
		Shared   int   `db:"shared"`
	}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &hits, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list blocking candidates: %w", err)
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.EntityID)
	}
	entities, err := r.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.CanonicalEntity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	out := make([]store.BlockMatch, 0, len(hits))
	for _, h := range hits {
		if e, ok := byID[h.EntityID]; ok {
			out = append(out, store.BlockMatch{Entity: e, SharedKeys: h.Shared})
		}
	}
	return out, nil
}

// Create inserts the entity at version 1 and indexes it.
func (r *Repository) Create(ctx context.Context, w store.EntityWrite) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Create")
	defer span.End()

	e := w.Entity.Clone()
	if err := r.checkMappings(ctx, e); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("entities").
		Cols("kind", "attributes", "aliases", "source_mappings", "version", "created_at", "updated_at").
		Values(string(e.Kind), database.NewJSONB(e.Attributes), database.NewJSONB(e.Aliases), database.NewJSONB(e.SourceMappings), 1, now, now).
		Returning("id")

	query, args := ib.Build()
	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&e.ID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create entity")
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	e.Version = 1
	e.MergedInto = nil
	e.CreatedAt = now
	e.UpdatedAt = now

	if err := r.index(ctx, e, w.Keys); err != nil {
		return nil, err
	}
	return e, nil
}

// Update rewrites the entity if it is live and still at w.Entity.Version.
func (r *Repository) Update(ctx context.Context, w store.EntityWrite) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Update")
	defer span.End()

	e := w.Entity.Clone()
	if err := r.checkMappings(ctx, e, e.ID); err != nil {
		return nil, err
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("entities").Set(
		ub.Assign("attributes", database.NewJSONB(e.Attributes)),
		ub.Assign("aliases", database.NewJSONB(e.Aliases)),
		ub.Assign("source_mappings", database.NewJSONB(e.SourceMappings)),
		ub.Assign("updated_at", r.now().UTC()),
		ub.Add("version", 1),
	).Where(
		ub.Equal("id", e.ID),
		ub.Equal("version", e.Version),
		ub.IsNull("merged_into"),
	)

	query, args := ub.Build()
	var stamp struct {
		Version   int       `db:"version"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := database.Conn(ctx, r.db).GetContext(ctx, &stamp, query+" RETURNING version, created_at, updated_at", args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missOrConflict(ctx, e.ID, e.Version)
		}
		return nil, fmt.Errorf("failed to update entity %d: %w", e.ID, err)
	}
	e.Version = stamp.Version
	e.CreatedAt = stamp.CreatedAt.UTC()
	e.UpdatedAt = stamp.UpdatedAt.UTC()

	if err := r.unindex(ctx, e.ID); err != nil {
		return nil, err
	}
	if err := r.index(ctx, e, w.Keys); err != nil {
		return nil, err
	}
	return e, nil
}

// Tombstone points absorbID at keepID if it is live and still at version, and drops
// its index keys and source mappings.
func (r *Repository) Tombstone(ctx context.Context, absorbID int64, version int, keepID int64) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Tombstone")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("entities").Set(
		ub.Assign("merged_into", keepID),
		ub.Assign("updated_at", r.now().UTC()),
		ub.Add("version", 1),
	).Where(
		ub.Equal("id", absorbID),
		ub.Equal("version", version),
		ub.IsNull("merged_into"),
	)

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to tombstone entity %d: %w", absorbID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return r.missOrConflict(ctx, absorbID, version)
	}
	return r.unindex(ctx, absorbID)
}

// checkMappings fails with ErrSourceMappingClaimed if a mapping of e is owned by an
// entity other than owners.
func (r *Repository) checkMappings(ctx context.Context, e *models.CanonicalEntity, owners ...int64) error {
	for _, m := range e.SourceMappings {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select("entity_id").From("entity_source_mappings").Where(
			sb.Equal("kind", string(e.Kind)),
			sb.Equal("source", m.Source),
			sb.Equal("native_id", m.NativeID),
		)
		if len(owners) > 0 {
			sb.Where(sb.NotIn("entity_id", sqlbuilder.Flatten(owners)...))
		}

		query, args := sb.Build()
		var owner int64
		err := database.Conn(ctx, r.db).GetContext(ctx, &owner, query, args...)
		switch {
		case err == nil:
			return fmt.Errorf("%s/%s claimed by entity %d: %w", m.Source, m.NativeID, owner, store.ErrSourceMappingClaimed)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check source mapping: %w", err)
		}
	}
	return nil
}

func (r *Repository) index(ctx context.Context, e *models.CanonicalEntity, keys store.IndexKeys) error {
	conn := database.Conn(ctx, r.db)

	if len(keys.Blocking)+len(keys.Aliases) > 0 {
		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto("entity_index_keys").Cols("entity_id", "kind", "key_type", "key")
		for _, k := range keys.Blocking {
			ib.Values(e.ID, string(e.Kind), keyTypeBlock, k)
		}
		for _, k := range keys.Aliases {
			ib.Values(e.ID, string(e.Kind), keyTypeAlias, k)
		}
		database.OnConflictDoNothing(ib)

		query, args := ib.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to index entity %d: %w", e.ID, err)
		}
	}

	if len(e.SourceMappings) > 0 {
		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto("entity_source_mappings").Cols("kind", "source", "native_id", "entity_id")
		for _, m := range e.SourceMappings {
			ib.Values(string(e.Kind), m.Source, m.NativeID, e.ID)
		}
		// ownership moves to the survivor of a merge
		database.Upsert(ib, []string{"kind", "source", "native_id"}, database.Excluded("entity_id"))

		query, args := ib.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to map entity %d: %w", e.ID, err)
		}
	}
	return nil
}

func (r *Repository) unindex(ctx context.Context, id int64) error {
	conn := database.Conn(ctx, r.db)
	for _, table := range []string{"entity_index_keys", "entity_source_mappings"} {
		db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		db.DeleteFrom(table).Where(db.Equal("entity_id", id))
		query, args := db.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to unindex entity %d: %w", id, err)
		}
	}
	return nil
}

func (r *Repository) missOrConflict(ctx context.Context, id int64, version int) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("entity %d at version %d: %w", id, version, store.ErrVersionConflict)
}

