// Package pgstore implements store.Store on Postgres.
package pgstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/lily/internal/repositories/decision"
	"github.com/Ramsey-B/lily/internal/repositories/entity"
	"github.com/Ramsey-B/lily/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/lily/internal/repositories/provenance"
	"github.com/Ramsey-B/lily/internal/repositories/watermark"
	"github.com/Ramsey-B/lily/pkg/database"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db         database.DB
	logger     ectologger.Logger
	entities   *entity.Repository
	audits     *mergeaudit.Repository
	decisions  *decision.Repository
	provenance *provenance.Repository
	watermarks *watermark.Repository
}

func New(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		db:         db,
		logger:     logger,
		entities:   entity.NewRepository(db, logger),
		audits:     mergeaudit.NewRepository(db, logger),
		decisions:  decision.NewRepository(db, logger),
		provenance: provenance.NewRepository(db, logger),
		watermarks: watermark.NewRepository(db, logger),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return classify(database.WithinTx(ctx, s.db, fn))
}

// Ping reports whether Postgres answers.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) GetEntity(ctx context.Context, id int64) (*models.CanonicalEntity, error) {
	e, err := s.entities.Get(ctx, id)
	return e, classify(err)
}

func (s *Store) FindRoot(ctx context.Context, id int64) (int64, error) {
	root, err := s.entities.FindRoot(ctx, id)
	return root, classify(err)
}

func (s *Store) FindBySourceMapping(ctx context.Context, kind models.EntityKind, mapping models.SourceMapping) (*models.CanonicalEntity, error) {
	e, err := s.entities.FindBySourceMapping(ctx, kind, mapping)
	return e, classify(err)
}

func (s *Store) FindByAlias(ctx context.Context, kind models.EntityKind, aliasKey string) ([]*models.CanonicalEntity, error) {
	out, err := s.entities.FindByAlias(ctx, kind, aliasKey)
	return out, classify(err)
}

func (s *Store) ListByBlockingKeys(ctx context.Context, kind models.EntityKind, keys []string, limit int) ([]store.BlockMatch, error) {
	out, err := s.entities.ListByBlockingKeys(ctx, kind, keys, limit)
	return out, classify(err)
}

func (s *Store) ListMergeAudits(ctx context.Context, entityID int64) ([]models.MergeAudit, error) {
	out, err := s.audits.ListForEntity(ctx, entityID)
	return out, classify(err)
}

func (s *Store) CreateEntity(ctx context.Context, w store.EntityWrite) (*models.CanonicalEntity, error) {
	var created *models.CanonicalEntity
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.entities.Create(ctx, w)
		return err
	})
	return created, classify(err)
}

func (s *Store) UpdateEntity(ctx context.Context, w store.EntityWrite) (*models.CanonicalEntity, error) {
	var updated *models.CanonicalEntity
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.entities.Update(ctx, w)
		return err
	})
	return updated, classify(err)
}

// ApplyMerge tombstones the absorbed entity, rewrites the survivor, repoints
// provenance and performances and appends the audit in one transaction.
func (s *Store) ApplyMerge(ctx context.Context, w store.MergeWrite) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "pgstore.Store.ApplyMerge")
	defer span.End()

	keepID := w.Keep.Entity.ID
	repointed := 0
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.entities.Tombstone(ctx, w.AbsorbID, w.AbsorbVersion, keepID); err != nil {
			return err
		}
		if _, err := s.entities.Update(ctx, w.Keep); err != nil {
			return err
		}

		n, err := s.provenance.Repoint(ctx, w.AbsorbID, keepID)
		if err != nil {
			return err
		}
		repointed = n

		audit := w.Audit
		audit.Repointed = repointed
		_, err = s.audits.Create(ctx, audit)
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	return repointed, nil
}

func (s *Store) AppendDecision(ctx context.Context, d *models.MatchDecision) error {
	return classify(s.decisions.Append(ctx, d))
}

func (s *Store) GetDecision(ctx context.Context, id string) (*models.MatchDecision, error) {
	d, err := s.decisions.Get(ctx, id)
	return d, classify(err)
}

func (s *Store) EnqueueReview(ctx context.Context, item models.ReviewItem) error {
	return classify(s.decisions.Enqueue(ctx, item))
}

func (s *Store) GetReview(ctx context.Context, decisionID string) (*models.ReviewItem, error) {
	item, err := s.decisions.GetReview(ctx, decisionID)
	return item, classify(err)
}

func (s *Store) ListPendingReviews(ctx context.Context, limit int) ([]models.ReviewEntry, error) {
	out, err := s.decisions.ListPending(ctx, limit)
	return out, classify(err)
}

func (s *Store) CompleteReview(ctx context.Context, decisionID string, status models.ReviewStatus, resolutionDecisionID string) error {
	return classify(s.decisions.Complete(ctx, decisionID, status, resolutionDecisionID))
}

func (s *Store) RecordObservation(ctx context.Context, rec models.ObservationRecord) error {
	return classify(s.provenance.RecordObservation(ctx, rec))
}

func (s *Store) HasObservation(ctx context.Context, key string) (bool, error) {
	ok, err := s.provenance.HasObservation(ctx, key)
	return ok, classify(err)
}

func (s *Store) GetObservation(ctx context.Context, key string) (*models.ObservationRecord, error) {
	rec, err := s.provenance.GetObservation(ctx, key)
	return rec, classify(err)
}

func (s *Store) AddPerformance(ctx context.Context, p *models.PerformanceRecord) error {
	return classify(s.provenance.AddPerformance(ctx, p))
}

func (s *Store) ListPerformances(ctx context.Context, swimmerID int64) ([]models.PerformanceRecord, error) {
	out, err := s.provenance.ListPerformances(ctx, swimmerID)
	return out, classify(err)
}

func (s *Store) GetWatermark(ctx context.Context, source string) (models.Watermark, error) {
	wm, err := s.watermarks.Get(ctx, source)
	return wm, classify(err)
}

func (s *Store) SetWatermark(ctx context.Context, wm models.Watermark) error {
	return classify(s.watermarks.Set(ctx, wm))
}

const mappingConstraint = "entity_source_mappings_pkey"

// classify maps driver failures onto the store sentinels the resolution core
// branches on. Errors already carrying a sentinel pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		store.ErrNotFound,
		store.ErrVersionConflict,
		store.ErrUnavailable,
		store.ErrSourceMappingClaimed,
		store.ErrReviewResolved,
		context.Canceled,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Name() == "unique_violation" && pqErr.Constraint == mappingConstraint:
			return fmt.Errorf("%w: %w", store.ErrSourceMappingClaimed, err)
		case pqErr.Code.Class() == "40":
			// serialization failure or deadlock; the caller re-reads and retries
			return fmt.Errorf("%w: %w", store.ErrVersionConflict, err)
		case transientClasses[pqErr.Code.Class()]:
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

var transientClasses = map[pq.ErrorClass]bool{
	"08": true, // connection exception
	"53": true, // insufficient resources
	"57": true, // operator intervention
	"58": true, // system error
}
