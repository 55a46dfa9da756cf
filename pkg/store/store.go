// Package store defines the persistence boundary of the resolution core and an
// in-memory implementation of it.
package store

import (
	"context"
	"errors"

	"github.com/Ramsey-B/lily/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by compare-and-write when the stored version moved on
	// or the entity was tombstoned in the meantime.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnavailable wraps transient infrastructure failures.
	ErrUnavailable          = errors.New("store unavailable")
	ErrSourceMappingClaimed = errors.New("source mapping already claimed by another entity")
	ErrReviewResolved       = errors.New("review already resolved")
)

// IndexKeys are the lookup keys an entity is reachable by.
type IndexKeys struct {
	Blocking []string
	Aliases  []string
}

// EntityWrite is a compare-and-write of one entity. Entity.Version carries the
// version the caller read; creation ignores it.
type EntityWrite struct {
	Entity *models.CanonicalEntity
	Keys   IndexKeys
}

// MergeWrite applies one merge atomically: keep is rewritten, absorb is tombstoned,
// downstream references are repointed and the audit record is appended.
type MergeWrite struct {
	Keep          EntityWrite
	AbsorbID      int64
	AbsorbVersion int
	Audit         models.MergeAudit
}

// BlockMatch is a live entity sharing at least one blocking key with a query.
type BlockMatch struct {
	Entity     *models.CanonicalEntity
	SharedKeys int
}

type EntityReader interface {
	GetEntity(ctx context.Context, id int64) (*models.CanonicalEntity, error)
	// FindRoot follows merged_into pointers to the surviving entity, compressing the path.
	FindRoot(ctx context.Context, id int64) (int64, error)
	FindBySourceMapping(ctx context.Context, kind models.EntityKind, mapping models.SourceMapping) (*models.CanonicalEntity, error)
	FindByAlias(ctx context.Context, kind models.EntityKind, aliasKey string) ([]*models.CanonicalEntity, error)
	ListByBlockingKeys(ctx context.Context, kind models.EntityKind, keys []string, limit int) ([]BlockMatch, error)
	// ListMergeAudits returns the merges an entity took part in, oldest first.
	ListMergeAudits(ctx context.Context, entityID int64) ([]models.MergeAudit, error)
}

type EntityWriter interface {
	CreateEntity(ctx context.Context, w EntityWrite) (*models.CanonicalEntity, error)
	UpdateEntity(ctx context.Context, w EntityWrite) (*models.CanonicalEntity, error)
	ApplyMerge(ctx context.Context, w MergeWrite) (int, error)
}

type DecisionStore interface {
	AppendDecision(ctx context.Context, d *models.MatchDecision) error
	GetDecision(ctx context.Context, id string) (*models.MatchDecision, error)

	EnqueueReview(ctx context.Context, item models.ReviewItem) error
	GetReview(ctx context.Context, decisionID string) (*models.ReviewItem, error)
	ListPendingReviews(ctx context.Context, limit int) ([]models.ReviewEntry, error)
	CompleteReview(ctx context.Context, decisionID string, status models.ReviewStatus, resolutionDecisionID string) error
}

type ProvenanceStore interface {
	RecordObservation(ctx context.Context, rec models.ObservationRecord) error
	HasObservation(ctx context.Context, key string) (bool, error)
	GetObservation(ctx context.Context, key string) (*models.ObservationRecord, error)
	AddPerformance(ctx context.Context, p *models.PerformanceRecord) error
	ListPerformances(ctx context.Context, swimmerID int64) ([]models.PerformanceRecord, error)
}

type WatermarkStore interface {
	// GetWatermark returns a zero watermark for sources never ingested.
	GetWatermark(ctx context.Context, source string) (models.Watermark, error)
	SetWatermark(ctx context.Context, wm models.Watermark) error
}

// Transactor runs fn so that every store call made with the context it receives
// commits or rolls back together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is everything the resolution core needs from persistence.
type Store interface {
	Transactor
	EntityReader
	EntityWriter
	DecisionStore
	ProvenanceStore
	WatermarkStore
}

// IsUnavailable reports whether err is a transient infrastructure failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
