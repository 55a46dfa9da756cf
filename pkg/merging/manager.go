// Package merging unions canonical entities: one survives, the other becomes a tombstone.
package merging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

// AlreadyMergedError is returned when a merge names a tombstone. Survivor is the
// root reached by following merged_into pointers to a fixed point.
type AlreadyMergedError struct {
	ID       int64
	Survivor int64
}

func (e *AlreadyMergedError) Error() string {
	return fmt.Sprintf("entity %d was already merged into %d", e.ID, e.Survivor)
}

// ConflictingSourceMappingError is returned when both entities carry a different
// native id from the same source, i.e. the source itself says they are distinct.
type ConflictingSourceMappingError struct {
	KeepID         int64
	AbsorbID       int64
	Source         string
	KeepNativeID   string
	AbsorbNativeID string
}

func (e *ConflictingSourceMappingError) Error() string {
	return fmt.Sprintf("source %s maps entity %d to %q and entity %d to %q",
		e.Source, e.KeepID, e.KeepNativeID, e.AbsorbID, e.AbsorbNativeID)
}

// Indexer computes the lookup keys of an entity.
type Indexer interface {
	IndexKeys(e *models.CanonicalEntity) store.IndexKeys
}

type EntityStore interface {
	store.EntityReader
	store.EntityWriter
}

// Manager executes merges against the store. It does not lock; callers hold the
// entity locks of both sides.
type Manager struct {
	store       EntityStore
	indexer     Indexer
	fieldMerger *FieldMerger
	logger      ectologger.Logger
	now         func() time.Time
}

func NewManager(entities EntityStore, indexer Indexer, fieldMerger *FieldMerger, logger ectologger.Logger) *Manager {
	if fieldMerger == nil {
		fieldMerger = NewFieldMerger(nil)
	}
	return &Manager{
		store:       entities,
		indexer:     indexer,
		fieldMerger: fieldMerger,
		logger:      logger,
		now:         time.Now,
	}
}

// ChooseSurvivor orders two entities as (keep, absorb): more aliases wins, then lower id.
func ChooseSurvivor(a, b *models.CanonicalEntity) (keep, absorb *models.CanonicalEntity) {
	if len(a.Aliases) != len(b.Aliases) {
		if len(a.Aliases) > len(b.Aliases) {
			return a, b
		}
		return b, a
	}
	if a.ID <= b.ID {
		return a, b
	}
	return b, a
}

// FieldMerger returns the attribute merger used for merges.
func (m *Manager) FieldMerger() *FieldMerger {
	return m.fieldMerger
}

// Merge folds absorb into keep. Both must be live entities of the same kind.
// decisionID links the audit record to the MatchDecision that caused it.
func (m *Manager) Merge(ctx context.Context, keepID, absorbID int64, decisionID *string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.Merge")
	defer span.End()

	return m.merge(ctx, keepID, absorbID, decisionID, true)
}

// ForceMerge is Merge without the source mapping conflict check. It is reserved for
// merges a reviewer accepted after seeing the conflict.
func (m *Manager) ForceMerge(ctx context.Context, keepID, absorbID int64, decisionID *string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.ForceMerge")
	defer span.End()

	return m.merge(ctx, keepID, absorbID, decisionID, false)
}

func (m *Manager) merge(ctx context.Context, keepID, absorbID int64, decisionID *string, checkMappings bool) (*models.MergeResult, error) {
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"keep_id":   keepID,
		"absorb_id": absorbID,
	})

	if keepID == absorbID {
		return nil, fmt.Errorf("cannot merge entity %d into itself", keepID)
	}

	keep, err := m.live(ctx, keepID)
	if err != nil {
		return nil, err
	}
	absorb, err := m.live(ctx, absorbID)
	if err != nil {
		return nil, err
	}
	if keep.Kind != absorb.Kind {
		return nil, fmt.Errorf("cannot merge %s %d into %s %d", absorb.Kind, absorbID, keep.Kind, keepID)
	}
	if checkMappings {
		if err := CheckMappings(keep, absorb); err != nil {
			return nil, err
		}
	}

	merged := keep.Clone()
	attributes, conflicts := m.fieldMerger.Merge(keep.Attributes, absorb.Attributes)
	merged.Attributes = attributes

	aliasesAdded := 0
	for _, alias := range absorb.Aliases {
		if merged.AddAlias(alias) {
			aliasesAdded++
		}
	}
	mappingsAdded := 0
	for _, mapping := range absorb.SourceMappings {
		if merged.AddMapping(mapping) {
			mappingsAdded++
		}
	}

	audit := models.MergeAudit{
		ID:            uuid.New().String(),
		Kind:          keep.Kind,
		KeepID:        keep.ID,
		AbsorbID:      absorb.ID,
		AliasesAdded:  aliasesAdded,
		MappingsAdded: mappingsAdded,
		Conflicts:     conflicts,
		DecisionID:    decisionID,
		PerformedAt:   m.now().UTC(),
	}

	// once the write starts it runs to completion even if the caller is cancelled
	repointed, err := m.store.ApplyMerge(context.WithoutCancel(ctx), store.MergeWrite{
		Keep:          store.EntityWrite{Entity: merged, Keys: m.indexer.IndexKeys(merged)},
		AbsorbID:      absorb.ID,
		AbsorbVersion: absorb.Version,
		Audit:         audit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply merge of %d into %d: %w", absorbID, keepID, err)
	}

	updated, err := m.store.GetEntity(ctx, keep.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload merged entity %d: %w", keep.ID, err)
	}

	log.WithFields(map[string]any{
		"aliases_added":  aliasesAdded,
		"mappings_added": mappingsAdded,
		"repointed":      repointed,
		"conflicts":      len(conflicts),
		"forced":         !checkMappings,
	}).Info("merged entities")

	return &models.MergeResult{
		Keep:          updated,
		AbsorbedID:    absorb.ID,
		AliasesAdded:  aliasesAdded,
		MappingsAdded: mappingsAdded,
		Repointed:     repointed,
		Conflicts:     conflicts,
	}, nil
}

// MergeRoots merges whatever a and b currently resolve to, choosing the survivor
// deterministically. It is a no-op when both already share a root.
func (m *Manager) MergeRoots(ctx context.Context, a, b int64, decisionID *string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.MergeRoots")
	defer span.End()

	rootA, err := m.store.FindRoot(ctx, a)
	if err != nil {
		return nil, err
	}
	rootB, err := m.store.FindRoot(ctx, b)
	if err != nil {
		return nil, err
	}

	if rootA == rootB {
		keep, err := m.store.GetEntity(ctx, rootA)
		if err != nil {
			return nil, err
		}
		return &models.MergeResult{Keep: keep, NoOp: true}, nil
	}

	ea, err := m.store.GetEntity(ctx, rootA)
	if err != nil {
		return nil, err
	}
	eb, err := m.store.GetEntity(ctx, rootB)
	if err != nil {
		return nil, err
	}

	keep, absorb := ChooseSurvivor(ea, eb)
	return m.Merge(ctx, keep.ID, absorb.ID, decisionID)
}

// CheckMappings reports a ConflictingSourceMappingError if keep and absorb hold
// different native ids from the same source.
func CheckMappings(keep, absorb *models.CanonicalEntity) error {
	for _, am := range absorb.SourceMappings {
		for _, km := range keep.SourceMappings {
			if km.Source == am.Source && km.NativeID != am.NativeID {
				return &ConflictingSourceMappingError{
					KeepID:         keep.ID,
					AbsorbID:       absorb.ID,
					Source:         am.Source,
					KeepNativeID:   km.NativeID,
					AbsorbNativeID: am.NativeID,
				}
			}
		}
	}
	return nil
}

func (m *Manager) live(ctx context.Context, id int64) (*models.CanonicalEntity, error) {
	e, err := m.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsTombstone() {
		return e, nil
	}

	root, err := m.store.FindRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &AlreadyMergedError{ID: id, Survivor: root}
}

// IsAlreadyMerged extracts an AlreadyMergedError from err.
func IsAlreadyMerged(err error) (*AlreadyMergedError, bool) {
	var merged *AlreadyMergedError
	if errors.As(err, &merged) {
		return merged, true
	}
	return nil, false
}
