package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/lily/pkg/models"
)

func swimmer(name string, mappings ...models.SourceMapping) *models.CanonicalEntity {
	e := &models.CanonicalEntity{
		Kind: models.EntityKindSwimmer,
		Attributes: models.Attributes{
			Kind:    models.EntityKindSwimmer,
			Swimmer: &models.SwimmerAttributes{Name: name},
		},
	}
	e.AddAlias(models.Alias{Raw: name, Source: "test"})
	for _, m := range mappings {
		e.AddMapping(m)
	}
	return e
}

func TestMemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.CreateEntity(ctx, EntityWrite{
		Entity: swimmer("Sarah Lee"),
		Keys:   IndexKeys{Blocking: []string{"swimmer|lee|f|b501"}, Aliases: []string{"sarah lee"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, 1, created.Version)

	got, err := m.GetEntity(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sarah Lee", got.Attributes.Swimmer.Name)

	byAlias, err := m.FindByAlias(ctx, models.EntityKindSwimmer, "sarah lee")
	require.NoError(t, err)
	require.Len(t, byAlias, 1)
	assert.Equal(t, created.ID, byAlias[0].ID)

	_, err = m.GetEntity(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SourceMappingUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mapping := models.SourceMapping{Source: "swimcloud", NativeID: "42"}

	_, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Jon Smith", mapping)})
	require.NoError(t, err)

	_, err = m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Jonathan Smith", mapping)})
	assert.ErrorIs(t, err, ErrSourceMappingClaimed)

	found, err := m.FindBySourceMapping(ctx, models.EntityKindSwimmer, mapping)
	require.NoError(t, err)
	assert.Equal(t, "Jon Smith", found.Attributes.Swimmer.Name)

	// same native id under another kind is a different claim
	team := &models.CanonicalEntity{
		Kind:       models.EntityKindTeam,
		Attributes: models.Attributes{Kind: models.EntityKindTeam, Team: &models.TeamAttributes{Name: "Carmel"}},
	}
	team.AddMapping(mapping)
	_, err = m.CreateEntity(ctx, EntityWrite{Entity: team})
	assert.NoError(t, err)
}

func TestMemory_UpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Sarah Lee")})
	require.NoError(t, err)

	first := created.Clone()
	first.AddAlias(models.Alias{Raw: "Sara Lee", Source: "other"})
	updated, err := m.UpdateEntity(ctx, EntityWrite{Entity: first})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	stale := created.Clone()
	stale.AddAlias(models.Alias{Raw: "S. Lee", Source: "other"})
	_, err = m.UpdateEntity(ctx, EntityWrite{Entity: stale})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemory_BlockingKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Sarah Lee"), Keys: IndexKeys{Blocking: []string{"k1", "k2"}}})
	require.NoError(t, err)
	b, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Sara Lee"), Keys: IndexKeys{Blocking: []string{"k2"}}})
	require.NoError(t, err)
	_, err = m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Tom Jones"), Keys: IndexKeys{Blocking: []string{"k3"}}})
	require.NoError(t, err)

	matches, err := m.ListByBlockingKeys(ctx, models.EntityKindSwimmer, []string{"k1", "k2"}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, a.ID, matches[0].Entity.ID)
	assert.Equal(t, 2, matches[0].SharedKeys)
	assert.Equal(t, b.ID, matches[1].Entity.ID)

	none, err := m.ListByBlockingKeys(ctx, models.EntityKindSwimmer, []string{"missing"}, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_ApplyMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	keep, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Sarah Lee", models.SourceMapping{Source: "a", NativeID: "1"}), Keys: IndexKeys{Blocking: []string{"lee"}}})
	require.NoError(t, err)
	absorb, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Sara Lee", models.SourceMapping{Source: "b", NativeID: "2"}), Keys: IndexKeys{Blocking: []string{"lee"}}})
	require.NoError(t, err)

	absorbID := absorb.ID
	require.NoError(t, m.AddPerformance(ctx, &models.PerformanceRecord{ID: "p1", SwimmerID: absorbID, ObservationKey: "o1"}))
	require.NoError(t, m.RecordObservation(ctx, models.ObservationRecord{Key: "o1", EntityID: &absorbID}))

	merged := keep.Clone()
	merged.AddAlias(models.Alias{Raw: "Sara Lee", Source: "test"})
	merged.AddMapping(models.SourceMapping{Source: "b", NativeID: "2"})

	repointed, err := m.ApplyMerge(ctx, MergeWrite{
		Keep:          EntityWrite{Entity: merged, Keys: IndexKeys{Blocking: []string{"lee"}}},
		AbsorbID:      absorb.ID,
		AbsorbVersion: absorb.Version,
		Audit:         models.MergeAudit{ID: "m1", KeepID: keep.ID, AbsorbID: absorb.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, repointed)

	tomb, err := m.GetEntity(ctx, absorb.ID)
	require.NoError(t, err)
	require.True(t, tomb.IsTombstone())
	assert.Equal(t, keep.ID, *tomb.MergedInto)

	owner, err := m.FindBySourceMapping(ctx, models.EntityKindSwimmer, models.SourceMapping{Source: "b", NativeID: "2"})
	require.NoError(t, err)
	assert.Equal(t, keep.ID, owner.ID)

	perfs, err := m.ListPerformances(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, perfs, 1)

	rec, ok := m.Observation("o1")
	require.True(t, ok)
	assert.Equal(t, keep.ID, *rec.EntityID)

	matches, err := m.ListByBlockingKeys(ctx, models.EntityKindSwimmer, []string{"lee"}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, keep.ID, matches[0].Entity.ID)

	audits, err := m.ListMergeAudits(ctx, absorb.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, 2, audits[0].Repointed)

	// a second merge of the tombstone is rejected
	_, err = m.ApplyMerge(ctx, MergeWrite{
		Keep:          EntityWrite{Entity: merged},
		AbsorbID:      absorb.ID,
		AbsorbVersion: absorb.Version,
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemory_FindRootCompressesPath(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ids := make([]int64, 3)
	for i, name := range []string{"A", "B", "C"} {
		e, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer(name)})
		require.NoError(t, err)
		ids[i] = e.ID
	}

	merge := func(keepID, absorbID int64) {
		keep, err := m.GetEntity(ctx, keepID)
		require.NoError(t, err)
		absorb, err := m.GetEntity(ctx, absorbID)
		require.NoError(t, err)
		_, err = m.ApplyMerge(ctx, MergeWrite{Keep: EntityWrite{Entity: keep}, AbsorbID: absorbID, AbsorbVersion: absorb.Version})
		require.NoError(t, err)
	}
	merge(ids[1], ids[0])
	merge(ids[2], ids[1])

	root, err := m.FindRoot(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[2], root)

	compressed, err := m.GetEntity(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[2], *compressed.MergedInto)
}

func TestMemory_Reviews(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.AppendDecision(ctx, &models.MatchDecision{ID: "d1", Outcome: models.OutcomeParked}))
	assert.Error(t, m.AppendDecision(ctx, &models.MatchDecision{ID: "d1"}))

	require.NoError(t, m.EnqueueReview(ctx, models.ReviewItem{DecisionID: "d1", Kind: models.EntityKindSwimmer}))

	pending, err := m.ListPendingReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d1", pending[0].Decision.ID)
	assert.Equal(t, models.ReviewStatusPending, pending[0].Item.Status)

	require.NoError(t, m.CompleteReview(ctx, "d1", models.ReviewStatusAccepted, "d2"))
	assert.ErrorIs(t, m.CompleteReview(ctx, "d1", models.ReviewStatusRejected, "d3"), ErrReviewResolved)

	pending, err = m.ListPendingReviews(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemory_Watermarks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	wm, err := m.GetWatermark(ctx, "swimcloud")
	require.NoError(t, err)
	assert.True(t, wm.ObservedAt.IsZero())

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SetWatermark(ctx, models.Watermark{Source: "swimcloud", ObservedAt: at, Applied: 3}))

	wm, err = m.GetWatermark(ctx, "swimcloud")
	require.NoError(t, err)
	assert.Equal(t, at, wm.ObservedAt)
	assert.Equal(t, int64(3), wm.Applied)
}

func TestMemory_Unavailable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetUnavailable(true)

	_, err := m.GetWatermark(ctx, "swimcloud")
	assert.True(t, IsUnavailable(err))

	m.SetUnavailable(false)
	_, err = m.GetWatermark(ctx, "swimcloud")
	assert.NoError(t, err)
}

func TestMemory_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mapping := models.SourceMapping{Source: "swimcloud", NativeID: "42"}

	kept, err := m.CreateEntity(ctx, EntityWrite{
		Entity: swimmer("Sarah Lee"),
		Keys:   IndexKeys{Blocking: []string{"swimmer|lee|f|b501"}, Aliases: []string{"sarah lee"}},
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := m.CreateEntity(ctx, EntityWrite{
			Entity: swimmer("Jon Smith", mapping),
			Keys:   IndexKeys{Blocking: []string{"swimmer|smith|m|b501"}, Aliases: []string{"jon smith"}},
		}); err != nil {
			return err
		}
		update := kept.Clone()
		update.Attributes.Swimmer.Name = "Sarah J. Lee"
		if _, err := m.UpdateEntity(ctx, EntityWrite{Entity: update}); err != nil {
			return err
		}
		// a nested call joins the outer transaction
		if err := m.WithinTx(ctx, func(ctx context.Context) error {
			return m.RecordObservation(ctx, models.ObservationRecord{Key: "swimcloud:42"})
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = m.FindBySourceMapping(ctx, models.EntityKindSwimmer, mapping)
	assert.ErrorIs(t, err, ErrNotFound)
	byAlias, err := m.FindByAlias(ctx, models.EntityKindSwimmer, "jon smith")
	require.NoError(t, err)
	assert.Empty(t, byAlias)
	blocks, err := m.ListByBlockingKeys(ctx, models.EntityKindSwimmer, []string{"swimmer|smith|m|b501"}, 0)
	require.NoError(t, err)
	assert.Empty(t, blocks)
	seen, err := m.HasObservation(ctx, "swimcloud:42")
	require.NoError(t, err)
	assert.False(t, seen)

	got, err := m.GetEntity(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sarah Lee", got.Attributes.Swimmer.Name)
	assert.Equal(t, kept.Version, got.Version)

	// ids handed out inside the rolled back transaction are reused
	next, err := m.CreateEntity(ctx, EntityWrite{Entity: swimmer("Regan Smith")})
	require.NoError(t, err)
	assert.Equal(t, kept.ID+1, next.ID)

	require.NoError(t, m.WithinTx(ctx, func(ctx context.Context) error {
		return m.RecordObservation(ctx, models.ObservationRecord{Key: "swimcloud:43"})
	}))
	seen, err = m.HasObservation(ctx, "swimcloud:43")
	require.NoError(t, err)
	assert.True(t, seen)
}
