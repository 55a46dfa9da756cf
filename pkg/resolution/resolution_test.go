package resolution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/lily/pkg/events"
	"github.com/Ramsey-B/lily/pkg/locking"
	"github.com/Ramsey-B/lily/pkg/matching"
	"github.com/Ramsey-B/lily/pkg/merging"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/normalizers"
	"github.com/Ramsey-B/lily/pkg/store"
)

var observedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine    *Engine
	store     *store.Memory
	generator *matching.CandidateGenerator
	merger    *merging.Manager
	events    *events.Recorder
}

func newHarness(t *testing.T, locker locking.Locker) *harness {
	t.Helper()

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	mem := store.NewMemory()
	generator := matching.NewCandidateGenerator(matching.DefaultBlockingConfig(), mem, normalizers.Default, logger)
	scorer := matching.NewSimilarityScorer(matching.DefaultConfig(), normalizers.Default)
	merger := merging.NewManager(mem, generator, nil, logger)
	recorder := &events.Recorder{}
	if locker == nil {
		locker = locking.NewLocal(time.Second)
	}

	engine := NewEngine(logger, DefaultConfig(), mem, normalizers.Default, scorer, generator, merger, locker, events.NewEmitter(logger, recorder))
	return &harness{engine: engine, store: mem, generator: generator, merger: merger, events: recorder}
}

func swimmerObs(source, nativeID string, at time.Time, attrs map[string]string) models.RawObservation {
	return models.RawObservation{
		Source:         source,
		SourceNativeID: nativeID,
		Kind:           models.EntityKindSwimmer,
		Attributes:     attrs,
		ObservedAt:     at,
	}
}

func (h *harness) seed(t *testing.T, name string, aliases []string, mapping *models.SourceMapping, attrs models.SwimmerAttributes) *models.CanonicalEntity {
	t.Helper()
	attrs.Name = name
	e := &models.CanonicalEntity{
		Kind:       models.EntityKindSwimmer,
		Attributes: models.Attributes{Kind: models.EntityKindSwimmer, Swimmer: &attrs},
	}
	e.AddAlias(models.Alias{Raw: name, Source: "seed"})
	for _, a := range aliases {
		e.AddAlias(models.Alias{Raw: a, Source: "seed"})
	}
	if mapping != nil {
		e.AddMapping(*mapping)
	}
	created, err := h.store.CreateEntity(context.Background(), store.EntityWrite{Entity: e, Keys: h.generator.IndexKeys(e)})
	require.NoError(t, err)
	return created
}

func TestEngine_SameSourceMappingConfirms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	first, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "42", observedAt, map[string]string{
		"name": "Jon Smith", "gender": "M", "birth_year": "2006",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreateNew, first.Action)
	assert.Empty(t, first.Candidates)

	second, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "42", observedAt.Add(time.Hour), map[string]string{
		"name": "Jonathan Smith", "gender": "M", "birth_year": "2006",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.ActionConfirm, second.Action)
	assert.Equal(t, models.OutcomeApplied, second.Outcome)
	assert.Equal(t, *first.EntityID, *second.EntityID)
	assert.Empty(t, second.Candidates, "a confirmation never re-scores")

	live := h.store.LiveEntities(models.EntityKindSwimmer)
	require.Len(t, live, 1)
	assert.Len(t, live[0].Aliases, 2)
	assert.Len(t, live[0].SourceMappings, 1)
}

func TestEngine_CrossSourceAutoMerge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	first, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "1", observedAt, map[string]string{
		"name": "Sarah J. Lee", "gender": "F", "birth_year": "2006", "team": "Carmel Swim Club",
	}))
	require.NoError(t, err)

	second, err := h.engine.Resolve(ctx, swimmerObs("usaswimming", "9", observedAt, map[string]string{
		"name": "Sara Lee", "gender": "female", "birth_year": "2006", "team": "Carmel",
	}))
	require.NoError(t, err)

	assert.Equal(t, models.ActionAttachAlias, second.Action)
	assert.Equal(t, *first.EntityID, *second.EntityID)
	assert.GreaterOrEqual(t, second.BestScore, 0.95)
	require.Len(t, second.Candidates, 1)

	live := h.store.LiveEntities(models.EntityKindSwimmer)
	require.Len(t, live, 1)
	assert.ElementsMatch(t, []string{"Sarah J. Lee", "Sara Lee"}, aliasNames(live[0]))
	assert.Len(t, live[0].SourceMappings, 2)

	assert.Len(t, h.events.OfType(events.EventTypeEntityCreated), 1)
	assert.Len(t, h.events.OfType(events.EventTypeEntityAliasAttached), 1)
}

func TestEngine_GenderVetoKeepsEntitiesApart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for _, gender := range []string{"M", "F"} {
		d, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "", observedAt, map[string]string{
			"name": "Sarah Lee", "gender": gender, "birth_year": "2006",
		}))
		require.NoError(t, err)
		assert.Equal(t, models.ActionCreateNew, d.Action)
	}

	assert.Len(t, h.store.LiveEntities(models.EntityKindSwimmer), 2)
	assert.Len(t, h.store.Decisions(), 2)
}

func TestEngine_MalformedTimeRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	obs := swimmerObs("swimcloud", "7", observedAt, map[string]string{
		"name": "Sarah Lee", "event": "100 Free", "time": "1:02.3x",
	})
	d, err := h.engine.Resolve(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, d.Outcome)
	assert.Equal(t, models.ActionReject, d.Action)
	assert.Contains(t, d.Reason, "1:02.3x")
	assert.Nil(t, d.EntityID)

	assert.Empty(t, h.store.LiveEntities(models.EntityKindSwimmer))
	rec, ok := h.store.Observation(obs.Key())
	require.True(t, ok)
	assert.Nil(t, rec.EntityID)
	assert.Len(t, h.events.OfType(events.EventTypeObservationRejected), 1)
}

func TestEngine_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		obs   models.RawObservation
		field string
	}{
		{
			name:  "missing source",
			obs:   swimmerObs("", "", observedAt, map[string]string{"name": "A B"}),
			field: "Source",
		},
		{
			name:  "missing name",
			obs:   swimmerObs("s", "", observedAt, map[string]string{"gender": "F"}),
			field: models.AttrName,
		},
		{
			name:  "unknown gender",
			obs:   swimmerObs("s", "", observedAt, map[string]string{"name": "A B", "gender": "q"}),
			field: models.AttrGender,
		},
		{
			name:  "time without event",
			obs:   swimmerObs("s", "", observedAt, map[string]string{"name": "A B", "time": "55.10"}),
			field: models.AttrEvent,
		},
		{
			name: "event without label or distance",
			obs: models.RawObservation{
				Source: "s", Kind: models.EntityKindEvent, Attributes: map[string]string{"stroke": "free"}, ObservedAt: observedAt,
			},
			field: models.AttrEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseObservation(normalizers.Default, tt.obs)
			require.Error(t, err)
			var malformed *MalformedObservationError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, tt.field, malformed.Field)
		})
	}
}

func TestParseObservation_Swimmer(t *testing.T) {
	p, err := parseObservation(normalizers.Default, swimmerObs("s", "", observedAt, map[string]string{
		"name": " Sarah Lee ", "gender": "Girls", "age": "17", "state": "in", "team": "Carmel Swim Club", "season": "2022-23",
		"event": "Girls 100 Yard Freestyle", "time": "58.31", "date": "2023-02-18", "rank": "3",
	}))
	require.NoError(t, err)

	s := p.attributes.Swimmer
	require.NotNil(t, s)
	assert.Equal(t, "Sarah Lee", s.Name)
	assert.Equal(t, models.GenderFemale, s.Gender)
	assert.Equal(t, 2007, s.BirthYear)
	assert.Equal(t, "IN", s.State)
	assert.Equal(t, []models.Affiliation{{Team: "carmel", FromYear: 2022, ToYear: 2023}}, s.Affiliations)

	require.NotNil(t, p.performance)
	assert.Equal(t, 100, p.performance.event.Distance)
	assert.Equal(t, models.StrokeFree, p.performance.event.Stroke)
	assert.InDelta(t, 58.31, p.performance.seconds, 0.0001)
	assert.Equal(t, 3, p.performance.rank)
	require.NotNil(t, p.performance.date)
}

func TestEngine_ParkAndAcceptReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	first, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "", observedAt, map[string]string{
		"name": "Sarah Lee", "gender": "F", "birth_year": "2006",
	}))
	require.NoError(t, err)

	parked, err := h.engine.Resolve(ctx, swimmerObs("usaswimming", "", observedAt, map[string]string{
		"name": "Sarah Lee", "gender": "F", "birth_year": "2007",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeParked, parked.Outcome)
	assert.Equal(t, models.ParkReasonAmbiguous, parked.ParkReason)
	assert.InDelta(t, 0.85, parked.BestScore, 0.0001)
	assert.Len(t, h.store.LiveEntities(models.EntityKindSwimmer), 1)

	queue, err := h.engine.ReviewQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, parked.ID, queue[0].Decision.ID)

	resolved, err := h.engine.ResolveReview(ctx, parked.ID, models.ReviewAcceptMerge)
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualMerge, resolved.Action)
	assert.Equal(t, models.OutcomeApplied, resolved.Outcome)
	assert.Equal(t, *first.EntityID, *resolved.EntityID)
	require.NotNil(t, resolved.ReviewOf)
	assert.Equal(t, parked.ID, *resolved.ReviewOf)
	assert.NotEqual(t, parked.ID, resolved.ID)

	live := h.store.LiveEntities(models.EntityKindSwimmer)
	require.Len(t, live, 1)
	assert.Len(t, live[0].Aliases, 2)

	queue, err = h.engine.ReviewQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, err = h.engine.ResolveReview(ctx, parked.ID, models.ReviewAcceptMerge)
	assert.ErrorIs(t, err, ErrReviewNotPending)
	assert.Len(t, h.events.OfType(events.EventTypeReviewResolved), 1)
}

func TestEngine_RejectReviewCreatesEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "", observedAt, map[string]string{
		"name": "Sarah Lee", "gender": "F", "birth_year": "2006",
	}))
	require.NoError(t, err)
	parked, err := h.engine.Resolve(ctx, swimmerObs("usaswimming", "5", observedAt, map[string]string{
		"name": "Sarah Lee", "gender": "F", "birth_year": "2007",
	}))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeParked, parked.Outcome)

	_, err = h.engine.ResolveReview(ctx, parked.ID, "maybe")
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	resolved, err := h.engine.ResolveReview(ctx, parked.ID, models.ReviewRejectNewEntity)
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualCreate, resolved.Action)
	assert.Len(t, h.store.LiveEntities(models.EntityKindSwimmer), 2)

	review, err := h.store.GetReview(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusRejected, review.Status)
	assert.Equal(t, resolved.ID, *review.ResolutionDecisionID)

	rec, ok := h.store.Observation(parked.ObservationKey)
	require.True(t, ok)
	assert.Equal(t, resolved.ID, rec.DecisionID)
	assert.Equal(t, *resolved.EntityID, *rec.EntityID)
}

func TestEngine_ConflictingSourceMappingParks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	attrs := map[string]string{"name": "Sarah Lee", "gender": "F", "birth_year": "2006", "team": "Carmel"}

	first, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "1", observedAt, attrs))
	require.NoError(t, err)

	parked, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "2", observedAt, attrs))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeParked, parked.Outcome)
	assert.Equal(t, models.ParkReasonConflict, parked.ParkReason)
	assert.GreaterOrEqual(t, parked.BestScore, 0.95)

	entity, err := h.engine.GetCanonical(ctx, *first.EntityID)
	require.NoError(t, err)
	assert.Len(t, entity.SourceMappings, 1, "a conflicting claim is never applied automatically")

	resolved, err := h.engine.ResolveReview(ctx, parked.ID, models.ReviewAcceptMerge)
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualMerge, resolved.Action)

	entity, err = h.engine.GetCanonical(ctx, *first.EntityID)
	require.NoError(t, err)
	assert.Len(t, entity.SourceMappings, 2)
}

func TestEngine_ResolvesThroughTombstone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	mapping := models.SourceMapping{Source: "swimcloud", NativeID: "A1"}
	a := h.seed(t, "Sarah Lee", []string{"S. Lee", "Sarah J Lee"}, &mapping, models.SwimmerAttributes{Gender: models.GenderFemale, BirthYear: 2006})
	b := h.seed(t, "Sara Lee", nil, nil, models.SwimmerAttributes{Gender: models.GenderFemale, BirthYear: 2006})
	require.Len(t, a.Aliases, 3)

	_, err := h.merger.Merge(ctx, b.ID, a.ID, nil)
	require.NoError(t, err)

	d, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "A1", observedAt, map[string]string{
		"name": "Sarah Lee", "gender": "F", "birth_year": "2006",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.ActionConfirm, d.Action)
	assert.Equal(t, b.ID, *d.EntityID)

	canonical, err := h.engine.GetCanonical(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, canonical.ID)
}

func TestEngine_ReconcilesTwoMatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	carmel := []models.Affiliation{{Team: "carmel", FromYear: 2024, ToYear: 2024}}
	x := h.seed(t, "Sarah Lee", nil, nil, models.SwimmerAttributes{Gender: models.GenderFemale, BirthYear: 2006, Affiliations: carmel})
	y := h.seed(t, "Sarah Lee", []string{"Sarah A. Lee"}, nil, models.SwimmerAttributes{Gender: models.GenderFemale, BirthYear: 2006, Affiliations: carmel})

	d, err := h.engine.Resolve(ctx, swimmerObs("usaswimming", "", observedAt, map[string]string{
		"name": "Sarah Lee", "gender": "F", "birth_year": "2006", "team": "Carmel",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.ActionMerge, d.Action)
	assert.Equal(t, y.ID, *d.EntityID, "the entity with more aliases survives")
	assert.Equal(t, []int64{x.ID}, d.AbsorbedIDs)

	live := h.store.LiveEntities(models.EntityKindSwimmer)
	require.Len(t, live, 1)
	assert.Len(t, h.events.OfType(events.EventTypeEntityMerged), 1)

	audits, err := h.engine.MergeHistory(ctx, x.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.NotNil(t, audits[0].DecisionID)
	assert.Equal(t, d.ID, *audits[0].DecisionID)
}

func TestEngine_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	obs := swimmerObs("swimcloud", "", observedAt, map[string]string{"name": "Sarah Lee", "gender": "F"})
	first, err := h.engine.Resolve(ctx, obs)
	require.NoError(t, err)
	again, err := h.engine.Resolve(ctx, obs)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, h.store.Decisions(), 1)
	live := h.store.LiveEntities(models.EntityKindSwimmer)
	require.Len(t, live, 1)
	assert.Len(t, live[0].Aliases, 1)
}

func TestEngine_RecordsPerformances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	d, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "1", observedAt, map[string]string{
		"name": "Sarah Lee", "gender": "F", "event": "100 Free", "time": "1:02.31", "meet": "Sectionals", "season": "2023-2024",
	}))
	require.NoError(t, err)

	perfs, err := h.engine.ListPerformances(ctx, *d.EntityID)
	require.NoError(t, err)
	require.Len(t, perfs, 1)
	assert.InDelta(t, 62.31, perfs[0].TimeSeconds, 0.0001)
	assert.Equal(t, "1:02.31", perfs[0].TimeFormatted)
	assert.Equal(t, models.EventAttributes{Distance: 100, Stroke: models.StrokeFree, Course: models.CourseSCY}, perfs[0].Event)
	assert.Equal(t, "Sectionals", perfs[0].Meet)
}

func TestEngine_FindByAlias(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	d, err := h.engine.Resolve(ctx, swimmerObs("swimcloud", "", observedAt, map[string]string{"name": "José Núñez"}))
	require.NoError(t, err)

	found, err := h.engine.FindByAlias(ctx, "jose nunez", models.EntityKindSwimmer)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, *d.EntityID, found[0].ID)

	none, err := h.engine.FindByAlias(ctx, "jose nunez", models.EntityKindTeam)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEngine_TeamsAndEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	team := func(source, name, state string) models.RawObservation {
		return models.RawObservation{
			Source: source, Kind: models.EntityKindTeam, ObservedAt: observedAt,
			Attributes: map[string]string{"name": name, "state": state, "type": "high school"},
		}
	}
	first, err := h.engine.Resolve(ctx, team("swimcloud", "Carmel High School", "IN"))
	require.NoError(t, err)
	second, err := h.engine.Resolve(ctx, team("maxpreps", "Carmel HS", "in"))
	require.NoError(t, err)
	assert.Equal(t, models.ActionAttachAlias, second.Action)
	assert.Equal(t, *first.EntityID, *second.EntityID)

	event := func(source string, attrs map[string]string) models.RawObservation {
		return models.RawObservation{Source: source, Kind: models.EntityKindEvent, ObservedAt: observedAt, Attributes: attrs}
	}
	labelled, err := h.engine.Resolve(ctx, event("swimcloud", map[string]string{"event": "Girls 200 Yard Medley Relay"}))
	require.NoError(t, err)
	structured, err := h.engine.Resolve(ctx, event("usaswimming", map[string]string{
		"distance": "200", "stroke": "medley", "course": "scy", "relay": "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, *labelled.EntityID, *structured.EntityID)

	unresolved, err := h.engine.Resolve(ctx, event("swimcloud", map[string]string{"event": "1 Meter Diving"}))
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreateNew, unresolved.Action)
	assert.Len(t, h.store.LiveEntities(models.EntityKindEvent), 2)
}

type timeoutLocker struct{}

func (timeoutLocker) Lock(context.Context, ...string) (locking.Unlock, error) {
	return nil, locking.ErrTimeout
}

func TestEngine_ContentionTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, timeoutLocker{})

	obs := swimmerObs("swimcloud", "", observedAt, map[string]string{"name": "Sarah Lee"})
	_, err := h.engine.Resolve(ctx, obs)
	require.Error(t, err)
	assert.True(t, IsContention(err))
	assert.ErrorIs(t, err, locking.ErrTimeout)
	assert.Empty(t, h.store.Decisions(), "a contended observation has not reached a terminal state")

	d, err := h.engine.Park(ctx, obs, models.ParkReasonContention, true, err)
	require.NoError(t, err)
	assert.True(t, d.Infrastructure)
	assert.Equal(t, models.ParkReasonContention, d.ParkReason)
	assert.Len(t, h.store.Decisions(), 1)
}

func TestEngine_ContendedReviewResolvesNormally(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	obs := swimmerObs("swimcloud", "3", observedAt, map[string]string{"name": "Sarah Lee"})
	parked, err := h.engine.Park(ctx, obs, models.ParkReasonContention, true, fmt.Errorf("lock wait timed out"))
	require.NoError(t, err)

	resolved, err := h.engine.ResolveReview(ctx, parked.ID, models.ReviewAcceptMerge)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreateNew, resolved.Action)
	assert.Equal(t, parked.ID, *resolved.ReviewOf)
}

func TestEngine_ConcurrentSourcesCreateOneEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	const sources = 20
	var wg sync.WaitGroup
	errs := make(chan error, sources)
	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Resolve(ctx, swimmerObs(fmt.Sprintf("source-%d", i), "", observedAt, map[string]string{
				"name": "Sarah Lee", "gender": "F", "birth_year": "2006", "team": "Carmel",
			}))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	live := h.store.LiveEntities(models.EntityKindSwimmer)
	require.Len(t, live, 1)
	assert.Len(t, live[0].Aliases, sources)
	assert.Len(t, h.store.Decisions(), sources)
}

func aliasNames(e *models.CanonicalEntity) []string {
	out := make([]string, 0, len(e.Aliases))
	for _, a := range e.Aliases {
		out = append(out, a.Raw)
	}
	return out
}
