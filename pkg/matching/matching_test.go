package matching

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/store"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func swimmerRecord(name string, gender models.Gender, birthYear int, teams ...string) Record {
	attrs := &models.SwimmerAttributes{Name: name, Gender: gender, BirthYear: birthYear}
	for _, t := range teams {
		attrs.Affiliations = append(attrs.Affiliations, models.Affiliation{Team: t, FromYear: 2022, ToYear: 2024})
	}
	return Record{Attributes: models.Attributes{Kind: models.EntityKindSwimmer, Swimmer: attrs}}
}

func teamRecord(name, state string, teamType models.TeamType) Record {
	return Record{Attributes: models.Attributes{
		Kind: models.EntityKindTeam,
		Team: &models.TeamAttributes{Name: name, State: state, Type: teamType},
	}}
}

func eventRecord(e models.EventAttributes) Record {
	return Record{Attributes: models.Attributes{Kind: models.EntityKindEvent, Event: &e}}
}

func TestScorer_JaroWinkler(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		a, b     string
		expected float64
	}{
		{"martha", "marhta", 0.961},
		{"dixon", "dicksonx", 0.813},
		{"sarah", "sara", 0.96},
		{"lee", "lee", 1.0},
		{"", "lee", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.InDelta(t, tt.expected, s.JaroWinkler(tt.a, tt.b), 0.001)
			assert.Equal(t, s.JaroWinkler(tt.a, tt.b), s.JaroWinkler(tt.b, tt.a))
		})
	}
}

func TestScorer_Primitives(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.NumericProximity(2006, 2006, 2))
	assert.Equal(t, 0.5, s.NumericProximity(2006, 2007, 2))
	assert.Equal(t, 0.0, s.NumericProximity(2006, 2008, 2))
	assert.Equal(t, 0.0, s.NumericProximity(2006, 2012, 2))

	assert.InDelta(t, 1.0/3.0, s.Jaccard([]string{"a", "b"}, []string{"b", "c"}), 0.0001)
	assert.Equal(t, 1.0, s.TokenSetSimilarity([]string{"lee", "sarah"}, []string{"sarah", "lee"}))
	assert.Equal(t, 0.0, s.TokenSetSimilarity(nil, []string{"lee"}))
}

func TestSimilarityScorer_SwimmerAutoMergeScore(t *testing.T) {
	scorer := NewSimilarityScorer(DefaultConfig(), nil)

	a := swimmerRecord("Sarah J. Lee", models.GenderFemale, 2006, "Carmel")
	b := swimmerRecord("Sara Lee", models.GenderFemale, 2006, "Carmel")

	got := scorer.Score(a, b)
	assert.False(t, got.Vetoed)
	assert.GreaterOrEqual(t, got.Total, 0.95)
	assert.InDelta(t, 0.98, got.Attributes[AttrScoreName], 0.001)
	assert.Equal(t, 1.0, got.Attributes[AttrScoreGender])
	assert.Equal(t, 1.0, got.Attributes[AttrScoreBirthYear])
	assert.Equal(t, 1.0, got.Attributes[AttrScoreAffiliation])
}

func TestSimilarityScorer_GenderVeto(t *testing.T) {
	a := swimmerRecord("Sarah Lee", models.GenderMale, 2006)
	b := swimmerRecord("Sarah Lee", models.GenderFemale, 2006)

	vetoing := NewSimilarityScorer(DefaultConfig(), nil)
	got := vetoing.Score(a, b)
	assert.True(t, got.Vetoed)
	assert.Equal(t, 0.0, got.Total)
	assert.Equal(t, 1.0, got.Attributes[AttrScoreName])

	cfg := DefaultConfig()
	cfg.GenderVeto = false
	lenient := NewSimilarityScorer(cfg, nil)
	got = lenient.Score(a, b)
	assert.False(t, got.Vetoed)
	assert.InDelta(t, 0.6+0.15+0.15*0.5, got.Total, 0.0001)

	// unknown gender never vetoes
	got = vetoing.Score(a, swimmerRecord("Sarah Lee", models.GenderUnknown, 2006))
	assert.False(t, got.Vetoed)
	assert.Equal(t, 0.5, got.Attributes[AttrScoreGender])

	// other vs male scores zero without vetoing
	got = vetoing.Score(a, swimmerRecord("Sarah Lee", models.GenderOther, 2006))
	assert.False(t, got.Vetoed)
	assert.Equal(t, 0.0, got.Attributes[AttrScoreGender])
}

func TestSimilarityScorer_BirthYearDecay(t *testing.T) {
	scorer := NewSimilarityScorer(DefaultConfig(), nil)
	base := swimmerRecord("Sarah Lee", models.GenderFemale, 2006)

	tests := []struct {
		year     int
		expected float64
	}{
		{2006, 1.0},
		{2007, 0.5},
		{2005, 0.5},
		{2008, 0.0},
		{0, 0.5},
	}

	for _, tt := range tests {
		got := scorer.Score(base, swimmerRecord("Sarah Lee", models.GenderFemale, tt.year))
		assert.Equal(t, tt.expected, got.Attributes[AttrScoreBirthYear], "year %d", tt.year)
	}
}

func TestSimilarityScorer_Symmetric(t *testing.T) {
	scorer := NewSimilarityScorer(DefaultConfig(), nil)

	records := []Record{
		swimmerRecord("Sarah J. Lee", models.GenderFemale, 2006, "Carmel"),
		swimmerRecord("Lee, Sara", models.GenderFemale, 2007),
		swimmerRecord("Sarah Lee", models.GenderMale, 2006),
		swimmerRecord("José Núñez Jr.", models.GenderUnknown, 0, "Nitro"),
		swimmerRecord("Jose Nunez", models.GenderMale, 2005, "Nitro", "Carmel"),
		teamRecord("Carmel High School", "IN", models.TeamTypeHighSchool),
		teamRecord("Carmel HS", "", models.TeamTypeUnknown),
		eventRecord(models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseSCY}),
		eventRecord(models.EventAttributes{Unresolved: "1 Meter Diving"}),
	}

	for i, a := range records {
		for j, b := range records {
			assert.Equal(t, scorer.Score(a, b), scorer.Score(b, a), "records %d and %d", i, j)
		}
	}
}

func TestSimilarityScorer_Team(t *testing.T) {
	scorer := NewSimilarityScorer(DefaultConfig(), nil)

	got := scorer.Score(
		teamRecord("Carmel High School", "IN", models.TeamTypeHighSchool),
		teamRecord("Carmel HS", "IN", models.TeamTypeHighSchool),
	)
	assert.Equal(t, 1.0, got.Total)

	got = scorer.Score(
		teamRecord("Carmel High School", "IN", models.TeamTypeHighSchool),
		teamRecord("Carmel Swim Club", "IN", models.TeamTypeClub),
	)
	assert.InDelta(t, 0.85, got.Total, 0.0001)
}

func TestSimilarityScorer_EventExactTuple(t *testing.T) {
	scorer := NewSimilarityScorer(DefaultConfig(), nil)
	free50 := models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseSCY}

	assert.Equal(t, 1.0, scorer.Score(eventRecord(free50), eventRecord(free50)).Total)

	lcm := free50
	lcm.Course = models.CourseLCM
	assert.Equal(t, 0.0, scorer.Score(eventRecord(free50), eventRecord(lcm)).Total)

	diving := models.EventAttributes{Unresolved: "1 Meter Diving"}
	assert.Equal(t, 1.0, scorer.Score(eventRecord(diving), eventRecord(models.EventAttributes{Unresolved: "1 meter diving"})).Total)
	assert.Equal(t, 0.0, scorer.Score(eventRecord(diving), eventRecord(free50)).Total)
}

func TestSimilarityScorer_KindMismatch(t *testing.T) {
	scorer := NewSimilarityScorer(DefaultConfig(), nil)
	got := scorer.Score(swimmerRecord("Carmel", models.GenderUnknown, 0), teamRecord("Carmel", "", ""))
	assert.True(t, got.Vetoed)
	assert.Equal(t, 0.0, got.Total)
}

func TestCandidateGenerator_BirthYearBuckets(t *testing.T) {
	g := NewCandidateGenerator(DefaultBlockingConfig(), store.NewMemory(), nil, testLogger())

	shares := func(a, b int) bool {
		for _, x := range g.birthYearBuckets(a) {
			for _, y := range g.birthYearBuckets(b) {
				if x == y {
					return true
				}
			}
		}
		return false
	}

	for year := 1990; year <= 2015; year++ {
		for delta := 0; delta <= 2; delta++ {
			assert.True(t, shares(year, year+delta), "%d and %d", year, year+delta)
		}
	}
	assert.Len(t, g.birthYearBuckets(2006), 2)
}

func indexEntity(t *testing.T, ctx context.Context, mem *store.Memory, g *CandidateGenerator, attrs models.Attributes) *models.CanonicalEntity {
	t.Helper()
	e := &models.CanonicalEntity{Kind: attrs.Kind, Attributes: attrs}
	e.AddAlias(models.Alias{Raw: attrs.DisplayName(), Source: "test"})
	created, err := mem.CreateEntity(ctx, store.EntityWrite{Entity: e, Keys: g.IndexKeys(e)})
	require.NoError(t, err)
	return created
}

func TestCandidateGenerator_BlockingSafety(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		gender models.Gender
		year   int
	}{
		{"Sarah Lee", models.GenderFemale, 2006},
		{"Lee, Sarah", models.GenderFemale, 2009},
		{"Sarah Lee", models.GenderUnknown, 0},
		{"Sarah Lee", models.GenderMale, 0},
		{"José Núñez", models.GenderMale, 1999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			g := NewCandidateGenerator(DefaultBlockingConfig(), mem, nil, testLogger())

			existing := swimmerRecord(tt.name, tt.gender, tt.year)
			created := indexEntity(t, ctx, mem, g, existing.Attributes)

			got, err := g.Candidates(ctx, swimmerRecord(tt.name, tt.gender, tt.year))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, created.ID, got[0].ID)
		})
	}
}

func TestCandidateGenerator_Swimmers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	g := NewCandidateGenerator(DefaultBlockingConfig(), mem, nil, testLogger())

	sarah := indexEntity(t, ctx, mem, g, swimmerRecord("Sarah J. Lee", models.GenderFemale, 2006).Attributes)
	unknown := indexEntity(t, ctx, mem, g, swimmerRecord("S. Lee", models.GenderUnknown, 0).Attributes)
	indexEntity(t, ctx, mem, g, swimmerRecord("Sam Lee", models.GenderMale, 2006).Attributes)
	indexEntity(t, ctx, mem, g, swimmerRecord("Sarah Lee", models.GenderFemale, 1990).Attributes)
	indexEntity(t, ctx, mem, g, swimmerRecord("Tom Jones", models.GenderFemale, 2006).Attributes)

	got, err := g.Candidates(ctx, swimmerRecord("Sara Lee", models.GenderFemale, 2007))
	require.NoError(t, err)

	ids := make([]int64, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{sarah.ID, unknown.ID}, ids)

	none, err := g.Candidates(ctx, swimmerRecord("Ana Smith", models.GenderFemale, 2006))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCandidateGenerator_MaxCandidates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	g := NewCandidateGenerator(BlockingConfig{BirthYearBucketSize: 4, MaxCandidates: 2}, mem, nil, testLogger())

	exact := indexEntity(t, ctx, mem, g, swimmerRecord("Sarah Lee", models.GenderFemale, 2006).Attributes)
	sara := indexEntity(t, ctx, mem, g, swimmerRecord("Sara Lee", models.GenderFemale, 2006).Attributes)
	anne := indexEntity(t, ctx, mem, g, swimmerRecord("Sarah Anne Lee", models.GenderFemale, 2006).Attributes)
	indexEntity(t, ctx, mem, g, swimmerRecord("Samantha Lee", models.GenderFemale, 2006).Attributes)
	indexEntity(t, ctx, mem, g, swimmerRecord("Sarah Lee", models.GenderMale, 2006).Attributes)

	got, err := g.Candidates(ctx, swimmerRecord("Sarah Lee", models.GenderFemale, 2006))
	require.NoError(t, err)

	ids := make([]int64, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	// the exact alias is kept on top of the cap, the rest ranked by token overlap then id
	assert.Equal(t, []int64{exact.ID, anne.ID, sara.ID}, ids)
}

func TestCandidateGenerator_CrowdedBlockKeepsDuplicate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	g := NewCandidateGenerator(DefaultBlockingConfig(), mem, nil, testLogger())

	for i := 0; i < 150; i++ {
		indexEntity(t, ctx, mem, g, swimmerRecord(fmt.Sprintf("Swimmer%d Smith", i), models.GenderMale, 2005).Attributes)
	}
	jonathan := indexEntity(t, ctx, mem, g, swimmerRecord("Jonathan Smith", models.GenderMale, 2005).Attributes)

	contains := func(got []*models.CanonicalEntity, id int64) bool {
		for _, e := range got {
			if e.ID == id {
				return true
			}
		}
		return false
	}

	got, err := g.Candidates(ctx, swimmerRecord("Jonathan Smith", models.GenderMale, 2005))
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, jonathan.ID, got[0].ID)
	assert.Len(t, got, DefaultBlockingConfig().MaxCandidates+1)

	got, err = g.Candidates(ctx, swimmerRecord("Jonathan Paul Smith", models.GenderMale, 2005))
	require.NoError(t, err)
	assert.Len(t, got, DefaultBlockingConfig().MaxCandidates)
	assert.True(t, contains(got, jonathan.ID))
	assert.Equal(t, jonathan.ID, got[0].ID)

	// an alias match never crosses a gender block
	got, err = g.Candidates(ctx, swimmerRecord("Jonathan Smith", models.GenderFemale, 2005))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCandidateGenerator_TeamsAndEvents(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	g := NewCandidateGenerator(DefaultBlockingConfig(), mem, nil, testLogger())

	carmel := indexEntity(t, ctx, mem, g, teamRecord("Carmel High School", "IN", models.TeamTypeHighSchool).Attributes)
	free50 := indexEntity(t, ctx, mem, g, eventRecord(models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseSCY}).Attributes)

	got, err := g.Candidates(ctx, teamRecord("Carmel HS", "", ""))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, carmel.ID, got[0].ID)

	got, err = g.Candidates(ctx, eventRecord(models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseSCY}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, free50.ID, got[0].ID)

	got, err = g.Candidates(ctx, eventRecord(models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseLCM}))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCandidateGenerator_IndexKeys(t *testing.T) {
	g := NewCandidateGenerator(DefaultBlockingConfig(), store.NewMemory(), nil, testLogger())

	e := &models.CanonicalEntity{
		Kind:       models.EntityKindSwimmer,
		Attributes: swimmerRecord("Sarah Lee", models.GenderFemale, 2006).Attributes,
	}
	e.AddAlias(models.Alias{Raw: "Sarah Lee", Source: "a"})
	e.AddAlias(models.Alias{Raw: "Lee, Sarah", Source: "b"})

	keys := g.IndexKeys(e)
	assert.Equal(t, []string{"sarah lee"}, keys.Aliases)
	assert.ElementsMatch(t, []string{"swimmer|lee|f|b501", "swimmer|lee|f|b502", "swimmer|lee|f|*"}, keys.Blocking)
}
