package normalizers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/lily/pkg/models"
)

func TestFold(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  Sarah   J. Lee ", "sarah j lee"},
		{"José Núñez", "jose nunez"},
		{"O'Brien", "obrien"},
		{"Smith-Jones", "smith jones"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Fold(tt.input))
		})
	}
}

func TestNormalize_SwimmerName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		display string
		legal   string
		family  string
		tokens  []string
	}{
		{
			name:    "first last with initial",
			input:   "Sarah J. Lee",
			display: "sarah j lee",
			legal:   "lee sarah j",
			family:  "lee",
			tokens:  []string{"j", "lee", "sarah"},
		},
		{
			name:    "last comma first",
			input:   "Lee, Sarah",
			display: "sarah lee",
			legal:   "lee sarah",
			family:  "lee",
			tokens:  []string{"lee", "sarah"},
		},
		{
			name:    "diacritics and suffix",
			input:   "José Núñez Jr.",
			display: "jose nunez",
			legal:   "nunez jose",
			family:  "nunez",
			tokens:  []string{"jose", "nunez"},
		},
		{
			name:    "apostrophe in family name",
			input:   "O'Brien, Kate",
			display: "kate obrien",
			legal:   "obrien kate",
			family:  "obrien",
			tokens:  []string{"kate", "obrien"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := Default.Normalize(tt.input, SwimmerName)
			assert.Equal(t, tt.input, form.Original)
			assert.Equal(t, tt.display, form.Display)
			assert.Equal(t, tt.legal, form.LegalOrder)
			assert.Equal(t, tt.family, form.FamilyName())
			assert.Equal(t, tt.tokens, form.Tokens)
		})
	}
}

func TestNormalize_TeamName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Carmel High School", "carmel"},
		{"Carmel HS", "carmel"},
		{"The Woodlands Swim Team", "woodlands"},
		{"Nitro Swimming", "nitro"},
		{"Swim Team", "swim team"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Default.Normalize(tt.input, TeamName).Display)
		})
	}
}

func TestNormalize_EventLabel(t *testing.T) {
	tests := []struct {
		input    string
		expected models.EventAttributes
	}{
		{"50 Free", models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseSCY}},
		{"50y Freestyle", models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseSCY}},
		{"50 Yard Freestyle", models.EventAttributes{Distance: 50, Stroke: models.StrokeFree, Course: models.CourseSCY}},
		{"200 Medley Relay", models.EventAttributes{Distance: 200, Stroke: models.StrokeMedley, Course: models.CourseSCY, Relay: true}},
		{"4x100 Free Relay", models.EventAttributes{Distance: 400, Stroke: models.StrokeFree, Course: models.CourseSCY, Relay: true}},
		{"400 IM LCM", models.EventAttributes{Distance: 400, Stroke: models.StrokeIM, Course: models.CourseLCM}},
		{"100 m Backstroke", models.EventAttributes{Distance: 100, Stroke: models.StrokeBack, Course: models.CourseLCM}},
		{"Boys 100 Butterfly National Record", models.EventAttributes{Distance: 100, Stroke: models.StrokeFly, Course: models.CourseSCY}},
		{"Mile", models.EventAttributes{Distance: 1650, Stroke: models.StrokeFree, Course: models.CourseSCY}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			form := Default.Normalize(tt.input, EventLabel)
			require.NotNil(t, form.Event)
			assert.False(t, form.Unresolved)
			assert.Equal(t, tt.expected, *form.Event)
		})
	}
}

func TestNormalize_EventLabelUnresolved(t *testing.T) {
	form := Default.Normalize("1 Meter Diving", EventLabel)

	require.NotNil(t, form.Event)
	assert.True(t, form.Unresolved)
	assert.Equal(t, "1 Meter Diving", form.Event.Unresolved)
	assert.False(t, form.Event.IsResolved())
}

func TestNormalize_Deterministic(t *testing.T) {
	inputs := []string{"Sarah J. Lee", "Carmel HS", "200 Medley Relay"}
	kinds := []NameKind{SwimmerName, TeamName, EventLabel}

	for i, input := range inputs {
		assert.Equal(t, Default.Normalize(input, kinds[i]), Default.Normalize(input, kinds[i]))
	}
}

func TestNormalize_DefaultCourse(t *testing.T) {
	n := New(Config{DefaultCourse: models.CourseSCM})

	form := n.Normalize("100 Breast", EventLabel)
	require.NotNil(t, form.Event)
	assert.Equal(t, models.CourseSCM, form.Event.Course)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
	}{
		{"1:02.30", 62.3},
		{"58.12", 58.12},
		{"15:32.10", 932.1},
		{" 24.5 ", 24.5},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTime(tt.input)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got, 0.0001)
		})
	}
}

func TestParseTime_Malformed(t *testing.T) {
	inputs := []string{"1:02.3x", "-5.00", "abc", "", "1:75.00", "0.00", "1:2:3", "1:-2.00"}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseTime(input)
			require.Error(t, err)

			var malformed *MalformedTimeError
			assert.True(t, errors.As(err, &malformed))
			assert.Equal(t, input, malformed.Raw)
		})
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "1:02.30", FormatTime(62.3))
	assert.Equal(t, "58.12", FormatTime(58.12))
	assert.Equal(t, "15:32.10", FormatTime(932.1))
}

func TestAliasKey(t *testing.T) {
	assert.Equal(t, "sarah lee", AliasKey("Lee, Sarah", models.EntityKindSwimmer))
	assert.Equal(t, "carmel", AliasKey("Carmel HS", models.EntityKindTeam))
	assert.Equal(t, "50 free scy", AliasKey("50 Yard Freestyle", models.EntityKindEvent))
}

func TestRegistry(t *testing.T) {
	fn, ok := Get("fold")
	require.True(t, ok)
	assert.Equal(t, "abc", fn("ÁBC"))

	assert.Equal(t, "unchanged", Apply("unchanged", "missing"))
	assert.Equal(t, "o brien", ApplyChain("  O Brien ", "trim", "lowercase"))
}
