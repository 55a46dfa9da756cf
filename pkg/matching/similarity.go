package matching

import (
	"strings"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/normalizers"
)

// Sub-score keys reported in a ScoreBreakdown.
const (
	AttrScoreName        = "name"
	AttrScoreGender      = "gender"
	AttrScoreBirthYear   = "birth_year"
	AttrScoreAffiliation = "affiliation"
	AttrScoreState       = "state"
	AttrScoreTeamType    = "type"
	AttrScoreTuple       = "tuple"
)

type SwimmerWeights struct {
	Name        float64
	Gender      float64
	BirthYear   float64
	Affiliation float64
}

type TeamWeights struct {
	Name  float64
	State float64
	Type  float64
}

// Config holds the similarity policy.
type Config struct {
	Swimmer SwimmerWeights
	Team    TeamWeights
	// GenderVeto zeroes the score when one record is male and the other female.
	GenderVeto bool
	// BirthYearMaxDelta is the year difference at which the birth year sub-score reaches 0.
	BirthYearMaxDelta int
	// MissingAttributeScore is used when either side lacks a value.
	MissingAttributeScore float64
}

// DefaultConfig returns the default similarity policy
func DefaultConfig() Config {
	return Config{
		Swimmer:               SwimmerWeights{Name: 0.60, Gender: 0.10, BirthYear: 0.15, Affiliation: 0.15},
		Team:                  TeamWeights{Name: 0.70, State: 0.15, Type: 0.15},
		GenderVeto:            true,
		BirthYearMaxDelta:     2,
		MissingAttributeScore: 0.5,
	}
}

// Record is the comparable view of an observation or a canonical entity:
// its attributes plus every spelling of its name.
type Record struct {
	Attributes models.Attributes
	Names      []string
}

// RecordFromEntity builds a Record from a canonical entity and all of its aliases.
func RecordFromEntity(e *models.CanonicalEntity) Record {
	names := make([]string, 0, len(e.Aliases)+1)
	if primary := e.Attributes.DisplayName(); primary != "" {
		names = append(names, primary)
	}
	for _, a := range e.Aliases {
		names = append(names, a.Raw)
	}
	return Record{Attributes: e.Attributes, Names: names}
}

func (r Record) names() []string {
	if len(r.Names) > 0 {
		return r.Names
	}
	if n := r.Attributes.DisplayName(); n != "" {
		return []string{n}
	}
	return nil
}

// SimilarityScorer computes weighted multi-attribute similarity. Score is symmetric.
type SimilarityScorer struct {
	cfg        Config
	scorer     *Scorer
	normalizer *normalizers.Normalizer
}

func NewSimilarityScorer(cfg Config, normalizer *normalizers.Normalizer) *SimilarityScorer {
	if normalizer == nil {
		normalizer = normalizers.Default
	}
	return &SimilarityScorer{cfg: cfg, scorer: NewScorer(), normalizer: normalizer}
}

// Config returns the active policy.
func (s *SimilarityScorer) Config() Config {
	return s.cfg
}

// ScoreAttributes compares two attribute sets using only their primary names.
func (s *SimilarityScorer) ScoreAttributes(a, b models.Attributes) models.ScoreBreakdown {
	return s.Score(Record{Attributes: a}, Record{Attributes: b})
}

// Score compares two records of the same kind.
func (s *SimilarityScorer) Score(a, b Record) models.ScoreBreakdown {
	if a.Attributes.Kind != b.Attributes.Kind {
		return vetoed("entity kind mismatch")
	}

	switch a.Attributes.Kind {
	case models.EntityKindSwimmer:
		if a.Attributes.Swimmer == nil || b.Attributes.Swimmer == nil {
			return vetoed("missing swimmer attributes")
		}
		return s.scoreSwimmer(a, b)
	case models.EntityKindTeam:
		if a.Attributes.Team == nil || b.Attributes.Team == nil {
			return vetoed("missing team attributes")
		}
		return s.scoreTeam(a, b)
	case models.EntityKindEvent:
		if a.Attributes.Event == nil || b.Attributes.Event == nil {
			return vetoed("missing event attributes")
		}
		return s.scoreEvent(*a.Attributes.Event, *b.Attributes.Event)
	default:
		return vetoed("unknown entity kind")
	}
}

func (s *SimilarityScorer) scoreSwimmer(a, b Record) models.ScoreBreakdown {
	sa, sb := a.Attributes.Swimmer, b.Attributes.Swimmer
	w := s.cfg.Swimmer

	breakdown := models.ScoreBreakdown{Attributes: make(map[string]float64, 4)}

	name := s.bestNameSimilarity(a.names(), b.names(), normalizers.SwimmerName, true)
	gender := s.genderScore(sa.Gender, sb.Gender)
	birthYear := s.cfg.MissingAttributeScore
	if sa.BirthYear > 0 && sb.BirthYear > 0 {
		birthYear = s.scorer.NumericProximity(float64(sa.BirthYear), float64(sb.BirthYear), float64(s.cfg.BirthYearMaxDelta))
	}
	affiliation := s.cfg.MissingAttributeScore
	if len(sa.Affiliations) > 0 && len(sb.Affiliations) > 0 {
		affiliation = affiliationOverlap(sa.Affiliations, sb.Affiliations)
	}

	breakdown.Attributes[AttrScoreName] = name
	breakdown.Attributes[AttrScoreGender] = gender
	breakdown.Attributes[AttrScoreBirthYear] = birthYear
	breakdown.Attributes[AttrScoreAffiliation] = affiliation

	if s.cfg.GenderVeto && isHardGenderMismatch(sa.Gender, sb.Gender) {
		breakdown.Vetoed = true
		breakdown.VetoReason = "gender mismatch"
		return breakdown
	}

	breakdown.Total = clamp(w.Name*name + w.Gender*gender + w.BirthYear*birthYear + w.Affiliation*affiliation)
	return breakdown
}

func (s *SimilarityScorer) scoreTeam(a, b Record) models.ScoreBreakdown {
	ta, tb := a.Attributes.Team, b.Attributes.Team
	w := s.cfg.Team

	name := s.bestNameSimilarity(a.names(), b.names(), normalizers.TeamName, false)
	state := s.categorical(strings.ToUpper(ta.State), strings.ToUpper(tb.State))
	teamType := s.categorical(string(ta.Type), string(tb.Type))

	return models.ScoreBreakdown{
		Total: clamp(w.Name*name + w.State*state + w.Type*teamType),
		Attributes: map[string]float64{
			AttrScoreName:     name,
			AttrScoreState:    state,
			AttrScoreTeamType: teamType,
		},
	}
}

// scoreEvent is exact-tuple: events either are the same event or are not.
func (s *SimilarityScorer) scoreEvent(a, b models.EventAttributes) models.ScoreBreakdown {
	match := 0.0
	switch {
	case a.IsResolved() && b.IsResolved():
		if a.Distance == b.Distance && a.Stroke == b.Stroke && a.Course == b.Course && a.Relay == b.Relay {
			match = 1.0
		}
	case !a.IsResolved() && !b.IsResolved():
		match = s.scorer.ExactMatch(normalizers.Fold(a.Unresolved), normalizers.Fold(b.Unresolved))
	}

	return models.ScoreBreakdown{
		Total:      match,
		Attributes: map[string]float64{AttrScoreTuple: match},
	}
}

// bestNameSimilarity is the best token-set similarity over every pair of spellings.
func (s *SimilarityScorer) bestNameSimilarity(a, b []string, kind normalizers.NameKind, dropInitials bool) float64 {
	best := 0.0
	for _, na := range a {
		ta := s.nameTokens(na, kind, dropInitials)
		for _, nb := range b {
			tb := s.nameTokens(nb, kind, dropInitials)
			best = max(best, s.scorer.TokenSetSimilarity(ta, tb))
			if best == 1.0 {
				return best
			}
		}
	}
	return best
}

// nameTokens drops single-letter initials unless nothing else is left.
func (s *SimilarityScorer) nameTokens(raw string, kind normalizers.NameKind, dropInitials bool) []string {
	tokens := s.normalizer.Normalize(raw, kind).Tokens
	if !dropInitials {
		return tokens
	}
	kept := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len([]rune(t)) > 1 {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return tokens
	}
	return kept
}

func (s *SimilarityScorer) genderScore(a, b models.Gender) float64 {
	return s.categorical(string(a), string(b))
}

func (s *SimilarityScorer) categorical(a, b string) float64 {
	if a == "" || b == "" {
		return s.cfg.MissingAttributeScore
	}
	return s.scorer.ExactMatch(a, b)
}

func isHardGenderMismatch(a, b models.Gender) bool {
	return (a == models.GenderMale && b == models.GenderFemale) ||
		(a == models.GenderFemale && b == models.GenderMale)
}

// affiliationOverlap is the share of teams, across both swimmers, that both
// swam for during overlapping years.
func affiliationOverlap(a, b []models.Affiliation) float64 {
	teams := make(map[string]bool)
	for _, x := range a {
		teams[x.Team] = false
	}
	for _, y := range b {
		teams[y.Team] = false
	}
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				teams[x.Team] = true
			}
		}
	}

	if len(teams) == 0 {
		return 0.0
	}
	shared := 0
	for _, overlapping := range teams {
		if overlapping {
			shared++
		}
	}
	return float64(shared) / float64(len(teams))
}

func vetoed(reason string) models.ScoreBreakdown {
	return models.ScoreBreakdown{Attributes: map[string]float64{}, Vetoed: true, VetoReason: reason}
}

func clamp(v float64) float64 {
	return min(1.0, max(0.0, v))
}
