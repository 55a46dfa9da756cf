package merging

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Ramsey-B/lily/pkg/models"
)

// Strategy decides the surviving value of an attribute when keep and absorb disagree.
type Strategy string

const (
	// StrategyPreferKeep keeps the survivor's value unless it is empty.
	StrategyPreferKeep Strategy = "prefer_keep"
	// StrategyPreferNonEmpty fills an empty survivor value from the absorbed entity.
	StrategyPreferNonEmpty Strategy = "prefer_non_empty"
	// StrategyLongestValue keeps the longer of two strings.
	StrategyLongestValue Strategy = "longest_value"
	// StrategyCollectAll unions list values.
	StrategyCollectAll Strategy = "collect_all"
)

// FieldStrategies maps attribute names to merge strategies for one entity kind.
type FieldStrategies map[string]Strategy

// DefaultStrategies returns the per-kind field strategies.
func DefaultStrategies() map[models.EntityKind]FieldStrategies {
	return map[models.EntityKind]FieldStrategies{
		models.EntityKindSwimmer: {
			models.AttrName:      StrategyPreferKeep,
			models.AttrGender:    StrategyPreferNonEmpty,
			models.AttrBirthYear: StrategyPreferKeep,
			models.AttrState:     StrategyPreferNonEmpty,
			models.AttrTeam:      StrategyCollectAll,
		},
		models.EntityKindTeam: {
			models.AttrName:      StrategyPreferKeep,
			models.AttrShortName: StrategyLongestValue,
			models.AttrTeamType:  StrategyPreferNonEmpty,
			models.AttrState:     StrategyPreferNonEmpty,
		},
		models.EntityKindEvent: {
			models.AttrEvent: StrategyPreferKeep,
		},
	}
}

// FieldMerger merges the attributes of two entities of the same kind.
type FieldMerger struct {
	strategies map[models.EntityKind]FieldStrategies
}

func NewFieldMerger(strategies map[models.EntityKind]FieldStrategies) *FieldMerger {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &FieldMerger{strategies: strategies}
}

// Merge returns keep's attributes with absorb folded in, plus every field where
// both sides held different non-empty values.
func (m *FieldMerger) Merge(keep, absorb models.Attributes) (models.Attributes, []models.FieldConflict) {
	out := keep.Clone()
	strategies := m.strategies[keep.Kind]

	var conflicts []models.FieldConflict
	record := func(field string, keepValue, absorbValue any, strategy Strategy) {
		if isEmpty(keepValue) || isEmpty(absorbValue) || fmt.Sprint(keepValue) == fmt.Sprint(absorbValue) {
			return
		}
		conflicts = append(conflicts, models.FieldConflict{
			Field:       field,
			KeepValue:   keepValue,
			AbsorbValue: absorbValue,
			Resolution:  string(strategy),
		})
	}

	switch keep.Kind {
	case models.EntityKindSwimmer:
		k, a := out.Swimmer, absorb.Swimmer
		if k == nil || a == nil {
			break
		}
		k.Name = m.mergeString(models.AttrName, k.Name, a.Name, strategies, record)
		k.Gender = models.Gender(m.mergeString(models.AttrGender, string(k.Gender), string(a.Gender), strategies, record))
		k.State = m.mergeString(models.AttrState, k.State, a.State, strategies, record)

		record(models.AttrBirthYear, nonZero(k.BirthYear), nonZero(a.BirthYear), strategyFor(strategies, models.AttrBirthYear))
		if k.BirthYear == 0 {
			k.BirthYear = a.BirthYear
		}

		if strategyFor(strategies, models.AttrTeam) == StrategyCollectAll {
			k.Affiliations = mergeAffiliations(k.Affiliations, a.Affiliations)
		} else if len(k.Affiliations) == 0 {
			k.Affiliations = slices.Clone(a.Affiliations)
		}
	case models.EntityKindTeam:
		k, a := out.Team, absorb.Team
		if k == nil || a == nil {
			break
		}
		k.Name = m.mergeString(models.AttrName, k.Name, a.Name, strategies, record)
		k.ShortName = m.mergeString(models.AttrShortName, k.ShortName, a.ShortName, strategies, record)
		k.Type = models.TeamType(m.mergeString(models.AttrTeamType, string(k.Type), string(a.Type), strategies, record))
		k.State = m.mergeString(models.AttrState, k.State, a.State, strategies, record)
	case models.EntityKindEvent:
		k, a := out.Event, absorb.Event
		if k == nil || a == nil {
			break
		}
		if !k.IsResolved() && a.IsResolved() {
			*k = *a
			break
		}
		record(models.AttrEvent, models.EventLabel(*k), models.EventLabel(*a), strategyFor(strategies, models.AttrEvent))
	}

	return out, conflicts
}

type conflictRecorder func(field string, keepValue, absorbValue any, strategy Strategy)

func (m *FieldMerger) mergeString(field, keep, absorb string, strategies FieldStrategies, record conflictRecorder) string {
	strategy := strategyFor(strategies, field)
	record(field, keep, absorb, strategy)

	switch strategy {
	case StrategyLongestValue:
		if len(absorb) > len(keep) {
			return absorb
		}
		return keep
	default:
		if strings.TrimSpace(keep) == "" {
			return absorb
		}
		return keep
	}
}

func strategyFor(strategies FieldStrategies, field string) Strategy {
	if s, ok := strategies[field]; ok {
		return s
	}
	return StrategyPreferNonEmpty
}

// mergeAffiliations unions affiliations, widening the year range of a team seen on both sides.
func mergeAffiliations(keep, absorb []models.Affiliation) []models.Affiliation {
	out := slices.Clone(keep)
	for _, a := range absorb {
		i := slices.IndexFunc(out, func(k models.Affiliation) bool { return k.Team == a.Team })
		if i < 0 {
			out = append(out, a)
			continue
		}
		out[i].FromYear = minYear(out[i].FromYear, a.FromYear)
		out[i].ToYear = maxYear(out[i].ToYear, a.ToYear)
	}
	return out
}

// minYear treats zero as an open lower bound.
func minYear(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return min(a, b)
}

// maxYear treats zero as an open upper bound.
func maxYear(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return max(a, b)
}

func nonZero(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
