package normalizers

import (
	"slices"
	"sort"
	"strings"

	"github.com/Ramsey-B/lily/pkg/models"
)

// NameKind selects which normalization rules apply to a raw string.
type NameKind string

const (
	SwimmerName NameKind = "swimmer_name"
	TeamName    NameKind = "team_name"
	EventLabel  NameKind = "event_label"
)

// NormalizedForm is the comparable form of a raw string.
type NormalizedForm struct {
	Kind     NameKind `json:"kind"`
	Original string   `json:"original"`
	// Folded is the case-folded, punctuation-free form before stop words are removed.
	Folded string `json:"folded"`
	// Display is the significant tokens in first-last order.
	Display string `json:"display"`
	// LegalOrder is the family name first ("lee sarah j").
	LegalOrder string `json:"legal_order,omitempty"`
	// Tokens is the sorted multiset of significant tokens.
	Tokens []string `json:"tokens"`
	// Event is set for event labels, resolved or not.
	Event      *models.EventAttributes `json:"event,omitempty"`
	Unresolved bool                    `json:"unresolved,omitempty"`
}

// FamilyName returns the last significant non-initial token of a person name.
func (f NormalizedForm) FamilyName() string {
	tokens := strings.Fields(f.Display)
	for i := len(tokens) - 1; i >= 0; i-- {
		if len([]rune(tokens[i])) > 1 {
			return tokens[i]
		}
	}
	if len(tokens) > 0 {
		return tokens[len(tokens)-1]
	}
	return ""
}

// FirstToken returns the first significant token.
func (f NormalizedForm) FirstToken() string {
	tokens := strings.Fields(f.Display)
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}

type Config struct {
	// PersonStopWords are honorifics and generational suffixes dropped from swimmer names.
	PersonStopWords []string
	// TeamStopPhrases are dropped from team names; multi-word phrases are matched whole.
	TeamStopPhrases []string
	// DefaultCourse applies to event labels that do not state a course.
	DefaultCourse models.Course
}

func DefaultConfig() Config {
	return Config{
		PersonStopWords: []string{"jr", "sr", "ii", "iii", "iv", "mr", "mrs", "ms", "dr"},
		TeamStopPhrases: []string{
			"swimming and diving", "swim and dive", "high school", "swim club", "swim team",
			"aquatic club", "swimming", "swim", "team", "club", "hs", "sc", "the",
		},
		DefaultCourse: models.CourseSCY,
	}
}

// Normalizer is pure and safe for concurrent use.
type Normalizer struct {
	cfg         Config
	personStops map[string]struct{}
	teamStops   []string
}

// Default is the normalizer configured with DefaultConfig.
var Default = New(DefaultConfig())

func New(cfg Config) *Normalizer {
	if cfg.DefaultCourse == "" {
		cfg.DefaultCourse = models.CourseSCY
	}

	personStops := make(map[string]struct{}, len(cfg.PersonStopWords))
	for _, w := range cfg.PersonStopWords {
		personStops[Fold(w)] = struct{}{}
	}

	teamStops := make([]string, 0, len(cfg.TeamStopPhrases))
	for _, p := range cfg.TeamStopPhrases {
		if f := Fold(p); f != "" {
			teamStops = append(teamStops, f)
		}
	}
	// longer phrases first so "swim club" wins over "swim"
	sort.SliceStable(teamStops, func(i, j int) bool {
		return len(teamStops[i]) > len(teamStops[j])
	})

	return &Normalizer{cfg: cfg, personStops: personStops, teamStops: teamStops}
}

// Normalize canonicalizes raw according to kind. It never fails; event labels that
// match no rule come back with Unresolved set and the original string preserved.
func (n *Normalizer) Normalize(raw string, kind NameKind) NormalizedForm {
	switch kind {
	case SwimmerName:
		return n.normalizePerson(raw)
	case TeamName:
		return n.normalizeTeam(raw)
	case EventLabel:
		return n.normalizeEvent(raw)
	default:
		folded := Fold(raw)
		return NormalizedForm{
			Kind:     kind,
			Original: raw,
			Folded:   folded,
			Display:  folded,
			Tokens:   sortedTokens(strings.Fields(folded)),
		}
	}
}

func (n *Normalizer) normalizePerson(raw string) NormalizedForm {
	// "Lee, Sarah J." -> "Sarah J. Lee"
	ordered := raw
	if i := strings.Index(raw, ","); i > 0 {
		last, first := raw[:i], raw[i+1:]
		if strings.TrimSpace(first) != "" {
			ordered = first + " " + last
		}
	}

	folded := Fold(ordered)
	tokens := strings.Fields(folded)
	significant := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, stop := n.personStops[t]; !stop {
			significant = append(significant, t)
		}
	}
	if len(significant) == 0 {
		significant = tokens
	}

	form := NormalizedForm{
		Kind:     SwimmerName,
		Original: raw,
		Folded:   folded,
		Display:  strings.Join(significant, " "),
		Tokens:   sortedTokens(significant),
	}
	if family := form.FamilyName(); family != "" {
		rest := make([]string, 0, len(significant))
		skipped := false
		for i := len(significant) - 1; i >= 0; i-- {
			if !skipped && significant[i] == family {
				skipped = true
				continue
			}
			rest = append([]string{significant[i]}, rest...)
		}
		form.LegalOrder = strings.TrimSpace(family + " " + strings.Join(rest, " "))
	}
	return form
}

func (n *Normalizer) normalizeTeam(raw string) NormalizedForm {
	folded := Fold(raw)
	stripped := " " + folded + " "
	for changed := true; changed; {
		changed = false
		for _, phrase := range n.teamStops {
			next := strings.ReplaceAll(stripped, " "+phrase+" ", " ")
			if next != stripped {
				stripped = next
				changed = true
			}
		}
	}

	significant := strings.Fields(stripped)
	if len(significant) == 0 {
		significant = strings.Fields(folded)
	}

	return NormalizedForm{
		Kind:     TeamName,
		Original: raw,
		Folded:   folded,
		Display:  strings.Join(significant, " "),
		Tokens:   sortedTokens(significant),
	}
}

func sortedTokens(tokens []string) []string {
	out := slices.Clone(tokens)
	slices.Sort(out)
	return out
}
