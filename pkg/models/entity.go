package models

import (
	"slices"
	"time"
)

// EntityKind selects which attribute variant a record carries.
type EntityKind string

const (
	EntityKindSwimmer EntityKind = "swimmer"
	EntityKindTeam    EntityKind = "team"
	EntityKindEvent   EntityKind = "event"
)

// EntityKinds lists every supported kind in a stable order.
var EntityKinds = []EntityKind{EntityKindSwimmer, EntityKindTeam, EntityKindEvent}

// Valid reports whether k is a supported kind.
func (k EntityKind) Valid() bool {
	return slices.Contains(EntityKinds, k)
}

type Gender string

const (
	GenderUnknown Gender = ""
	GenderMale    Gender = "M"
	GenderFemale  Gender = "F"
	GenderOther   Gender = "O"
)

type TeamType string

const (
	TeamTypeUnknown    TeamType = ""
	TeamTypeHighSchool TeamType = "high_school"
	TeamTypeClub       TeamType = "club"
	TeamTypeCollege    TeamType = "college"
)

type Stroke string

const (
	StrokeFree   Stroke = "free"
	StrokeBack   Stroke = "back"
	StrokeBreast Stroke = "breast"
	StrokeFly    Stroke = "fly"
	StrokeIM     Stroke = "im"
	// StrokeMedley is the medley relay, distinct from the individual medley.
	StrokeMedley Stroke = "medley"
)

type Course string

const (
	CourseSCY Course = "SCY"
	CourseSCM Course = "SCM"
	CourseLCM Course = "LCM"
)

// Affiliation is a swimmer's membership in a team over a span of years.
// A zero year leaves that end of the range open.
type Affiliation struct {
	Team     string `json:"team"`
	FromYear int    `json:"from_year,omitempty"`
	ToYear   int    `json:"to_year,omitempty"`
}

// Overlaps reports whether both affiliations name the same team over intersecting years.
func (a Affiliation) Overlaps(b Affiliation) bool {
	if a.Team == "" || a.Team != b.Team {
		return false
	}
	if a.ToYear != 0 && b.FromYear != 0 && a.ToYear < b.FromYear {
		return false
	}
	if b.ToYear != 0 && a.FromYear != 0 && b.ToYear < a.FromYear {
		return false
	}
	return true
}

type SwimmerAttributes struct {
	Name         string        `json:"name"`
	Gender       Gender        `json:"gender,omitempty"`
	BirthYear    int           `json:"birth_year,omitempty"`
	State        string        `json:"state,omitempty"`
	Affiliations []Affiliation `json:"affiliations,omitempty"`
}

type TeamAttributes struct {
	Name      string   `json:"name"`
	ShortName string   `json:"short_name,omitempty"`
	Type      TeamType `json:"type,omitempty"`
	State     string   `json:"state,omitempty"`
}

// EventAttributes is the structured event tuple. Unresolved carries the original
// label when it could not be mapped onto a tuple.
type EventAttributes struct {
	Distance   int    `json:"distance,omitempty"`
	Stroke     Stroke `json:"stroke,omitempty"`
	Course     Course `json:"course,omitempty"`
	Relay      bool   `json:"relay"`
	Unresolved string `json:"unresolved,omitempty"`
}

// IsResolved reports whether the event was mapped onto a structured tuple.
func (e EventAttributes) IsResolved() bool {
	return e.Unresolved == "" && e.Distance > 0 && e.Stroke != ""
}

// Attributes is a tagged variant: exactly the member matching Kind is set.
type Attributes struct {
	Kind    EntityKind         `json:"kind"`
	Swimmer *SwimmerAttributes `json:"swimmer,omitempty"`
	Team    *TeamAttributes    `json:"team,omitempty"`
	Event   *EventAttributes   `json:"event,omitempty"`
}

// DisplayName returns the human readable name of the entity.
func (a Attributes) DisplayName() string {
	switch a.Kind {
	case EntityKindSwimmer:
		if a.Swimmer != nil {
			return a.Swimmer.Name
		}
	case EntityKindTeam:
		if a.Team != nil {
			return a.Team.Name
		}
	case EntityKindEvent:
		if a.Event != nil {
			if a.Event.Unresolved != "" {
				return a.Event.Unresolved
			}
			return EventLabel(*a.Event)
		}
	}
	return ""
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := Attributes{Kind: a.Kind}
	if a.Swimmer != nil {
		s := *a.Swimmer
		s.Affiliations = slices.Clone(a.Swimmer.Affiliations)
		out.Swimmer = &s
	}
	if a.Team != nil {
		t := *a.Team
		out.Team = &t
	}
	if a.Event != nil {
		e := *a.Event
		out.Event = &e
	}
	return out
}

// Alias is one observed spelling of an entity's name, attributed to its source.
type Alias struct {
	Raw        string    `json:"raw" db:"raw"`
	Source     string    `json:"source" db:"source"`
	IsPrimary  bool      `json:"is_primary" db:"is_primary"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
}

// SourceMapping is a source's own identifier for an entity.
type SourceMapping struct {
	Source   string `json:"source" db:"source"`
	NativeID string `json:"native_id" db:"native_id"`
}

// CanonicalEntity is the deduplicated record for a swimmer, team or event.
// Tombstones keep MergedInto pointing at the entity that absorbed them.
type CanonicalEntity struct {
	ID             int64           `json:"id"`
	Kind           EntityKind      `json:"kind"`
	Attributes     Attributes      `json:"attributes"`
	Aliases        []Alias         `json:"aliases"`
	SourceMappings []SourceMapping `json:"source_mappings"`
	MergedInto     *int64          `json:"merged_into,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (e *CanonicalEntity) IsTombstone() bool {
	return e.MergedInto != nil
}

// HasAlias reports whether the exact (raw, source) spelling is already recorded.
func (e *CanonicalEntity) HasAlias(raw, source string) bool {
	return slices.ContainsFunc(e.Aliases, func(a Alias) bool {
		return a.Raw == raw && a.Source == source
	})
}

// AddAlias appends the alias unless the same spelling from the same source exists.
func (e *CanonicalEntity) AddAlias(alias Alias) bool {
	if alias.Raw == "" || e.HasAlias(alias.Raw, alias.Source) {
		return false
	}
	if len(e.Aliases) == 0 {
		alias.IsPrimary = true
	} else {
		alias.IsPrimary = false
	}
	e.Aliases = append(e.Aliases, alias)
	return true
}

func (e *CanonicalEntity) HasMapping(m SourceMapping) bool {
	return slices.Contains(e.SourceMappings, m)
}

// MappingFor returns the entity's native id within source, if any.
func (e *CanonicalEntity) MappingFor(source string) (SourceMapping, bool) {
	for _, m := range e.SourceMappings {
		if m.Source == source {
			return m, true
		}
	}
	return SourceMapping{}, false
}

func (e *CanonicalEntity) AddMapping(m SourceMapping) bool {
	if m.Source == "" || m.NativeID == "" || e.HasMapping(m) {
		return false
	}
	e.SourceMappings = append(e.SourceMappings, m)
	return true
}

// Clone returns a deep copy safe to mutate.
func (e *CanonicalEntity) Clone() *CanonicalEntity {
	if e == nil {
		return nil
	}
	out := *e
	out.Attributes = e.Attributes.Clone()
	out.Aliases = slices.Clone(e.Aliases)
	out.SourceMappings = slices.Clone(e.SourceMappings)
	if e.MergedInto != nil {
		root := *e.MergedInto
		out.MergedInto = &root
	}
	return &out
}
