package models

import (
	"time"

	"github.com/Ramsey-B/lily/pkg/fingerprint"
)

// Attribute keys understood on a RawObservation.
const (
	AttrName      = "name"
	AttrGender    = "gender"
	AttrBirthYear = "birth_year"
	AttrAge       = "age"
	AttrState     = "state"
	AttrTeam      = "team"
	AttrSeason    = "season"
	AttrYear      = "year"
	AttrShortName = "short_name"
	AttrTeamType  = "type"
	AttrEvent     = "event"
	AttrDistance  = "distance"
	AttrStroke    = "stroke"
	AttrCourse    = "course"
	AttrRelay     = "relay"
	AttrTime      = "time"
	AttrMeet      = "meet"
	AttrDate      = "date"
	AttrRank      = "rank"
	AttrRankScope = "rank_scope"
)

// RawObservation is one scraped fact exactly as a source reported it.
type RawObservation struct {
	Source         string            `json:"source" validate:"required"`
	SourceNativeID string            `json:"source_native_id,omitempty"`
	Kind           EntityKind        `json:"entity_kind" validate:"required,oneof=swimmer team event"`
	Attributes     map[string]string `json:"attributes" validate:"required"`
	ObservedAt     time.Time         `json:"observed_at" validate:"required"`
}

// Key is the deterministic identity of the observation, stable across resubmission.
func (o RawObservation) Key() string {
	attrs := make(map[string]any, len(o.Attributes))
	for k, v := range o.Attributes {
		attrs[k] = v
	}
	return fingerprint.Generate(map[string]any{
		"source":           o.Source,
		"source_native_id": o.SourceNativeID,
		"entity_kind":      string(o.Kind),
		"attributes":       attrs,
		"observed_at":      o.ObservedAt.UTC().Format(time.RFC3339Nano),
	})
}

// Mapping returns the observation's source mapping, if it carries a native id.
func (o RawObservation) Mapping() (SourceMapping, bool) {
	if o.SourceNativeID == "" {
		return SourceMapping{}, false
	}
	return SourceMapping{Source: o.Source, NativeID: o.SourceNativeID}, true
}

// ObservationRecord is the provenance row kept for every resolved observation.
type ObservationRecord struct {
	Key         string         `json:"key" db:"key"`
	Observation RawObservation `json:"observation"`
	EntityID    *int64         `json:"entity_id,omitempty" db:"entity_id"`
	DecisionID  string         `json:"decision_id" db:"decision_id"`
	RecordedAt  time.Time      `json:"recorded_at" db:"recorded_at"`
}
