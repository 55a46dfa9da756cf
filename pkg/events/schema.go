package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/lily/pkg/models"
)

const SchemaVersion = "1.0"

type EventType string

const (
	EventTypeEntityCreated       EventType = "entity.created"
	EventTypeEntityAliasAttached EventType = "entity.alias_attached"
	EventTypeEntityMerged        EventType = "entity.merged"
	EventTypeObservationParked   EventType = "observation.parked"
	EventTypeObservationRejected EventType = "observation.rejected"
	EventTypeReviewResolved      EventType = "review.resolved"
)

// Event is one lifecycle change of the canonical graph.
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	Kind       models.EntityKind `json:"entity_kind"`
	EntityID   int64             `json:"entity_id,omitempty"`
	AbsorbedID int64             `json:"absorbed_id,omitempty"`
	DecisionID string            `json:"decision_id,omitempty"`
	Source     string            `json:"source,omitempty"`
	Reason     string            `json:"reason,omitempty"`

	// Entity is the entity's state after the change, when there is one.
	Entity *models.CanonicalEntity `json:"entity,omitempty"`
}

// NewEvent creates an event with the common fields set.
func NewEvent(eventType EventType, kind models.EntityKind) Event {
	return Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Kind:          kind,
	}
}

// Key is the partitioning key: events about one entity stay ordered.
func (e Event) Key() string {
	if e.EntityID != 0 {
		return string(e.Kind) + ":" + formatID(e.EntityID)
	}
	return string(e.Kind) + ":" + e.DecisionID
}
