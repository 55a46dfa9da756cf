// Package events fans lifecycle changes of the canonical graph out to sinks.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/lily/pkg/kafka"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

// Sink receives emitted events.
type Sink interface {
	Handle(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Emitter delivers every event to every sink. Delivery is best effort: a failing
// sink is logged and never fails the change that produced the event.
type Emitter struct {
	sinks  []Sink
	logger ectologger.Logger
}

func NewEmitter(logger ectologger.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, events ...Event) {
	if e == nil || len(e.sinks) == 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Emit")
	defer span.End()

	correlationID := tracing.GetTraceID(ctx)
	for _, event := range events {
		if event.CorrelationID == "" {
			event.CorrelationID = correlationID
		}
		for _, sink := range e.sinks {
			if err := sink.Handle(ctx, event); err != nil {
				e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"event_type": event.EventType,
					"entity_id":  event.EntityID,
				}).Error("Failed to emit event")
			}
		}
	}
}

func (e *Emitter) EmitEntityCreated(ctx context.Context, entity *models.CanonicalEntity, decisionID, source string) {
	event := NewEvent(EventTypeEntityCreated, entity.Kind)
	event.EntityID = entity.ID
	event.DecisionID = decisionID
	event.Source = source
	event.Entity = entity
	e.Emit(ctx, event)
}

func (e *Emitter) EmitAliasAttached(ctx context.Context, entity *models.CanonicalEntity, decisionID, source string) {
	event := NewEvent(EventTypeEntityAliasAttached, entity.Kind)
	event.EntityID = entity.ID
	event.DecisionID = decisionID
	event.Source = source
	event.Entity = entity
	e.Emit(ctx, event)
}

func (e *Emitter) EmitEntityMerged(ctx context.Context, result *models.MergeResult, decisionID string) {
	if result == nil || result.NoOp || result.Keep == nil {
		return
	}
	event := NewEvent(EventTypeEntityMerged, result.Keep.Kind)
	event.EntityID = result.Keep.ID
	event.AbsorbedID = result.AbsorbedID
	event.DecisionID = decisionID
	event.Entity = result.Keep
	e.Emit(ctx, event)
}

// EmitDecision emits the event for a parked or rejected decision.
func (e *Emitter) EmitDecision(ctx context.Context, d *models.MatchDecision) {
	var eventType EventType
	switch d.Outcome {
	case models.OutcomeParked:
		eventType = EventTypeObservationParked
	case models.OutcomeRejected:
		eventType = EventTypeObservationRejected
	default:
		return
	}
	event := NewEvent(eventType, d.Kind)
	event.DecisionID = d.ID
	event.Source = d.Source
	event.Reason = d.Reason
	e.Emit(ctx, event)
}

func (e *Emitter) EmitReviewResolved(ctx context.Context, d *models.MatchDecision) {
	event := NewEvent(EventTypeReviewResolved, d.Kind)
	event.DecisionID = d.ID
	event.Source = d.Source
	event.Reason = string(d.Action)
	if d.EntityID != nil {
		event.EntityID = *d.EntityID
	}
	e.Emit(ctx, event)
}

// KafkaSink publishes events to a Kafka topic as JSON.
type KafkaSink struct {
	producer *kafka.Producer
}

func NewKafkaSink(producer *kafka.Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Handle(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, kafka.OutgoingMessage{
		Key:   event.Key(),
		Value: data,
		Headers: map[string]string{
			"event_type":     string(event.EventType),
			"entity_kind":    string(event.Kind),
			"schema_version": event.SchemaVersion,
		},
	})
}

// Recorder is an in-memory Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
