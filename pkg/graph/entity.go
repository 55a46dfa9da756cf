package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/lily/pkg/events"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

// Projector keeps one node per canonical entity, labelled by kind, and a MERGED_INTO
// edge from every tombstone to the entity that absorbed it. It consumes lifecycle
// events, so the graph trails the store and is rebuilt by replaying them.
type Projector struct {
	writer Writer
	logger ectologger.Logger
}

var _ events.Sink = (*Projector)(nil)

func NewProjector(writer Writer, logger ectologger.Logger) *Projector {
	return &Projector{writer: writer, logger: logger}
}

func (p *Projector) Handle(ctx context.Context, event events.Event) error {
	statements := Statements(event)
	if len(statements) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Handle")
	defer span.End()

	if err := p.writer.Write(ctx, statements...); err != nil {
		return fmt.Errorf("failed to project %s for entity %d: %w", event.EventType, event.EntityID, err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"entity_id":  event.EntityID,
	}).Debug("Projected event into graph")
	return nil
}

// Statements translates an event into the Cypher that applies it. Events that do not
// change the entity graph translate to nothing.
func Statements(event events.Event) []Statement {
	switch event.EventType {
	case events.EventTypeEntityCreated, events.EventTypeEntityAliasAttached:
		if event.Entity == nil {
			return nil
		}
		return []Statement{upsertEntity(event.Entity)}
	case events.EventTypeEntityMerged:
		if event.Entity == nil || event.AbsorbedID == 0 {
			return nil
		}
		label := Label(event.Kind)
		return []Statement{
			upsertEntity(event.Entity),
			{
				Cypher: fmt.Sprintf(`
					MERGE (a:%[1]s {id: $absorbed_id})
					SET a.tombstone = true, a.merged_at = $merged_at
					WITH a
					MATCH (k:%[1]s {id: $keep_id})
					MERGE (a)-[:MERGED_INTO]->(k)
				`, label),
				Params: map[string]any{
					"absorbed_id": event.AbsorbedID,
					"keep_id":     event.EntityID,
					"merged_at":   event.Timestamp.UTC().Format(time.RFC3339),
				},
			},
		}
	default:
		return nil
	}
}

func upsertEntity(entity *models.CanonicalEntity) Statement {
	props := map[string]any{
		"id":         entity.ID,
		"kind":       string(entity.Kind),
		"name":       entity.Attributes.DisplayName(),
		"version":    entity.Version,
		"aliases":    aliasNames(entity.Aliases),
		"sources":    mappingKeys(entity.SourceMappings),
		"updated_at": entity.UpdatedAt.UTC().Format(time.RFC3339),
	}

	switch {
	case entity.Attributes.Swimmer != nil:
		s := entity.Attributes.Swimmer
		props["gender"] = string(s.Gender)
		props["birth_year"] = s.BirthYear
		props["state"] = s.State
	case entity.Attributes.Team != nil:
		t := entity.Attributes.Team
		props["short_name"] = t.ShortName
		props["team_type"] = string(t.Type)
		props["state"] = t.State
	case entity.Attributes.Event != nil:
		e := entity.Attributes.Event
		props["distance"] = e.Distance
		props["stroke"] = string(e.Stroke)
		props["course"] = string(e.Course)
		props["relay"] = e.Relay
	}

	return Statement{
		Cypher: fmt.Sprintf(`
			MERGE (e:%s {id: $id})
			SET e += $props, e.tombstone = false
		`, Label(entity.Kind)),
		Params: map[string]any{
			"id":    entity.ID,
			"props": props,
		},
	}
}

// Label is the node label of a kind.
func Label(kind models.EntityKind) string {
	switch kind {
	case models.EntityKindSwimmer:
		return "Swimmer"
	case models.EntityKindTeam:
		return "Team"
	case models.EntityKindEvent:
		return "Event"
	}
	return "Entity"
}

func aliasNames(aliases []models.Alias) []string {
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		out = append(out, a.Raw)
	}
	return out
}

func mappingKeys(mappings []models.SourceMapping) []string {
	out := make([]string, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, m.Source+"/"+m.NativeID)
	}
	return out
}
