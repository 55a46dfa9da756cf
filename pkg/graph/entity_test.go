package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/lily/pkg/events"
	"github.com/Ramsey-B/lily/pkg/models"
)

type recordingWriter struct {
	batches [][]Statement
	err     error
}

func (w *recordingWriter) Write(_ context.Context, statements ...Statement) error {
	w.batches = append(w.batches, statements)
	return w.err
}

func swimmerEntity(id int64) *models.CanonicalEntity {
	return &models.CanonicalEntity{
		ID:   id,
		Kind: models.EntityKindSwimmer,
		Attributes: models.Attributes{
			Kind:    models.EntityKindSwimmer,
			Swimmer: &models.SwimmerAttributes{Name: "Sarah Lee", Gender: models.GenderFemale, BirthYear: 2006},
		},
		Aliases:        []models.Alias{{Raw: "Sarah Lee", Source: "swimcloud"}, {Raw: "Sara Lee", Source: "usaswimming"}},
		SourceMappings: []models.SourceMapping{{Source: "swimcloud", NativeID: "1"}},
		Version:        2,
	}
}

func TestStatements(t *testing.T) {
	t.Run("created upserts the node", func(t *testing.T) {
		event := events.NewEvent(events.EventTypeEntityCreated, models.EntityKindSwimmer)
		event.EntityID = 7
		event.Entity = swimmerEntity(7)

		statements := Statements(event)
		require.Len(t, statements, 1)
		assert.Contains(t, statements[0].Cypher, "MERGE (e:Swimmer {id: $id})")
		props := statements[0].Params["props"].(map[string]any)
		assert.Equal(t, "Sarah Lee", props["name"])
		assert.Equal(t, 2006, props["birth_year"])
		assert.Equal(t, []string{"Sarah Lee", "Sara Lee"}, props["aliases"])
		assert.Equal(t, []string{"swimcloud/1"}, props["sources"])
	})

	t.Run("merged adds the tombstone edge", func(t *testing.T) {
		event := events.NewEvent(events.EventTypeEntityMerged, models.EntityKindSwimmer)
		event.EntityID = 7
		event.AbsorbedID = 9
		event.Entity = swimmerEntity(7)

		statements := Statements(event)
		require.Len(t, statements, 2)
		assert.Contains(t, statements[1].Cypher, "MERGE (a)-[:MERGED_INTO]->(k)")
		assert.EqualValues(t, 9, statements[1].Params["absorbed_id"])
		assert.EqualValues(t, 7, statements[1].Params["keep_id"])
	})

	t.Run("decision events are ignored", func(t *testing.T) {
		event := events.NewEvent(events.EventTypeObservationParked, models.EntityKindSwimmer)
		assert.Empty(t, Statements(event))
	})
}

func TestProjector_Handle(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	writer := &recordingWriter{}
	projector := NewProjector(writer, logger)

	event := events.NewEvent(events.EventTypeEntityAliasAttached, models.EntityKindSwimmer)
	event.EntityID = 7
	event.Entity = swimmerEntity(7)
	require.NoError(t, projector.Handle(context.Background(), event))
	require.NoError(t, projector.Handle(context.Background(), events.NewEvent(events.EventTypeReviewResolved, models.EntityKindSwimmer)))
	assert.Len(t, writer.batches, 1)

	writer.err = errors.New("bolt down")
	assert.Error(t, projector.Handle(context.Background(), event))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Swimmer", Label(models.EntityKindSwimmer))
	assert.Equal(t, "Team", Label(models.EntityKindTeam))
	assert.Equal(t, "Event", Label(models.EntityKindEvent))
	assert.Equal(t, "Entity", Label("bogus"))
}
