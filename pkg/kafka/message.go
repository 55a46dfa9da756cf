package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/lily/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers.
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	Batch *ObservationBatch
}

// ObservationBatch is the envelope scrapers publish: an ordered run of observations
// from one source. A message holding a bare observation is read as a batch of one.
type ObservationBatch struct {
	Source       string                  `json:"source"`
	Observations []models.RawObservation `json:"observations"`
}

// ParseObservationBatch decodes the message value.
func (m *IncomingMessage) ParseObservationBatch() error {
	var batch ObservationBatch
	if err := json.Unmarshal(m.Value, &batch); err != nil {
		return fmt.Errorf("failed to decode observation batch: %w", err)
	}

	if batch.Observations == nil {
		var single models.RawObservation
		if err := json.Unmarshal(m.Value, &single); err != nil {
			return fmt.Errorf("failed to decode observation: %w", err)
		}
		batch = ObservationBatch{Source: single.Source, Observations: []models.RawObservation{single}}
	}

	if batch.Source == "" {
		batch.Source = m.GetSource()
	}
	for i := range batch.Observations {
		if batch.Observations[i].Source == "" {
			batch.Observations[i].Source = batch.Source
		}
	}
	if batch.Source == "" {
		return fmt.Errorf("observation batch at offset %d names no source", m.Offset)
	}

	m.Batch = &batch
	return nil
}

// GetSource returns the source from the "source" header, falling back to the message key.
func (m *IncomingMessage) GetSource() string {
	if s := m.Headers["source"]; s != "" {
		return s
	}
	return m.Key
}

// OutgoingMessage is a message to publish.
type OutgoingMessage struct {
	Key     string
	Value   []byte
	Headers map[string]string
}
