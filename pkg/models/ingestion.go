package models

import "time"

// Watermark marks the last observation of a source that reached a terminal state.
type Watermark struct {
	Source      string    `json:"source" db:"source"`
	ObservedAt  time.Time `json:"observed_at" db:"observed_at"`
	LastBatchAt time.Time `json:"last_batch_at" db:"last_batch_at"`
	Applied     int64     `json:"applied" db:"applied"`
	Parked      int64     `json:"parked" db:"parked"`
	Rejected    int64     `json:"rejected" db:"rejected"`
}

// ObservationFailure describes an observation that did not reach a terminal state.
type ObservationFailure struct {
	Index          int    `json:"index"`
	ObservationKey string `json:"observation_key"`
	Error          string `json:"error"`
	// Retryable is false when resubmitting the same observation cannot succeed.
	Retryable bool `json:"retryable"`
}

type IngestionReport struct {
	Source      string               `json:"source"`
	Applied     int                  `json:"applied"`
	Parked      int                  `json:"parked"`
	Rejected    int                  `json:"rejected"`
	Skipped     int                  `json:"skipped"`
	Failed      int                  `json:"failed"`
	Watermark   time.Time            `json:"watermark"`
	DecisionIDs []string             `json:"decision_ids"`
	Failures    []ObservationFailure `json:"failures,omitempty"`
}

// Retryable reports whether any failure may succeed when the batch is resubmitted.
func (r *IngestionReport) Retryable() bool {
	for _, f := range r.Failures {
		if f.Retryable {
			return true
		}
	}
	return false
}

// Record tallies a terminal decision.
func (r *IngestionReport) Record(d *MatchDecision) {
	switch d.Outcome {
	case OutcomeApplied:
		r.Applied++
	case OutcomeParked:
		r.Parked++
	case OutcomeRejected:
		r.Rejected++
	}
	r.DecisionIDs = append(r.DecisionIDs, d.ID)
}
