package models

import "time"

type DecisionAction string

const (
	ActionCreateNew     DecisionAction = "create-new"
	ActionAttachAlias   DecisionAction = "attach-alias"
	ActionMerge         DecisionAction = "merge"
	ActionFlagForReview DecisionAction = "flag-for-review"
	ActionConfirm       DecisionAction = "confirm"
	ActionReject        DecisionAction = "reject"
	ActionManualMerge   DecisionAction = "manual-merge"
	ActionManualCreate  DecisionAction = "manual-create"
)

// DecisionOutcome is the terminal state an observation reached.
type DecisionOutcome string

const (
	OutcomeApplied  DecisionOutcome = "applied"
	OutcomeRejected DecisionOutcome = "rejected"
	OutcomeParked   DecisionOutcome = "parked"
)

type ParkReason string

const (
	ParkReasonAmbiguous  ParkReason = "ambiguous"
	ParkReasonConflict   ParkReason = "conflicting-source-mapping"
	ParkReasonContention ParkReason = "contention"
)

// ScoreBreakdown is the total similarity plus the per-attribute sub-scores behind it.
type ScoreBreakdown struct {
	Total      float64            `json:"total"`
	Attributes map[string]float64 `json:"attributes"`
	Vetoed     bool               `json:"vetoed,omitempty"`
	VetoReason string             `json:"veto_reason,omitempty"`
}

type CandidateScore struct {
	EntityID int64          `json:"entity_id"`
	Score    ScoreBreakdown `json:"score"`
}

// MatchDecision is the append-only audit record written for every processed observation.
type MatchDecision struct {
	ID             string           `json:"id"`
	ObservationKey string           `json:"observation_key"`
	Source         string           `json:"source"`
	SourceNativeID string           `json:"source_native_id,omitempty"`
	Kind           EntityKind       `json:"entity_kind"`
	Candidates     []CandidateScore `json:"candidates"`
	Action         DecisionAction   `json:"action"`
	Outcome        DecisionOutcome  `json:"outcome"`
	Threshold      float64          `json:"threshold"`
	BestScore      float64          `json:"best_score"`
	EntityID       *int64           `json:"entity_id,omitempty"`
	AbsorbedIDs    []int64          `json:"absorbed_ids,omitempty"`
	ParkReason     ParkReason       `json:"park_reason,omitempty"`
	Infrastructure bool             `json:"infrastructure,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	ReviewOf       *string          `json:"review_of,omitempty"`
	Observation    RawObservation   `json:"observation"`
	CreatedAt      time.Time        `json:"created_at"`
}

// BestCandidate returns the highest scoring candidate, if any were scored.
func (d *MatchDecision) BestCandidate() (CandidateScore, bool) {
	if len(d.Candidates) == 0 {
		return CandidateScore{}, false
	}
	return d.Candidates[0], true
}

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusAccepted ReviewStatus = "accepted"
	ReviewStatusRejected ReviewStatus = "rejected"
)

// ReviewOutcome is the verdict a reviewer gives a parked decision.
type ReviewOutcome string

const (
	ReviewAcceptMerge     ReviewOutcome = "accept-merge"
	ReviewRejectNewEntity ReviewOutcome = "reject-new-entity"
)

func (o ReviewOutcome) Valid() bool {
	return o == ReviewAcceptMerge || o == ReviewRejectNewEntity
}

// ReviewItem tracks a parked decision through manual review.
type ReviewItem struct {
	DecisionID           string       `json:"decision_id" db:"decision_id"`
	Kind                 EntityKind   `json:"entity_kind" db:"entity_kind"`
	Status               ReviewStatus `json:"status" db:"status"`
	ResolutionDecisionID *string      `json:"resolution_decision_id,omitempty" db:"resolution_decision_id"`
	CreatedAt            time.Time    `json:"created_at" db:"created_at"`
	ResolvedAt           *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ReviewEntry is a pending review item joined with its parked decision.
type ReviewEntry struct {
	Item     ReviewItem    `json:"item"`
	Decision MatchDecision `json:"decision"`
}
