package models

import "time"

// FieldConflict records an attribute where keep and absorb disagreed during a merge.
type FieldConflict struct {
	Field       string `json:"field"`
	KeepValue   any    `json:"keep_value"`
	AbsorbValue any    `json:"absorb_value"`
	Resolution  string `json:"resolution"`
}

// MergeAudit is the append-only record of one entity absorbing another.
type MergeAudit struct {
	ID            string          `json:"id"`
	Kind          EntityKind      `json:"entity_kind"`
	KeepID        int64           `json:"keep_id"`
	AbsorbID      int64           `json:"absorb_id"`
	AliasesAdded  int             `json:"aliases_added"`
	MappingsAdded int             `json:"mappings_added"`
	Repointed     int             `json:"repointed"`
	Conflicts     []FieldConflict `json:"conflicts,omitempty"`
	DecisionID    *string         `json:"decision_id,omitempty"`
	PerformedAt   time.Time       `json:"performed_at"`
}

// MergeResult describes the outcome of merging absorb into keep.
type MergeResult struct {
	Keep          *CanonicalEntity `json:"keep"`
	AbsorbedID    int64            `json:"absorbed_id"`
	AliasesAdded  int              `json:"aliases_added"`
	MappingsAdded int              `json:"mappings_added"`
	Repointed     int              `json:"repointed"`
	Conflicts     []FieldConflict  `json:"conflicts,omitempty"`
	// NoOp is set when both ids already resolved to the same root.
	NoOp bool `json:"no_op"`
}
