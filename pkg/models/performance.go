package models

import "time"

// PerformanceRecord is a swim time or ranking attached to a canonical swimmer.
// SwimmerID is a downstream reference that follows the swimmer through merges.
type PerformanceRecord struct {
	ID             string          `json:"id" db:"id"`
	SwimmerID      int64           `json:"swimmer_id" db:"swimmer_id"`
	ObservationKey string          `json:"observation_key" db:"observation_key"`
	Source         string          `json:"source" db:"source"`
	Event          EventAttributes `json:"event"`
	TimeSeconds    float64         `json:"time_seconds" db:"time_seconds"`
	TimeFormatted  string          `json:"time_formatted" db:"time_formatted"`
	Meet           string          `json:"meet,omitempty" db:"meet"`
	Date           *time.Time      `json:"date,omitempty" db:"swum_on"`
	Rank           int             `json:"rank,omitempty" db:"rank"`
	RankScope      string          `json:"rank_scope,omitempty" db:"rank_scope"`
	Season         string          `json:"season,omitempty" db:"season"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
