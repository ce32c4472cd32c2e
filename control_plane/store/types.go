package store

import (
	"time"
)

// WorkloadRecord is the persisted form of a workload request. Immutable
// once submitted.
type WorkloadRecord struct {
	ID               string         `json:"id" db:"id"`
	Name             string         `json:"name" db:"name"`
	WorkloadType     string         `json:"workload_type" db:"workload_type"`
	Priority         string         `json:"priority" db:"priority"`
	DurationSeconds  float64        `json:"duration_seconds" db:"duration_seconds"`
	GPUs             map[string]int `json:"gpus" db:"gpus"` // JSONB
	CPUCores         int            `json:"cpu_cores" db:"cpu_cores"`
	MemoryGB         float64        `json:"memory_gb" db:"memory_gb"`
	MaxCostPerHour   float64        `json:"max_cost_per_hour" db:"max_cost_per_hour"`
	MaxCarbonKg      float64        `json:"max_carbon_kg" db:"max_carbon_kg"`
	Deadline         *time.Time     `json:"deadline" db:"deadline"`
	EarliestStart    *time.Time     `json:"earliest_start" db:"earliest_start"`
	PreferredRegions []string       `json:"preferred_regions" db:"preferred_regions"`
	SubmittedAt      time.Time      `json:"submitted_at" db:"submitted_at"`
}

// DecisionRecord is the persisted form of a schedule decision. State is the
// only mutable field; superseded decisions are retained as history.
type DecisionRecord struct {
	ID                string    `json:"id" db:"id"`
	RequestID         string    `json:"request_id" db:"request_id"`
	RegionID          string    `json:"region_id" db:"region_id"`
	State             string    `json:"state" db:"state"`
	WindowStart       time.Time `json:"window_start" db:"window_start"`
	WindowEnd         time.Time `json:"window_end" db:"window_end"`
	Score             float64   `json:"score" db:"score"`
	ProjectedCost     float64   `json:"projected_cost" db:"projected_cost"`
	ProjectedCarbonKg float64   `json:"projected_carbon_kg" db:"projected_carbon_kg"`
	Reasoning         string    `json:"reasoning" db:"reasoning"`
	FailureReason     string    `json:"failure_reason" db:"failure_reason"`
	SupersededBy      string    `json:"superseded_by" db:"superseded_by"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerRecord is the persisted form of a carbon ledger entry. Insert-only.
type LedgerRecord struct {
	ID          string     `json:"id" db:"id"`
	DecisionID  string     `json:"decision_id" db:"decision_id"`
	RegionID    string     `json:"region_id" db:"region_id"`
	WindowStart time.Time  `json:"window_start" db:"window_start"`
	WindowEnd   time.Time  `json:"window_end" db:"window_end"`
	ProjectedKg float64    `json:"projected_kg" db:"projected_kg"`
	RealizedKg  *float64   `json:"realized_kg" db:"realized_kg"`
	RecordedAt  time.Time  `json:"recorded_at" db:"recorded_at"`
	Note        string     `json:"note" db:"note"`
}
