package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wattwise/wattwise/control_plane/resilience"
)

// WorkloadType classifies the job for reporting; it does not influence
// placement.
type WorkloadType string

const (
	TypeInference WorkloadType = "inference"
	TypeTraining  WorkloadType = "training"
	TypeBatch     WorkloadType = "batch"
	TypeOther     WorkloadType = "other"
)

func (t WorkloadType) Valid() bool {
	switch t {
	case TypeInference, TypeTraining, TypeBatch, TypeOther:
		return true
	}
	return false
}

// Priority expresses urgency. Higher priorities earn a scoring boost that
// favors earlier, possibly dirtier windows.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Boost maps priority to the scoring reward term.
func (p Priority) Boost() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.5
	case PriorityNormal:
		return 0.25
	default:
		return 0.0
	}
}

// Resource demand keys as tracked by the capacity tracker.
const (
	ResourceCPUCores  = "cpu_cores"
	ResourceMemoryGB  = "memory_gb"
	resourceGPUPrefix = "gpu:"
)

// GPUResource returns the capacity key for a GPU type, e.g. "gpu:A100".
func GPUResource(gpuType string) string {
	return resourceGPUPrefix + gpuType
}

// ResourceRequirements is what the workload needs for its whole window.
type ResourceRequirements struct {
	GPUs     map[string]int `json:"gpus,omitempty"`
	CPUCores int            `json:"cpu_cores,omitempty"`
	MemoryGB float64        `json:"memory_gb,omitempty"`
}

// Demands flattens requirements into tracker resource quantities.
func (r ResourceRequirements) Demands() map[string]float64 {
	d := make(map[string]float64, len(r.GPUs)+2)
	for gpuType, count := range r.GPUs {
		d[GPUResource(gpuType)] = float64(count)
	}
	if r.CPUCores > 0 {
		d[ResourceCPUCores] = float64(r.CPUCores)
	}
	if r.MemoryGB > 0 {
		d[ResourceMemoryGB] = r.MemoryGB
	}
	return d
}

// GPUTypes returns requested GPU types in ascending order.
func (r ResourceRequirements) GPUTypes() []string {
	types := make([]string, 0, len(r.GPUs))
	for t, n := range r.GPUs {
		if n > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// Constraints are the hard limits a candidate must satisfy. Zero values
// mean unset for the ceilings; a nil Deadline means none.
type Constraints struct {
	MaxCostPerHour   float64    `json:"max_cost_per_hour,omitempty"`
	MaxCarbonKg      float64    `json:"max_carbon_kg,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	EarliestStart    *time.Time `json:"earliest_start,omitempty"`
	PreferredRegions []string   `json:"preferred_regions,omitempty"`
}

// AllowsRegion applies the optional preferred-region allow list.
func (c Constraints) AllowsRegion(regionID string) bool {
	if len(c.PreferredRegions) == 0 {
		return true
	}
	for _, id := range c.PreferredRegions {
		if id == regionID {
			return true
		}
	}
	return false
}

// WorkloadRequest is immutable once submitted.
type WorkloadRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Type        WorkloadType         `json:"workload_type"`
	Priority    Priority             `json:"priority"`
	Duration    time.Duration        `json:"duration"`
	Resources   ResourceRequirements `json:"resources"`
	Constraints Constraints          `json:"constraints"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// EarliestStart resolves the effective earliest start against now.
func (w *WorkloadRequest) EarliestStart(now time.Time) time.Time {
	if w.Constraints.EarliestStart != nil && w.Constraints.EarliestStart.After(now) {
		return *w.Constraints.EarliestStart
	}
	return now
}

// Validate rejects malformed requests before any evaluation work.
func (w *WorkloadRequest) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return resilience.Validation("workload name is required")
	}
	if !w.Type.Valid() {
		return resilience.Validation("unknown workload type %q", w.Type)
	}
	if !w.Priority.Valid() {
		return resilience.Validation("unknown priority %q", w.Priority)
	}
	if w.Duration <= 0 {
		return resilience.Validation("estimated duration must be positive, got %v", w.Duration)
	}
	if len(w.Resources.GPUs) == 0 && w.Resources.CPUCores <= 0 && w.Resources.MemoryGB <= 0 {
		return resilience.Validation("at least one resource requirement is required")
	}
	for gpuType, count := range w.Resources.GPUs {
		if count <= 0 {
			return resilience.Validation("gpu count for %s must be positive, got %d", gpuType, count)
		}
	}
	if w.Constraints.MaxCostPerHour < 0 || w.Constraints.MaxCarbonKg < 0 {
		return resilience.Validation("cost and carbon ceilings must be non-negative")
	}
	if w.Constraints.Deadline != nil && w.Constraints.EarliestStart != nil &&
		w.Constraints.Deadline.Before(w.Constraints.EarliestStart.Add(w.Duration)) {
		return resilience.Validation("deadline %s leaves no room for a %v run after earliest start %s",
			w.Constraints.Deadline.Format(time.RFC3339), w.Duration, w.Constraints.EarliestStart.Format(time.RFC3339))
	}
	return nil
}

// TimeWindow is a half-open [Start, End) interval.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w TimeWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// DecisionState is the lifecycle state of a schedule decision.
type DecisionState string

const (
	StatePending    DecisionState = "PENDING"
	StateScheduled  DecisionState = "SCHEDULED"
	StateRunning    DecisionState = "RUNNING"
	StateCompleted  DecisionState = "COMPLETED"
	StateFailed     DecisionState = "FAILED"
	StateCancelled  DecisionState = "CANCELLED"
	StateSuperseded DecisionState = "SUPERSEDED"
)

func (s DecisionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateSuperseded:
		return true
	}
	return false
}

// validTransitions encodes the decision state machine. Anything not listed
// is an invariant violation, never silently ignored.
var validTransitions = map[DecisionState][]DecisionState{
	StatePending:   {StateScheduled, StateFailed, StateCancelled},
	StateScheduled: {StateRunning, StateSuperseded, StateCancelled, StateFailed},
	StateRunning:   {StateCompleted, StateFailed, StateCancelled},
}

func canTransition(from, to DecisionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ScheduleDecision is the durable outcome of scheduling one request.
// Superseded decisions stay in history; at most one per request is active.
type ScheduleDecision struct {
	ID                string        `json:"id"`
	RequestID         string        `json:"request_id"`
	RegionID          string        `json:"region_id"`
	Window            TimeWindow    `json:"scheduled_window"`
	State             DecisionState `json:"state"`
	Score             float64       `json:"score"`
	ProjectedCost     float64       `json:"projected_cost"`
	ProjectedCarbonKg float64       `json:"projected_carbon_kg"`
	Reasoning         string        `json:"reasoning,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	SupersededBy      string        `json:"superseded_by,omitempty"`
	ClaimID           string        `json:"-"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LastEvaluatedAt   time.Time     `json:"last_evaluated_at"`
}

// Candidate is an ephemeral (region, window) pairing under evaluation.
// Discarded after the decision commits.
type Candidate struct {
	RegionID          string
	Window            TimeWindow
	GreenScore        float64
	ProjectedCost     float64
	ProjectedCarbonKg float64
	Wait              time.Duration
	Score             float64
}

// RejectionReason says why a candidate failed a hard constraint.
type RejectionReason string

const (
	RejectNone                RejectionReason = ""
	RejectBeforeEarliestStart RejectionReason = "WINDOW_BEFORE_EARLIEST_START"
	RejectDeadlineMissed      RejectionReason = "DEADLINE_MISSED"
	RejectInsufficientCap     RejectionReason = "INSUFFICIENT_CAPACITY"
	RejectCostExceeded        RejectionReason = "COST_EXCEEDED"
	RejectCarbonExceeded      RejectionReason = "CARBON_EXCEEDED"
)

// Weights configures the scoring objective. Lower composite score wins.
type Weights struct {
	Carbon   float64 `json:"carbon"`
	Cost     float64 `json:"cost"`
	Wait     float64 `json:"wait"`
	Priority float64 `json:"priority"`
}

// DefaultWeights favors emissions over everything else.
func DefaultWeights() Weights {
	return Weights{Carbon: 0.5, Cost: 0.2, Wait: 0.2, Priority: 0.1}
}

// EngineConfig bounds the evaluation pipeline.
type EngineConfig struct {
	Weights Weights

	// EvaluationBudget is the per-request time budget for candidate
	// generation and scoring. No global lock is held while it runs.
	EvaluationBudget time.Duration

	// ClaimRetryLimit is the number of full selection passes allowed when
	// commits are raced out by concurrent claims.
	ClaimRetryLimit int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Weights:          DefaultWeights(),
		EvaluationBudget: 2 * time.Second,
		ClaimRetryLimit:  3,
	}
}
