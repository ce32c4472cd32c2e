package scheduler

import (
	"github.com/wattwise/wattwise/control_plane/capacity"
	"github.com/wattwise/wattwise/control_plane/forecast"
)

// Validator applies the hard constraints to one candidate. Pure reads: it
// never claims, and checks run in a fixed order so rejections are
// deterministic and testable.
type Validator struct {
	tracker *capacity.Tracker
}

func NewValidator(tracker *capacity.Tracker) *Validator {
	return &Validator{tracker: tracker}
}

// Check evaluates a candidate whose projections are already computed
// against the same forecast snapshot. Short-circuits on the first failed
// constraint.
func (v *Validator) Check(req *WorkloadRequest, snap *forecast.Snapshot, cand *Candidate) RejectionReason {
	// 1. Window must not start before the effective earliest start.
	if req.Constraints.EarliestStart != nil && cand.Window.Start.Before(*req.Constraints.EarliestStart) {
		return RejectBeforeEarliestStart
	}

	// 2. Window must finish by the deadline.
	if req.Constraints.Deadline != nil && cand.Window.End.After(*req.Constraints.Deadline) {
		return RejectDeadlineMissed
	}

	// 3. Uncommitted headroom for every resource dimension over the
	// whole window. Advisory: commit re-checks under the region lock.
	if !v.tracker.CanFit(cand.RegionID, req.Resources.Demands(), cand.Window.Start, cand.Window.End) {
		return RejectInsufficientCap
	}

	// 4. Projected cost against the hourly ceiling integrated over the
	// window.
	if req.Constraints.MaxCostPerHour > 0 {
		budget := req.Constraints.MaxCostPerHour * cand.Window.Duration().Hours()
		if cand.ProjectedCost > budget {
			return RejectCostExceeded
		}
	}

	// 5. Projected emissions against the carbon ceiling.
	if req.Constraints.MaxCarbonKg > 0 && cand.ProjectedCarbonKg > req.Constraints.MaxCarbonKg {
		return RejectCarbonExceeded
	}

	return RejectNone
}
