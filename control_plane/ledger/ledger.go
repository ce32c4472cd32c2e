package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wattwise/wattwise/control_plane/observability"
)

var ErrNoEntry = errors.New("no ledger entry for decision")

// Entry is one append-only audit record of emissions attributed to a
// decision. RealizedKg is written exactly once, at completion; any later
// adjustment is a new additive entry, never an edit.
type Entry struct {
	ID          string     `json:"id"`
	DecisionID  string     `json:"decision_id"`
	RegionID    string     `json:"region_id"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	ProjectedKg float64    `json:"projected_kg"`
	RealizedKg  *float64   `json:"realized_kg,omitempty"`
	RecordedAt  time.Time  `json:"recorded_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Note        string     `json:"note,omitempty"`
}

// Ledger accumulates projected and realized emissions per decision.
// Entries are never deleted.
type Ledger struct {
	mu         sync.RWMutex
	entries    []Entry
	byDecision map[string][]int
}

func New() *Ledger {
	return &Ledger{byDecision: make(map[string][]int)}
}

// Record appends a projection entry at scheduling (or supersede) time.
func (l *Ledger) Record(decisionID, regionID string, windowStart, windowEnd time.Time, projectedKg float64) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		ID:          uuid.NewString(),
		DecisionID:  decisionID,
		RegionID:    regionID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		ProjectedKg: projectedKg,
		RecordedAt:  time.Now(),
	}
	l.append(e)
	observability.ProjectedCarbonKg.Add(projectedKg)
	return e
}

// Finalize writes realized emissions for a decision. The latest open entry
// receives the value; if every entry is already finalized, an additive
// correction entry is appended instead.
func (l *Ledger) Finalize(decisionID string, realizedKg float64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idxs := l.byDecision[decisionID]
	if len(idxs) == 0 {
		return Entry{}, ErrNoEntry
	}

	now := time.Now()
	for i := len(idxs) - 1; i >= 0; i-- {
		e := &l.entries[idxs[i]]
		if e.RealizedKg == nil {
			v := realizedKg
			e.RealizedKg = &v
			e.FinalizedAt = &now
			observability.RealizedCarbonKg.Add(realizedKg)
			return *e, nil
		}
	}

	// All entries finalized already: append a correction.
	base := l.entries[idxs[len(idxs)-1]]
	v := realizedKg
	e := Entry{
		ID:          uuid.NewString(),
		DecisionID:  decisionID,
		RegionID:    base.RegionID,
		WindowStart: base.WindowStart,
		WindowEnd:   base.WindowEnd,
		RealizedKg:  &v,
		RecordedAt:  now,
		FinalizedAt: &now,
		Note:        "correction",
	}
	l.append(e)
	observability.RealizedCarbonKg.Add(realizedKg)
	return e, nil
}

// Void closes the open projection for a decision whose window will never
// run (superseded, cancelled, failed after scheduling). The entry is
// finalized at zero realized emissions so it stops counting as outstanding;
// nothing is deleted.
func (l *Ledger) Void(decisionID, note string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idxs := l.byDecision[decisionID]
	now := time.Now()
	for i := len(idxs) - 1; i >= 0; i-- {
		e := &l.entries[idxs[i]]
		if e.RealizedKg == nil {
			zero := 0.0
			e.RealizedKg = &zero
			e.FinalizedAt = &now
			if e.Note == "" {
				e.Note = note
			}
			return *e, nil
		}
	}
	return Entry{}, ErrNoEntry
}

// Entries returns the audit trail for one decision, oldest first.
func (l *Ledger) Entries(decisionID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byDecision[decisionID]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.entries[i])
	}
	return out
}

// SumRealized aggregates realized emissions recorded in [from, to).
// Empty regionID aggregates across all regions. Read-only reporting path,
// never consulted by scheduling.
func (l *Ledger) SumRealized(regionID string, from, to time.Time) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := 0.0
	for i := range l.entries {
		e := &l.entries[i]
		if e.RealizedKg == nil {
			continue
		}
		if regionID != "" && e.RegionID != regionID {
			continue
		}
		if e.FinalizedAt == nil || e.FinalizedAt.Before(from) || !e.FinalizedAt.Before(to) {
			continue
		}
		sum += *e.RealizedKg
	}
	return sum
}

// SumProjected aggregates outstanding projections (entries not yet
// finalized) per region, or all regions for empty regionID.
func (l *Ledger) SumProjected(regionID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := 0.0
	for i := range l.entries {
		e := &l.entries[i]
		if e.RealizedKg != nil {
			continue
		}
		if regionID != "" && e.RegionID != regionID {
			continue
		}
		sum += e.ProjectedKg
	}
	return sum
}

// append assumes l.mu is held.
func (l *Ledger) append(e Entry) {
	l.entries = append(l.entries, e)
	l.byDecision[e.DecisionID] = append(l.byDecision[e.DecisionID], len(l.entries)-1)
}
