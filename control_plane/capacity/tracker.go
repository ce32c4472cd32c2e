package capacity

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wattwise/wattwise/control_plane/observability"
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrUnknownRegion        = errors.New("unknown region")
	ErrClaimNotFound        = errors.New("claim not found")
)

// Claim reserves resource quantities in one region for a time window.
// Claims are immutable after creation; they are released, never resized.
type Claim struct {
	ID         string
	RegionID   string
	DecisionID string
	Demands    map[string]float64
	Start      time.Time
	End        time.Time
	CreatedAt  time.Time
}

// regionState is one mutual-exclusion domain. All claim accounting for a
// region happens under its lock, so claims across different regions proceed
// in parallel.
type regionState struct {
	id       string
	mu       sync.Mutex
	capacity map[string]float64
	claims   map[string]*Claim
}

// Tracker owns per-region inventory and outstanding claims. The outer lock
// only guards the region map; no claim work happens under it.
type Tracker struct {
	mu      sync.RWMutex
	regions map[string]*regionState
}

func NewTracker() *Tracker {
	return &Tracker{regions: make(map[string]*regionState)}
}

// SetCapacity upserts total inventory for one resource in a region.
// Called by the external inventory collaborator.
func (t *Tracker) SetCapacity(regionID, resource string, total float64) {
	t.mu.Lock()
	rs, ok := t.regions[regionID]
	if !ok {
		rs = &regionState{
			id:       regionID,
			capacity: make(map[string]float64),
			claims:   make(map[string]*Claim),
		}
		t.regions[regionID] = rs
	}
	t.mu.Unlock()

	rs.mu.Lock()
	rs.capacity[resource] = total
	rs.mu.Unlock()
}

// Regions returns known region ids in ascending order.
func (t *Tracker) Regions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.regions))
	for id := range t.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Capacity returns the total inventory for a resource, 0 if unknown.
func (t *Tracker) Capacity(regionID, resource string) float64 {
	rs := t.region(regionID)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.capacity[resource]
}

// Resources returns the resource keys a region has inventory for, sorted.
func (t *Tracker) Resources(regionID string) []string {
	rs := t.region(regionID)
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	keys := make([]string, 0, len(rs.capacity))
	for k := range rs.capacity {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasResource reports whether the region has any inventory of the resource.
func (t *Tracker) HasResource(regionID, resource string) bool {
	return t.Capacity(regionID, resource) > 0
}

func (t *Tracker) region(id string) *regionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.regions[id]
}

// TryClaim reserves demands for [start, end) or fails closed with
// ErrInsufficientCapacity. A resource demanded but absent from the region's
// inventory counts as zero capacity.
func (t *Tracker) TryClaim(regionID, decisionID string, demands map[string]float64, start, end time.Time) (*Claim, error) {
	rs := t.region(regionID)
	if rs == nil {
		return nil, ErrUnknownRegion
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.fits(demands, start, end) {
		return nil, ErrInsufficientCapacity
	}

	c := &Claim{
		ID:         uuid.NewString(),
		RegionID:   regionID,
		DecisionID: decisionID,
		Demands:    demands,
		Start:      start,
		End:        end,
		CreatedAt:  time.Now(),
	}
	rs.claims[c.ID] = c
	rs.publishGauges()
	return c, nil
}

// Release returns a claim's resources to the region. Releasing an already
// released claim is a no-op error the caller may ignore.
func (t *Tracker) Release(c *Claim) error {
	if c == nil {
		return ErrClaimNotFound
	}
	rs := t.region(c.RegionID)
	if rs == nil {
		return ErrUnknownRegion
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.claims[c.ID]; !ok {
		return ErrClaimNotFound
	}
	delete(rs.claims, c.ID)
	rs.publishGauges()
	return nil
}

// CanFit is the read-only feasibility probe used during candidate
// filtering. The answer may be invalidated by a concurrent claim; the
// commit path re-checks under the region lock.
func (t *Tracker) CanFit(regionID string, demands map[string]float64, start, end time.Time) bool {
	rs := t.region(regionID)
	if rs == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.fits(demands, start, end)
}

// Headroom returns the uncommitted quantity of a resource at one instant.
func (t *Tracker) Headroom(regionID, resource string, at time.Time) float64 {
	rs := t.region(regionID)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	used := 0.0
	for _, c := range rs.claims {
		if !c.Start.After(at) && c.End.After(at) {
			used += c.Demands[resource]
		}
	}
	h := rs.capacity[resource] - used
	if h < 0 {
		return 0
	}
	return h
}

// Move atomically releases old and commits a replacement claim, possibly in
// a different region. Region locks are taken in ascending id order so two
// concurrent moves can never deadlock. On failure the old claim is intact.
func (t *Tracker) Move(old *Claim, newRegionID, decisionID string, demands map[string]float64, start, end time.Time) (*Claim, error) {
	if old == nil {
		return nil, ErrClaimNotFound
	}
	oldRS := t.region(old.RegionID)
	newRS := t.region(newRegionID)
	if oldRS == nil || newRS == nil {
		return nil, ErrUnknownRegion
	}

	first, second := oldRS, newRS
	if first.id > second.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	if _, ok := oldRS.claims[old.ID]; !ok {
		return nil, ErrClaimNotFound
	}

	// Release before the fit check so a move within one region can reuse
	// the capacity it is giving back.
	delete(oldRS.claims, old.ID)

	if !newRS.fits(demands, start, end) {
		oldRS.claims[old.ID] = old
		return nil, ErrInsufficientCapacity
	}

	c := &Claim{
		ID:         uuid.NewString(),
		RegionID:   newRegionID,
		DecisionID: decisionID,
		Demands:    demands,
		Start:      start,
		End:        end,
		CreatedAt:  time.Now(),
	}
	newRS.claims[c.ID] = c
	oldRS.publishGauges()
	newRS.publishGauges()
	return c, nil
}

// fits checks every resource dimension against the worst instant of the
// window. Claims are interval-indexed, so partial overlaps are accounted
// exactly: peak usage is evaluated at each overlapping claim boundary.
// Caller holds rs.mu.
func (rs *regionState) fits(demands map[string]float64, start, end time.Time) bool {
	if !end.After(start) {
		return false
	}
	overlapping := make([]*Claim, 0, len(rs.claims))
	boundaries := []time.Time{start}
	for _, c := range rs.claims {
		if c.Start.Before(end) && c.End.After(start) {
			overlapping = append(overlapping, c)
			if c.Start.After(start) && c.Start.Before(end) {
				boundaries = append(boundaries, c.Start)
			}
		}
	}

	for resource, want := range demands {
		if want <= 0 {
			continue
		}
		total, ok := rs.capacity[resource]
		if !ok {
			return false
		}
		for _, at := range boundaries {
			used := 0.0
			for _, c := range overlapping {
				if !c.Start.After(at) && c.End.After(at) {
					used += c.Demands[resource]
				}
			}
			if used+want > total {
				return false
			}
		}
	}
	return true
}

// publishGauges pushes current reserved totals. Caller holds rs.mu.
func (rs *regionState) publishGauges() {
	reserved := make(map[string]float64, len(rs.capacity))
	for resource := range rs.capacity {
		reserved[resource] = 0
	}
	now := time.Now()
	for _, c := range rs.claims {
		if c.End.Before(now) {
			continue
		}
		for resource, qty := range c.Demands {
			reserved[resource] += qty
		}
	}
	for resource, qty := range reserved {
		observability.RegionClaimedResources.WithLabelValues(rs.id, resource).Set(qty)
	}
}
