package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wattwise/wattwise/control_plane/capacity"
	"github.com/wattwise/wattwise/control_plane/forecast"
	"github.com/wattwise/wattwise/control_plane/ledger"
	"github.com/wattwise/wattwise/control_plane/logger"
	"github.com/wattwise/wattwise/control_plane/observability"
	"github.com/wattwise/wattwise/control_plane/resilience"
	"github.com/wattwise/wattwise/control_plane/store"
)

// EventPublisher receives decision transitions for streaming to
// subscribers. Implementations must not block.
type EventPublisher interface {
	PublishDecision(d *ScheduleDecision)
}

// Engine owns the scheduling pipeline: enumerate candidates, filter,
// rank, commit the winning claim, and drive the decision state machine.
type Engine struct {
	feed      *forecast.Feed
	tracker   *capacity.Tracker
	ledger    *ledger.Ledger
	store     store.Store
	validator *Validator
	scorer    *Scorer
	cfg       EngineConfig
	events    EventPublisher

	// mu guards the maps below. It is never held during candidate
	// evaluation, only around map mutations and state transitions.
	mu              sync.RWMutex
	requests        map[string]*WorkloadRequest
	decisions       map[string]*ScheduleDecision
	activeByRequest map[string]string
	claims          map[string]*capacity.Claim

	now func() time.Time
}

func NewEngine(feed *forecast.Feed, tracker *capacity.Tracker, led *ledger.Ledger, st store.Store, cfg EngineConfig) *Engine {
	if cfg.EvaluationBudget <= 0 {
		cfg.EvaluationBudget = DefaultEngineConfig().EvaluationBudget
	}
	if cfg.ClaimRetryLimit <= 0 {
		cfg.ClaimRetryLimit = DefaultEngineConfig().ClaimRetryLimit
	}
	return &Engine{
		feed:            feed,
		tracker:         tracker,
		ledger:          led,
		store:           st,
		validator:       NewValidator(tracker),
		scorer:          NewScorer(cfg.Weights),
		cfg:             cfg,
		requests:        make(map[string]*WorkloadRequest),
		decisions:       make(map[string]*ScheduleDecision),
		activeByRequest: make(map[string]string),
		claims:          make(map[string]*capacity.Claim),
		now:             time.Now,
	}
}

// SetEventPublisher wires the decision stream. Optional.
func (e *Engine) SetEventPublisher(p EventPublisher) {
	e.events = p
}

// Submit evaluates and commits a schedule decision for the request. On
// failure the returned decision (if any) carries the terminal state and
// reason, so the caller always receives an explained outcome.
func (e *Engine) Submit(ctx context.Context, req *WorkloadRequest) (*ScheduleDecision, error) {
	if err := req.Validate(); err != nil {
		observability.SubmitRejections.WithLabelValues(string(resilience.CodeValidation)).Inc()
		return nil, err
	}

	now := e.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}

	e.mu.Lock()
	if activeID, ok := e.activeByRequest[req.ID]; ok {
		e.mu.Unlock()
		observability.SubmitRejections.WithLabelValues(string(resilience.CodeValidation)).Inc()
		return nil, resilience.Validation("request %s already has active decision %s", req.ID, activeID)
	}
	reqCopy := *req
	e.requests[req.ID] = &reqCopy

	d := &ScheduleDecision{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.decisions[d.ID] = d
	e.activeByRequest[req.ID] = d.ID
	e.mu.Unlock()

	e.persistRequest(ctx, &reqCopy)

	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.EvaluationBudget)
	defer cancel()

	ranked, rejected, err := e.evaluate(evalCtx, &reqCopy)
	if err != nil {
		return e.failDecision(ctx, d.ID, string(resilience.CodeTimeout)), resilience.Timeout(err)
	}

	// Commit best-first. A claim lost to a concurrent submission is
	// transient: re-run selection against refreshed capacity up to the
	// retry limit before declaring infeasibility.
	for pass := 0; pass < e.cfg.ClaimRetryLimit; pass++ {
		if pass > 0 {
			ranked, rejected, err = e.evaluate(evalCtx, &reqCopy)
			if err != nil {
				return e.failDecision(ctx, d.ID, string(resilience.CodeTimeout)), resilience.Timeout(err)
			}
		}
		for i := range ranked {
			cand := ranked[i]
			claim, claimErr := e.tracker.TryClaim(cand.RegionID, d.ID, reqCopy.Resources.Demands(), cand.Window.Start, cand.Window.End)
			if claimErr != nil {
				if errors.Is(claimErr, capacity.ErrInsufficientCapacity) {
					observability.ClaimConflicts.Inc()
				}
				continue
			}
			return e.commit(ctx, d.ID, &reqCopy, cand, claim)
		}
	}

	reason := string(resilience.CodeNoFeasibleCandidate)
	failed := e.failDecision(ctx, d.ID, reason)
	return failed, resilience.NoFeasibleCandidate("no feasible candidate for request %s (%s)", req.ID, summarizeRejections(rejected))
}

// evaluate enumerates, filters, and ranks candidates against one forecast
// snapshot. Bounded and deterministic: regions in id order, one candidate
// per admissible bucket start, no search beyond the horizon.
func (e *Engine) evaluate(ctx context.Context, req *WorkloadRequest) ([]Candidate, map[RejectionReason]int, error) {
	return e.evaluateSnapshot(ctx, req, e.feed.Snapshot())
}

func (e *Engine) evaluateSnapshot(ctx context.Context, req *WorkloadRequest, snap *forecast.Snapshot) ([]Candidate, map[RejectionReason]int, error) {
	started := time.Now()
	defer func() {
		observability.EvaluationSeconds.Observe(time.Since(started).Seconds())
	}()

	bucketLen := e.feed.BucketLength()
	now := e.now()
	earliest := req.EarliestStart(now)
	rejected := make(map[RejectionReason]int)

	var cands []Candidate
	for _, regionID := range snap.RegionIDs() {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !req.Constraints.AllowsRegion(regionID) {
			continue
		}
		if !e.regionHasGPUTypes(regionID, req.Resources) {
			continue
		}
		rf := snap.Region(regionID)
		if rf == nil || len(rf.Buckets) == 0 {
			continue
		}

		for _, b := range rf.Buckets {
			bucketEnd := b.Start.Add(bucketLen)
			if !bucketEnd.After(earliest) {
				continue
			}
			start := b.Start
			if start.Before(earliest) {
				start = earliest
			}
			win := TimeWindow{Start: start, End: start.Add(req.Duration)}
			if req.Constraints.Deadline != nil && win.End.After(*req.Constraints.Deadline) {
				rejected[RejectDeadlineMissed]++
				break // later buckets only end later
			}
			if !rf.Covered(win.Start, win.End, bucketLen) {
				break // window runs past the forecast horizon
			}

			cost, okCost := projectCost(req, rf, win, bucketLen)
			carbon, okCarbon := projectCarbonKg(req, rf, win, bucketLen)
			if !okCost || !okCarbon {
				break
			}
			green, _ := rf.AverageGreenScore(win.Start, win.End, bucketLen)

			cand := Candidate{
				RegionID:          regionID,
				Window:            win,
				GreenScore:        green,
				ProjectedCost:     cost,
				ProjectedCarbonKg: carbon,
				Wait:              start.Sub(now),
			}
			if reason := e.validator.Check(req, snap, &cand); reason != RejectNone {
				rejected[reason]++
				continue
			}
			cands = append(cands, cand)
		}
	}

	observability.CandidatesConsidered.Observe(float64(len(cands)))
	return e.scorer.Rank(req, cands), rejected, nil
}

// regionHasGPUTypes requires inventory for every requested GPU type; a
// region that has never stocked the accelerator can never host the job.
func (e *Engine) regionHasGPUTypes(regionID string, r ResourceRequirements) bool {
	for _, gpuType := range r.GPUTypes() {
		if !e.tracker.HasResource(regionID, GPUResource(gpuType)) {
			return false
		}
	}
	return true
}

// commit finalizes the winning candidate: the claim is already held, so
// only the engine maps and the decision itself change here.
func (e *Engine) commit(ctx context.Context, decisionID string, req *WorkloadRequest, cand Candidate, claim *capacity.Claim) (*ScheduleDecision, error) {
	now := e.now()

	e.mu.Lock()
	d := e.decisions[decisionID]
	if d == nil || !canTransition(d.State, StateScheduled) {
		e.mu.Unlock()
		_ = e.tracker.Release(claim)
		return nil, resilience.Invariant("decision %s cannot transition to SCHEDULED", decisionID)
	}
	d.State = StateScheduled
	d.RegionID = cand.RegionID
	d.Window = cand.Window
	d.Score = cand.Score
	d.ProjectedCost = cand.ProjectedCost
	d.ProjectedCarbonKg = cand.ProjectedCarbonKg
	d.Reasoning = buildReasoning(cand)
	d.ClaimID = claim.ID
	d.UpdatedAt = now
	d.LastEvaluatedAt = now
	e.claims[d.ID] = claim
	result := *d
	e.mu.Unlock()

	entry := e.ledger.Record(result.ID, result.RegionID, result.Window.Start, result.Window.End, result.ProjectedCarbonKg)
	e.persistLedgerEntry(ctx, entry)
	e.persistDecision(ctx, &result)
	e.publish(&result)
	observability.DecisionsTotal.WithLabelValues("scheduled").Inc()
	e.logDecision("SCHEDULE", &result, "")
	return &result, nil
}

// failDecision forces a pending decision to FAILED with a reason and
// returns a copy. Never silent: the reason travels on the decision.
func (e *Engine) failDecision(ctx context.Context, decisionID, reason string) *ScheduleDecision {
	now := e.now()

	e.mu.Lock()
	d := e.decisions[decisionID]
	if d == nil {
		e.mu.Unlock()
		return nil
	}
	if !canTransition(d.State, StateFailed) {
		e.mu.Unlock()
		return nil
	}
	d.State = StateFailed
	d.FailureReason = reason
	d.UpdatedAt = now
	delete(e.activeByRequest, d.RequestID)
	result := *d
	e.mu.Unlock()

	// Full save: a decision failing out of PENDING was never persisted.
	e.persistDecision(ctx, &result)
	e.publish(&result)
	observability.DecisionsTotal.WithLabelValues("failed").Inc()
	e.logDecision("FAIL", &result, reason)
	return &result
}

// OnStart records the executor's start signal. External signal only; the
// engine never self-transitions into RUNNING.
func (e *Engine) OnStart(ctx context.Context, decisionID string) error {
	return e.signalTransition(ctx, decisionID, StateRunning, "", nil)
}

// OnComplete finalizes the decision and its ledger entry. When no measured
// value is supplied the projection stands as the realized figure.
func (e *Engine) OnComplete(ctx context.Context, decisionID string, realizedCarbonKg *float64) error {
	return e.signalTransition(ctx, decisionID, StateCompleted, "", realizedCarbonKg)
}

// OnFail records an executor-reported failure.
func (e *Engine) OnFail(ctx context.Context, decisionID, reason string) error {
	return e.signalTransition(ctx, decisionID, StateFailed, reason, nil)
}

// Cancel aborts any non-terminal decision and releases its claim
// immediately. Explicit operator action.
func (e *Engine) Cancel(ctx context.Context, decisionID string) error {
	return e.signalTransition(ctx, decisionID, StateCancelled, "cancelled by caller", nil)
}

func (e *Engine) signalTransition(ctx context.Context, decisionID string, to DecisionState, reason string, realizedCarbonKg *float64) error {
	now := e.now()

	e.mu.Lock()
	d := e.decisions[decisionID]
	if d == nil {
		e.mu.Unlock()
		return resilience.NotFound("decision", decisionID)
	}
	if !canTransition(d.State, to) {
		from := d.State
		e.mu.Unlock()
		return resilience.Invariant("illegal transition %s -> %s for decision %s", from, to, decisionID)
	}
	d.State = to
	d.UpdatedAt = now
	if reason != "" {
		d.FailureReason = reason
	}
	var claim *capacity.Claim
	if to.Terminal() {
		claim = e.claims[d.ID]
		delete(e.claims, d.ID)
		delete(e.activeByRequest, d.RequestID)
	}
	result := *d
	e.mu.Unlock()

	if claim != nil {
		if err := e.tracker.Release(claim); err != nil && !errors.Is(err, capacity.ErrClaimNotFound) {
			logger.GetLogger().WithError(err).WithField("decision_id", decisionID).Warn("claim release failed")
		}
	}

	switch {
	case to == StateCompleted:
		realized := result.ProjectedCarbonKg
		if realizedCarbonKg != nil {
			realized = *realizedCarbonKg
		}
		if entry, err := e.ledger.Finalize(result.ID, realized); err == nil {
			e.persistLedgerEntry(ctx, entry)
		} else if !errors.Is(err, ledger.ErrNoEntry) {
			logger.GetLogger().WithError(err).WithField("decision_id", decisionID).Warn("ledger finalize failed")
		}
	case to.Terminal():
		// The window will never run; close the projection so it stops
		// counting as outstanding. ErrNoEntry means the decision never
		// reached SCHEDULED and has nothing on the ledger.
		if entry, err := e.ledger.Void(result.ID, outcomeLabel(to)); err == nil {
			e.persistLedgerEntry(ctx, entry)
		}
	}

	e.persistStateUpdate(ctx, &result)
	e.publish(&result)
	observability.DecisionsTotal.WithLabelValues(outcomeLabel(to)).Inc()
	e.logDecision(string(to), &result, reason)
	return nil
}

// supersede atomically re-routes a SCHEDULED decision to a better
// candidate found by the rebalancer. The old claim is released and the new
// one committed under the capacity tracker's two-region lock ordering, so
// there is no double-claim window.
func (e *Engine) supersede(ctx context.Context, decisionID string, cand Candidate) (*ScheduleDecision, error) {
	now := e.now()

	e.mu.Lock()
	d := e.decisions[decisionID]
	if d == nil {
		e.mu.Unlock()
		return nil, resilience.NotFound("decision", decisionID)
	}
	if d.State != StateScheduled {
		e.mu.Unlock()
		return nil, resilience.Invariant("decision %s is %s, not SCHEDULED", decisionID, d.State)
	}
	req := e.requests[d.RequestID]
	oldClaim := e.claims[d.ID]
	if req == nil || oldClaim == nil {
		e.mu.Unlock()
		return nil, resilience.Invariant("decision %s has no request or claim", decisionID)
	}

	newID := uuid.NewString()
	newClaim, err := e.tracker.Move(oldClaim, cand.RegionID, newID, req.Resources.Demands(), cand.Window.Start, cand.Window.End)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("supersede move: %w", err)
	}

	nd := &ScheduleDecision{
		ID:                newID,
		RequestID:         d.RequestID,
		RegionID:          cand.RegionID,
		Window:            cand.Window,
		State:             StateScheduled,
		Score:             cand.Score,
		ProjectedCost:     cand.ProjectedCost,
		ProjectedCarbonKg: cand.ProjectedCarbonKg,
		Reasoning:         buildReasoning(cand),
		ClaimID:           newClaim.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastEvaluatedAt:   now,
	}
	d.State = StateSuperseded
	d.SupersededBy = nd.ID
	d.UpdatedAt = now
	delete(e.claims, d.ID)
	e.decisions[nd.ID] = nd
	e.claims[nd.ID] = newClaim
	e.activeByRequest[d.RequestID] = nd.ID
	oldCopy := *d
	newCopy := *nd
	e.mu.Unlock()

	entry := e.ledger.Record(newCopy.ID, newCopy.RegionID, newCopy.Window.Start, newCopy.Window.End, newCopy.ProjectedCarbonKg)
	e.persistLedgerEntry(ctx, entry)
	if voided, err := e.ledger.Void(oldCopy.ID, "superseded"); err == nil {
		e.persistLedgerEntry(ctx, voided)
	}
	e.persistStateUpdate(ctx, &oldCopy)
	e.persistDecision(ctx, &newCopy)
	e.publish(&oldCopy)
	e.publish(&newCopy)
	observability.DecisionsTotal.WithLabelValues("superseded").Inc()
	observability.RebalanceSupersedes.Inc()
	e.logDecision("SUPERSEDE", &newCopy, "replaces "+oldCopy.ID)
	return &newCopy, nil
}

// touchEvaluated stamps a rebalancer pass that kept the decision.
func (e *Engine) touchEvaluated(decisionID string, score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d := e.decisions[decisionID]; d != nil && d.State == StateScheduled {
		d.LastEvaluatedAt = e.now()
		d.Score = score
	}
}

// GetDecision returns a copy of a decision by id.
func (e *Engine) GetDecision(decisionID string) (*ScheduleDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.decisions[decisionID]
	if !ok {
		return nil, resilience.NotFound("decision", decisionID)
	}
	cp := *d
	return &cp, nil
}

// ListDecisions returns copies filtered by state ("" = all), sorted by id.
func (e *Engine) ListDecisions(state DecisionState) []*ScheduleDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ScheduleDecision, 0, len(e.decisions))
	for _, d := range e.decisions {
		if state != "" && d.State != state {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetRequest returns a copy of a submitted request.
func (e *Engine) GetRequest(requestID string) (*WorkloadRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.requests[requestID]
	if !ok {
		return nil, resilience.NotFound("request", requestID)
	}
	cp := *r
	return &cp, nil
}

func (e *Engine) publish(d *ScheduleDecision) {
	if e.events != nil {
		cp := *d
		e.events.PublishDecision(&cp)
	}
}

func (e *Engine) persistRequest(ctx context.Context, req *WorkloadRequest) {
	if e.store == nil {
		return
	}
	rec := &store.WorkloadRecord{
		ID:               req.ID,
		Name:             req.Name,
		WorkloadType:     string(req.Type),
		Priority:         string(req.Priority),
		DurationSeconds:  req.Duration.Seconds(),
		GPUs:             req.Resources.GPUs,
		CPUCores:         req.Resources.CPUCores,
		MemoryGB:         req.Resources.MemoryGB,
		MaxCostPerHour:   req.Constraints.MaxCostPerHour,
		MaxCarbonKg:      req.Constraints.MaxCarbonKg,
		Deadline:         req.Constraints.Deadline,
		EarliestStart:    req.Constraints.EarliestStart,
		PreferredRegions: req.Constraints.PreferredRegions,
		SubmittedAt:      req.SubmittedAt,
	}
	if err := e.store.SaveRequest(ctx, rec); err != nil {
		logger.GetLogger().WithError(err).WithField("request_id", req.ID).Warn("request persist failed")
	}
}

func (e *Engine) persistDecision(ctx context.Context, d *ScheduleDecision) {
	if e.store == nil {
		return
	}
	rec := &store.DecisionRecord{
		ID:                d.ID,
		RequestID:         d.RequestID,
		RegionID:          d.RegionID,
		State:             string(d.State),
		WindowStart:       d.Window.Start,
		WindowEnd:         d.Window.End,
		Score:             d.Score,
		ProjectedCost:     d.ProjectedCost,
		ProjectedCarbonKg: d.ProjectedCarbonKg,
		Reasoning:         d.Reasoning,
		FailureReason:     d.FailureReason,
		SupersededBy:      d.SupersededBy,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
	if err := e.store.SaveDecision(ctx, rec); err != nil {
		logger.GetLogger().WithError(err).WithField("decision_id", d.ID).Warn("decision persist failed")
	}
}

// persistStateUpdate writes only the mutable fields of an existing record.
func (e *Engine) persistStateUpdate(ctx context.Context, d *ScheduleDecision) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateDecisionState(ctx, d.ID, string(d.State), d.FailureReason, d.SupersededBy, d.UpdatedAt); err != nil {
		logger.GetLogger().WithError(err).WithField("decision_id", d.ID).Warn("decision state persist failed")
	}
}

func (e *Engine) persistLedgerEntry(ctx context.Context, entry ledger.Entry) {
	if e.store == nil {
		return
	}
	rec := &store.LedgerRecord{
		ID:          entry.ID,
		DecisionID:  entry.DecisionID,
		RegionID:    entry.RegionID,
		WindowStart: entry.WindowStart,
		WindowEnd:   entry.WindowEnd,
		ProjectedKg: entry.ProjectedKg,
		RealizedKg:  entry.RealizedKg,
		RecordedAt:  entry.RecordedAt,
		Note:        entry.Note,
	}
	if err := e.store.AppendLedgerEntry(ctx, rec); err != nil {
		logger.GetLogger().WithError(err).WithField("decision_id", entry.DecisionID).Warn("ledger persist failed")
	}
}

func (e *Engine) logDecision(action string, d *ScheduleDecision, detail string) {
	logger.GetLogger().WithFields(logrus.Fields{
		"component":   "engine",
		"action":      action,
		"decision_id": d.ID,
		"request_id":  d.RequestID,
		"region":      d.RegionID,
		"state":       string(d.State),
		"window":      d.Window.String(),
		"carbon_kg":   d.ProjectedCarbonKg,
		"cost":        d.ProjectedCost,
		"detail":      detail,
	}).Info("scheduling decision")
}

func outcomeLabel(s DecisionState) string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateSuperseded:
		return "superseded"
	default:
		return "other"
	}
}

func buildReasoning(c Candidate) string {
	return fmt.Sprintf(
		"Selected %s for window %s: green score %.2f, projected %.3f kgCO2e, projected cost %.2f, wait %s.",
		c.RegionID, c.Window, c.GreenScore, c.ProjectedCarbonKg, c.ProjectedCost, c.Wait.Round(time.Second),
	)
}

func summarizeRejections(rejected map[RejectionReason]int) string {
	if len(rejected) == 0 {
		return "no candidate windows in forecast horizon"
	}
	reasons := make([]string, 0, len(rejected))
	for r := range rejected {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s x%d", r, rejected[RejectionReason(r)])
	}
	return out
}
