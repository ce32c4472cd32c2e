package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wattwise/wattwise/control_plane/forecast"
	"github.com/wattwise/wattwise/control_plane/logger"
	"github.com/wattwise/wattwise/control_plane/observability"
)

// RebalancerConfig tunes the periodic re-evaluation of SCHEDULED decisions.
type RebalancerConfig struct {
	Interval time.Duration
	// SafetyMargin freezes decisions whose window starts within this
	// horizon; moving a job about to launch causes churn, not savings.
	SafetyMargin time.Duration
	// ImprovementThreshold is the minimum score improvement, in
	// normalized score units, required before superseding. Guards
	// against oscillation on forecast noise.
	ImprovementThreshold float64
}

func DefaultRebalancerConfig() RebalancerConfig {
	return RebalancerConfig{
		Interval:             5 * time.Minute,
		SafetyMargin:         15 * time.Minute,
		ImprovementThreshold: 0.1,
	}
}

// Rebalancer periodically re-evaluates scheduled decisions against fresh
// forecasts and supersedes those with a materially better placement.
// Single goroutine; each pass is idempotent when forecasts are unchanged.
type Rebalancer struct {
	engine *Engine
	cfg    RebalancerConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRebalancer(engine *Engine, cfg RebalancerConfig) *Rebalancer {
	def := DefaultRebalancerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.ImprovementThreshold <= 0 {
		cfg.ImprovementThreshold = def.ImprovementThreshold
	}
	return &Rebalancer{
		engine: engine,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the periodic loop. Returns immediately.
func (r *Rebalancer) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight pass to finish.
func (r *Rebalancer) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// RunOnce performs a single rebalancing pass over all SCHEDULED decisions.
// A failure on one decision never blocks the rest of the pass.
func (r *Rebalancer) RunOnce(ctx context.Context) {
	log := logger.GetLogger().WithField("component", "rebalancer")
	scheduled := r.engine.ListDecisions(StateScheduled)
	moved := 0
	for _, d := range scheduled {
		if ctx.Err() != nil {
			return
		}
		if r.rebalanceOne(ctx, d) {
			moved++
		}
	}
	if len(scheduled) > 0 {
		log.WithFields(logrus.Fields{
			"scheduled": len(scheduled),
			"moved":     moved,
		}).Debug("rebalance pass complete")
	}
}

func (r *Rebalancer) rebalanceOne(ctx context.Context, d *ScheduleDecision) bool {
	e := r.engine
	log := logger.GetLogger().WithFields(logrus.Fields{
		"component":   "rebalancer",
		"decision_id": d.ID,
	})
	now := e.now()

	if d.Window.Start.Sub(now) <= r.cfg.SafetyMargin {
		observability.RebalanceSkips.WithLabelValues("frozen").Inc()
		return false
	}

	req, err := e.GetRequest(d.RequestID)
	if err != nil {
		observability.RebalanceSkips.WithLabelValues("error").Inc()
		log.WithError(err).Warn("rebalance skipped, request missing")
		return false
	}

	// One snapshot for both the alternatives and the current placement,
	// so every score comes from the same forecast version.
	snap := e.feed.Snapshot()
	cur, ok := r.currentCandidate(req, d, snap)
	if !ok {
		// Forecast no longer covers the committed window. The claim is
		// already held, so the decision stands as-is.
		observability.RebalanceSkips.WithLabelValues("uncovered").Inc()
		return false
	}

	alts, _, err := e.evaluateSnapshot(ctx, req, snap)
	if err != nil {
		observability.RebalanceSkips.WithLabelValues("error").Inc()
		log.WithError(err).Warn("rebalance evaluation failed")
		return false
	}

	// Rank the current placement inside the same candidate set so the
	// normalization ranges match.
	ranked := e.scorer.Rank(req, append(alts, cur))
	best := ranked[0]
	curScore := scoreOf(ranked, cur)

	if best.RegionID == d.RegionID && best.Window.Start.Equal(d.Window.Start) {
		e.touchEvaluated(d.ID, curScore)
		observability.RebalanceSkips.WithLabelValues("no_improvement").Inc()
		return false
	}
	if curScore-best.Score < r.cfg.ImprovementThreshold {
		e.touchEvaluated(d.ID, curScore)
		observability.RebalanceSkips.WithLabelValues("below_threshold").Inc()
		return false
	}

	nd, err := e.supersede(ctx, d.ID, best)
	if err != nil {
		// Capacity raced away or the decision moved state underneath us.
		// The original decision keeps its claim; try again next pass.
		observability.RebalanceSkips.WithLabelValues("move_failed").Inc()
		log.WithError(err).Warn("supersede failed, decision retained")
		return false
	}
	log.WithFields(logrus.Fields{
		"new_decision_id": nd.ID,
		"from_region":     d.RegionID,
		"to_region":       nd.RegionID,
		"score_before":    curScore,
		"score_after":     nd.Score,
	}).Info("decision superseded")
	return true
}

// currentCandidate re-projects the committed placement from the fresh
// snapshot. Capacity is not re-checked: the decision already holds its claim.
func (r *Rebalancer) currentCandidate(req *WorkloadRequest, d *ScheduleDecision, snap *forecast.Snapshot) (Candidate, bool) {
	rf := snap.Region(d.RegionID)
	bucketLen := r.engine.feed.BucketLength()
	if rf == nil || !rf.Covered(d.Window.Start, d.Window.End, bucketLen) {
		return Candidate{}, false
	}
	cost, okCost := projectCost(req, rf, d.Window, bucketLen)
	carbon, okCarbon := projectCarbonKg(req, rf, d.Window, bucketLen)
	if !okCost || !okCarbon {
		return Candidate{}, false
	}
	green, _ := rf.AverageGreenScore(d.Window.Start, d.Window.End, bucketLen)
	wait := d.Window.Start.Sub(r.engine.now())
	if wait < 0 {
		wait = 0
	}
	return Candidate{
		RegionID:          d.RegionID,
		Window:            d.Window,
		GreenScore:        green,
		ProjectedCost:     cost,
		ProjectedCarbonKg: carbon,
		Wait:              wait,
	}, true
}

// scoreOf finds the ranked score of the current placement by identity
// (region + window start).
func scoreOf(ranked []Candidate, cur Candidate) float64 {
	for i := range ranked {
		if ranked[i].RegionID == cur.RegionID && ranked[i].Window.Start.Equal(cur.Window.Start) {
			return ranked[i].Score
		}
	}
	return cur.Score
}
