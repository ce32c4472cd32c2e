package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegionGreenScore tracks the latest published green energy score.
	RegionGreenScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wattwise_region_green_score",
		Help: "Latest green energy score by region (0-1)",
	}, []string{"region"})

	// RegionCarbonIntensity tracks the latest carbon intensity per region.
	RegionCarbonIntensity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wattwise_region_carbon_intensity_gco2_kwh",
		Help: "Latest carbon intensity by region in gCO2/kWh",
	}, []string{"region"})

	// RegionPricePerHour tracks the latest compute price per region.
	RegionPricePerHour = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wattwise_region_price_per_hour",
		Help: "Latest compute price by region per hour",
	}, []string{"region"})

	// RegionClaimedResources tracks currently reserved quantities.
	RegionClaimedResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wattwise_region_claimed_resources",
		Help: "Resource quantity currently reserved by active claims",
	}, []string{"region", "resource"})

	// DecisionsTotal counts decision outcomes.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wattwise_decisions_total",
		Help: "Total scheduling decisions by outcome",
	}, []string{"outcome"})

	// SubmitRejections counts submissions rejected before evaluation.
	SubmitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wattwise_submit_rejections_total",
		Help: "Workload submissions rejected by admission control",
	}, []string{"reason"})

	// EvaluationSeconds tracks candidate generation + scoring duration.
	EvaluationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wattwise_evaluation_seconds",
		Help:    "Duration of candidate evaluation for one request",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// CandidatesConsidered tracks the evaluated candidate set size.
	CandidatesConsidered = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wattwise_candidates_considered",
		Help:    "Number of feasible candidates per scheduling decision",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// ClaimConflicts counts claims raced out by concurrent submissions.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wattwise_claim_conflicts_total",
		Help: "Capacity claims lost to a concurrent submission",
	})

	// RebalanceSupersedes counts decisions re-routed by the rebalancer.
	RebalanceSupersedes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wattwise_rebalance_supersedes_total",
		Help: "Scheduled decisions superseded by a materially better candidate",
	})

	// RebalanceSkips counts decisions the rebalancer left alone.
	RebalanceSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wattwise_rebalance_skips_total",
		Help: "Rebalancer evaluations that did not supersede",
	}, []string{"reason"})

	// ProjectedCarbonKg accumulates projected emissions at schedule time.
	ProjectedCarbonKg = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wattwise_projected_carbon_kg_total",
		Help: "Projected carbon emissions committed at scheduling time",
	})

	// RealizedCarbonKg accumulates realized emissions at completion.
	RealizedCarbonKg = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wattwise_realized_carbon_kg_total",
		Help: "Realized carbon emissions reported at completion",
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wattwise_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// ConnectedStreamClients tracks live websocket subscribers.
	ConnectedStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wattwise_connected_stream_clients",
		Help: "Current number of connected event stream clients",
	})
)
