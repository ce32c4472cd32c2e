package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/wattwise/wattwise/control_plane/forecast"
	"github.com/wattwise/wattwise/control_plane/logger"
)

// forecastPublishRequest carries one region's refreshed forecast buckets.
type forecastPublishRequest struct {
	RegionID string `json:"region_id"`
	Buckets  []struct {
		Start           time.Time `json:"start"`
		GreenScore      float64   `json:"green_score"`
		CarbonIntensity float64   `json:"carbon_intensity"`
		PricePerHour    float64   `json:"price_per_hour"`
	} `json:"buckets"`
}

func (a *API) handlePublishForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body forecastPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.RegionID == "" || len(body.Buckets) == 0 {
		http.Error(w, "region_id and buckets are required", http.StatusBadRequest)
		return
	}

	buckets := make([]forecast.Bucket, 0, len(body.Buckets))
	for _, b := range body.Buckets {
		buckets = append(buckets, forecast.Bucket{
			Start:           b.Start,
			GreenScore:      b.GreenScore,
			CarbonIntensity: b.CarbonIntensity,
			PricePerHour:    b.PricePerHour,
		})
	}
	// One snapshot swap per refresh, so evaluations never race a
	// half-ingested horizon.
	a.feed.PublishBatch(body.RegionID, buckets)

	logger.GetLogger().WithField("region", body.RegionID).
		WithField("buckets", len(body.Buckets)).Info("forecast published")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"region_id": body.RegionID,
		"buckets":   len(body.Buckets),
		"version":   a.feed.Snapshot().Version(),
	})
}

// capacityUpdateRequest sets a region's total capacity per resource key.
type capacityUpdateRequest struct {
	Resources map[string]float64 `json:"resources"`
}

func (a *API) handleSetCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	regionID := strings.TrimPrefix(r.URL.Path, "/regions/")
	regionID = strings.TrimSuffix(regionID, "/capacity")
	if regionID == "" || strings.Contains(regionID, "/") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	var body capacityUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Resources) == 0 {
		http.Error(w, "resources are required", http.StatusBadRequest)
		return
	}

	for resource, total := range body.Resources {
		if total < 0 {
			http.Error(w, "capacity must be non-negative", http.StatusBadRequest)
			return
		}
		a.tracker.SetCapacity(regionID, resource, total)
	}

	logger.GetLogger().WithField("region", regionID).Info("capacity updated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// regionScore is the current per-region view exposed to operators.
type regionScore struct {
	RegionID        string             `json:"region_id"`
	GreenScore      float64            `json:"green_score"`
	CarbonIntensity float64            `json:"carbon_intensity"`
	PricePerHour    float64            `json:"price_per_hour"`
	ForecastBuckets int                `json:"forecast_buckets"`
	Headroom        map[string]float64 `json:"headroom"`
}

// handleRegionScores reports the freshest bucket per region plus current
// capacity headroom, the at-a-glance dashboard view.
func (a *API) handleRegionScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := a.feed.Snapshot()
	now := time.Now()
	out := make([]regionScore, 0)
	for _, regionID := range snap.RegionIDs() {
		rf := snap.Region(regionID)
		if rf == nil || len(rf.Buckets) == 0 {
			continue
		}
		// Prefer the bucket covering now, else the first future one.
		cur := rf.Buckets[0]
		for _, b := range rf.Buckets {
			if b.Start.After(now) {
				break
			}
			cur = b
		}

		headroom := make(map[string]float64)
		for _, resource := range a.tracker.Resources(regionID) {
			headroom[resource] = a.tracker.Headroom(regionID, resource, now)
		}

		out = append(out, regionScore{
			RegionID:        regionID,
			GreenScore:      cur.GreenScore,
			CarbonIntensity: cur.CarbonIntensity,
			PricePerHour:    cur.PricePerHour,
			ForecastBuckets: len(rf.Buckets),
			Headroom:        headroom,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": snap.Version(),
		"regions": out,
	})
}

// handleLedgerSummary aggregates projected and realized emissions, optionally
// filtered by region and a [from, to) finalization window.
func (a *API) handleLedgerSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	region := q.Get("region")

	from := time.Time{}
	to := time.Now().Add(24 * time.Hour)
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "invalid from timestamp, expected RFC3339", http.StatusBadRequest)
			return
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "invalid to timestamp, expected RFC3339", http.StatusBadRequest)
			return
		}
		to = t
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"region":       region,
		"projected_kg": a.ledger.SumProjected(region),
		"realized_kg":  a.ledger.SumRealized(region, from, to),
	})
}
