package scheduler

import (
	"time"

	"github.com/wattwise/wattwise/control_plane/forecast"
)

// Per-accelerator draw in watts and relative hourly cost multipliers.
// Unknown GPU types contribute the conservative defaults.
var gpuWatts = map[string]float64{
	"A100": 400,
	"V100": 300,
	"T4":   70,
}

var gpuCostMultiplier = map[string]float64{
	"A100": 3.0,
	"V100": 2.0,
	"T4":   1.0,
}

const (
	baseWatts            = 100
	defaultGPUWatts      = 300
	defaultGPUCostFactor = 2.0
	memoryCostPerGBHour  = 0.001
	cpuCostPerCoreHour   = 0.05
)

// powerWatts estimates the workload's steady-state draw from its resource
// footprint.
func powerWatts(r ResourceRequirements) float64 {
	watts := float64(baseWatts)
	for gpuType, count := range r.GPUs {
		w, ok := gpuWatts[gpuType]
		if !ok {
			w = defaultGPUWatts
		}
		watts += w * float64(count)
	}
	return watts
}

// costMultiplier scales the regional base price by the GPU footprint.
func costMultiplier(r ResourceRequirements) float64 {
	m := 1.0
	for gpuType, count := range r.GPUs {
		f, ok := gpuCostMultiplier[gpuType]
		if !ok {
			f = defaultGPUCostFactor
		}
		m += f * float64(count)
	}
	return m
}

// projectCost integrates the region's forecast price over the window and
// applies the resource footprint. Returns false when the forecast does not
// cover the window.
func projectCost(req *WorkloadRequest, rf *forecast.RegionForecast, win TimeWindow, bucketLen time.Duration) (float64, bool) {
	avgPrice, ok := rf.AveragePrice(win.Start, win.End, bucketLen)
	if !ok {
		return 0, false
	}
	hours := win.Duration().Hours()
	hourly := avgPrice*costMultiplier(req.Resources) +
		req.Resources.MemoryGB*memoryCostPerGBHour +
		float64(req.Resources.CPUCores)*cpuCostPerCoreHour
	return hourly * hours, true
}

// projectCarbonKg integrates carbon intensity over the window, weighted by
// the workload's power draw. Result in kg CO2e.
func projectCarbonKg(req *WorkloadRequest, rf *forecast.RegionForecast, win TimeWindow, bucketLen time.Duration) (float64, bool) {
	avgCI, ok := rf.AverageCarbonIntensity(win.Start, win.End, bucketLen)
	if !ok {
		return 0, false
	}
	energyKWh := powerWatts(req.Resources) / 1000 * win.Duration().Hours()
	return energyKWh * avgCI / 1000, true
}
