package forecast

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wattwise/wattwise/control_plane/observability"
)

// Bucket is one forecast slot for a region: how green, how dirty, and how
// expensive compute is expected to be starting at Start.
type Bucket struct {
	Start           time.Time `json:"start"`
	GreenScore      float64   `json:"green_score"`       // 0-1
	CarbonIntensity float64   `json:"carbon_intensity"`  // gCO2/kWh
	PricePerHour    float64   `json:"price_per_hour"`
}

// RegionForecast is an immutable, sorted series of buckets for one region.
// Instances inside a Snapshot are never mutated; updates build new ones.
type RegionForecast struct {
	RegionID string
	Buckets  []Bucket
}

// Snapshot is a consistent view of every region's forecast. Readers never
// observe a half-applied refresh: the feed swaps whole snapshots.
type Snapshot struct {
	version int64
	regions map[string]*RegionForecast
}

func (s *Snapshot) Version() int64 { return s.version }

func (s *Snapshot) Region(id string) *RegionForecast {
	return s.regions[id]
}

// RegionIDs returns region ids in lexicographic order. Deterministic
// iteration keeps candidate generation reproducible.
func (s *Snapshot) RegionIDs() []string {
	ids := make([]string, 0, len(s.regions))
	for id := range s.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Feed holds the latest per-region forecast series. Single writer, many
// readers: Publish is serialized by a mutex, readers load an atomic snapshot
// pointer and never block.
type Feed struct {
	bucketLen time.Duration
	horizon   int

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

func NewFeed(bucketLen time.Duration, horizon int) *Feed {
	f := &Feed{bucketLen: bucketLen, horizon: horizon}
	f.snap.Store(&Snapshot{regions: map[string]*RegionForecast{}})
	return f
}

func (f *Feed) BucketLength() time.Duration { return f.bucketLen }
func (f *Feed) Horizon() int                { return f.horizon }

// Snapshot returns the current consistent view.
func (f *Feed) Snapshot() *Snapshot {
	return f.snap.Load()
}

// Publish upserts one (region, bucket) slot. The bucket start is truncated
// to the feed's bucket boundary, so republishing the same observation is
// idempotent. Buckets older than horizon behind the newest are pruned.
func (f *Feed) Publish(regionID string, bucketStart time.Time, greenScore, carbonIntensity, pricePerHour float64) {
	f.PublishBatch(regionID, []Bucket{{
		Start:           bucketStart,
		GreenScore:      greenScore,
		CarbonIntensity: carbonIntensity,
		PricePerHour:    pricePerHour,
	}})
}

// PublishBatch applies one region's forecast refresh in a single snapshot
// swap. Evaluations pinned to either snapshot see the horizon fully before
// or fully after the refresh, never a half-ingested series.
func (f *Feed) PublishBatch(regionID string, incoming []Bucket) {
	if len(incoming) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Normalize starts and dedupe slots within the batch, last write wins.
	replaced := make(map[int64]int, len(incoming))
	fresh := make([]Bucket, 0, len(incoming))
	for _, b := range incoming {
		b.Start = b.Start.Truncate(f.bucketLen)
		if i, ok := replaced[b.Start.UnixNano()]; ok {
			fresh[i] = b
			continue
		}
		replaced[b.Start.UnixNano()] = len(fresh)
		fresh = append(fresh, b)
	}

	cur := f.snap.Load()
	next := make(map[string]*RegionForecast, len(cur.regions)+1)
	for id, rf := range cur.regions {
		next[id] = rf
	}

	var buckets []Bucket
	if rf, ok := cur.regions[regionID]; ok {
		buckets = make([]Bucket, 0, len(rf.Buckets)+len(fresh))
		for _, b := range rf.Buckets {
			if _, ok := replaced[b.Start.UnixNano()]; ok {
				continue
			}
			buckets = append(buckets, b)
		}
	}
	buckets = append(buckets, fresh...)
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })

	if len(buckets) > f.horizon {
		buckets = buckets[len(buckets)-f.horizon:]
	}

	next[regionID] = &RegionForecast{RegionID: regionID, Buckets: buckets}
	f.snap.Store(&Snapshot{version: cur.version + 1, regions: next})

	latest := fresh[0]
	for _, b := range fresh[1:] {
		if b.Start.After(latest.Start) {
			latest = b
		}
	}
	observability.RegionGreenScore.WithLabelValues(regionID).Set(latest.GreenScore)
	observability.RegionCarbonIntensity.WithLabelValues(regionID).Set(latest.CarbonIntensity)
	observability.RegionPricePerHour.WithLabelValues(regionID).Set(latest.PricePerHour)
}

// FirstBucketAtOrAfter returns the start of the first bucket whose slot
// begins at or after t, aligned to the region's published series.
func (r *RegionForecast) FirstBucketAtOrAfter(t time.Time) (time.Time, bool) {
	for _, b := range r.Buckets {
		if !b.Start.Before(t) {
			return b.Start, true
		}
	}
	return time.Time{}, false
}

// HorizonEnd is the exclusive end of the forecast coverage.
func (r *RegionForecast) HorizonEnd(bucketLen time.Duration) time.Time {
	if len(r.Buckets) == 0 {
		return time.Time{}
	}
	return r.Buckets[len(r.Buckets)-1].Start.Add(bucketLen)
}

// Covered reports whether [start, end) lies entirely inside published
// buckets with no gaps.
func (r *RegionForecast) Covered(start, end time.Time, bucketLen time.Duration) bool {
	covered := time.Duration(0)
	want := end.Sub(start)
	for _, b := range r.Buckets {
		covered += overlap(start, end, b.Start, b.Start.Add(bucketLen))
	}
	return covered >= want
}

// AveragePrice integrates price over [start, end), weighting each bucket by
// its overlap with the window. Returns false when the window is not fully
// covered by the forecast.
func (r *RegionForecast) AveragePrice(start, end time.Time, bucketLen time.Duration) (float64, bool) {
	return r.average(start, end, bucketLen, func(b Bucket) float64 { return b.PricePerHour })
}

// AverageCarbonIntensity integrates carbon intensity over [start, end).
func (r *RegionForecast) AverageCarbonIntensity(start, end time.Time, bucketLen time.Duration) (float64, bool) {
	return r.average(start, end, bucketLen, func(b Bucket) float64 { return b.CarbonIntensity })
}

// AverageGreenScore integrates the green score over [start, end).
func (r *RegionForecast) AverageGreenScore(start, end time.Time, bucketLen time.Duration) (float64, bool) {
	return r.average(start, end, bucketLen, func(b Bucket) float64 { return b.GreenScore })
}

func (r *RegionForecast) average(start, end time.Time, bucketLen time.Duration, value func(Bucket) float64) (float64, bool) {
	want := end.Sub(start)
	if want <= 0 {
		return 0, false
	}
	var weighted float64
	covered := time.Duration(0)
	for _, b := range r.Buckets {
		o := overlap(start, end, b.Start, b.Start.Add(bucketLen))
		if o <= 0 {
			continue
		}
		weighted += value(b) * o.Hours()
		covered += o
	}
	if covered < want {
		return 0, false
	}
	return weighted / want.Hours(), true
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}
