package forecast

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func publishHours(f *Feed, region string, startHour int, values [][3]float64) {
	for i, v := range values {
		f.Publish(region, base.Add(time.Duration(startHour+i)*time.Hour), v[0], v[1], v[2])
	}
}

func TestPublishBumpsVersion(t *testing.T) {
	f := NewFeed(time.Hour, 48)

	if v := f.Snapshot().Version(); v != 0 {
		t.Fatalf("expected initial version 0, got %d", v)
	}

	f.Publish("eu-north", base, 0.9, 50, 1.2)
	f.Publish("us-east", base, 0.4, 400, 0.8)

	snap := f.Snapshot()
	if snap.Version() != 2 {
		t.Errorf("expected version 2 after two publishes, got %d", snap.Version())
	}
	if got := snap.RegionIDs(); len(got) != 2 || got[0] != "eu-north" || got[1] != "us-east" {
		t.Errorf("expected sorted region ids [eu-north us-east], got %v", got)
	}
}

func TestPublishTruncatesAndReplaces(t *testing.T) {
	f := NewFeed(time.Hour, 48)

	// Mid-bucket timestamp lands on the bucket boundary.
	f.Publish("eu-north", base.Add(25*time.Minute), 0.5, 100, 1.0)
	// Republishing the same slot replaces, not duplicates.
	f.Publish("eu-north", base, 0.8, 60, 1.1)

	rf := f.Snapshot().Region("eu-north")
	if len(rf.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(rf.Buckets))
	}
	if !rf.Buckets[0].Start.Equal(base) {
		t.Errorf("expected bucket start %v, got %v", base, rf.Buckets[0].Start)
	}
	if rf.Buckets[0].GreenScore != 0.8 {
		t.Errorf("expected replacement green score 0.8, got %f", rf.Buckets[0].GreenScore)
	}
}

func TestPublishPrunesBeyondHorizon(t *testing.T) {
	f := NewFeed(time.Hour, 3)
	for i := 0; i < 5; i++ {
		f.Publish("eu-north", base.Add(time.Duration(i)*time.Hour), 0.5, 100, 1.0)
	}

	rf := f.Snapshot().Region("eu-north")
	if len(rf.Buckets) != 3 {
		t.Fatalf("expected pruning to 3 buckets, got %d", len(rf.Buckets))
	}
	if !rf.Buckets[0].Start.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("expected oldest kept bucket at +2h, got %v", rf.Buckets[0].Start)
	}
}

func TestSnapshotImmutableUnderPublish(t *testing.T) {
	f := NewFeed(time.Hour, 48)
	f.Publish("eu-north", base, 0.9, 50, 1.2)

	before := f.Snapshot()
	f.Publish("eu-north", base.Add(time.Hour), 0.3, 300, 2.0)

	if len(before.Region("eu-north").Buckets) != 1 {
		t.Errorf("earlier snapshot mutated by later publish")
	}
	if len(f.Snapshot().Region("eu-north").Buckets) != 2 {
		t.Errorf("new snapshot missing published bucket")
	}
}

func TestCovered(t *testing.T) {
	f := NewFeed(time.Hour, 48)
	publishHours(f, "eu-north", 0, [][3]float64{
		{0.9, 50, 1.0}, {0.8, 60, 1.0}, {0.7, 70, 1.0},
	})
	rf := f.Snapshot().Region("eu-north")

	if !rf.Covered(base, base.Add(3*time.Hour), time.Hour) {
		t.Errorf("expected full horizon to be covered")
	}
	if !rf.Covered(base.Add(30*time.Minute), base.Add(90*time.Minute), time.Hour) {
		t.Errorf("expected mid-bucket window to be covered")
	}
	if rf.Covered(base, base.Add(4*time.Hour), time.Hour) {
		t.Errorf("window past horizon must not be covered")
	}
	if rf.Covered(base.Add(-time.Hour), base.Add(time.Hour), time.Hour) {
		t.Errorf("window before first bucket must not be covered")
	}
}

func TestAveragesWeightByOverlap(t *testing.T) {
	f := NewFeed(time.Hour, 48)
	publishHours(f, "eu-north", 0, [][3]float64{
		{1.0, 100, 2.0}, {0.0, 300, 4.0},
	})
	rf := f.Snapshot().Region("eu-north")

	// Window covers 30 min of bucket 0 and 30 min of bucket 1.
	win := base.Add(30 * time.Minute)
	ci, ok := rf.AverageCarbonIntensity(win, win.Add(time.Hour), time.Hour)
	if !ok {
		t.Fatalf("expected covered window")
	}
	if ci != 200 {
		t.Errorf("expected overlap-weighted intensity 200, got %f", ci)
	}

	price, ok := rf.AveragePrice(base, base.Add(2*time.Hour), time.Hour)
	if !ok || price != 3.0 {
		t.Errorf("expected average price 3.0, got %f (ok=%v)", price, ok)
	}

	if _, ok := rf.AverageGreenScore(base, base.Add(3*time.Hour), time.Hour); ok {
		t.Errorf("expected uncovered window to report not ok")
	}
}

func TestPublishBatchSwapsOnce(t *testing.T) {
	f := NewFeed(time.Hour, 48)

	before := f.Snapshot()
	buckets := make([]Bucket, 0, 12)
	for i := 0; i < 12; i++ {
		buckets = append(buckets, Bucket{
			Start: base.Add(time.Duration(i) * time.Hour), GreenScore: 0.9, CarbonIntensity: 50, PricePerHour: 1.0,
		})
	}
	f.PublishBatch("eu-north", buckets)

	snap := f.Snapshot()
	if snap.Version() != before.Version()+1 {
		t.Errorf("a full refresh must swap exactly one snapshot, versions %d -> %d",
			before.Version(), snap.Version())
	}
	if rf := snap.Region("eu-north"); len(rf.Buckets) != 12 {
		t.Errorf("expected all 12 buckets in one swap, got %d", len(rf.Buckets))
	}
	// The pinned snapshot from before the refresh is untouched.
	if before.Region("eu-north") != nil {
		t.Errorf("earlier snapshot must not see the refresh")
	}
}

func TestPublishBatchReplacesSlots(t *testing.T) {
	f := NewFeed(time.Hour, 48)
	f.Publish("eu-north", base, 0.5, 200, 1.0)
	f.Publish("eu-north", base.Add(time.Hour), 0.5, 200, 1.0)

	// Refresh overlaps one existing slot and adds a new one; within the
	// batch, a duplicated slot resolves last-write-wins.
	f.PublishBatch("eu-north", []Bucket{
		{Start: base.Add(time.Hour), GreenScore: 0.7, CarbonIntensity: 100, PricePerHour: 1.0},
		{Start: base.Add(2 * time.Hour), GreenScore: 0.8, CarbonIntensity: 80, PricePerHour: 1.0},
		{Start: base.Add(time.Hour + 10*time.Minute), GreenScore: 0.9, CarbonIntensity: 60, PricePerHour: 1.0},
	})

	rf := f.Snapshot().Region("eu-north")
	if len(rf.Buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(rf.Buckets))
	}
	if rf.Buckets[0].CarbonIntensity != 200 {
		t.Errorf("untouched slot must survive the refresh, got %f", rf.Buckets[0].CarbonIntensity)
	}
	if rf.Buckets[1].CarbonIntensity != 60 {
		t.Errorf("expected last write to win for the duplicated slot, got %f", rf.Buckets[1].CarbonIntensity)
	}
	if rf.Buckets[2].CarbonIntensity != 80 {
		t.Errorf("expected new slot appended, got %f", rf.Buckets[2].CarbonIntensity)
	}
}
