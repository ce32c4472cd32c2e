package ledger

import (
	"errors"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestRecordAndFinalize(t *testing.T) {
	l := New()

	e := l.Record("d1", "eu-north", base, base.Add(2*time.Hour), 1.5)
	if e.ProjectedKg != 1.5 || e.RealizedKg != nil {
		t.Fatalf("unexpected projection entry: %+v", e)
	}

	fin, err := l.Finalize("d1", 1.2)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if fin.RealizedKg == nil || *fin.RealizedKg != 1.2 {
		t.Errorf("expected realized 1.2, got %+v", fin.RealizedKg)
	}

	entries := l.Entries("d1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].FinalizedAt == nil {
		t.Errorf("entry not marked finalized")
	}
}

func TestFinalizeUnknownDecision(t *testing.T) {
	l := New()
	if _, err := l.Finalize("missing", 1.0); !errors.Is(err, ErrNoEntry) {
		t.Errorf("expected ErrNoEntry, got %v", err)
	}
}

func TestDoubleFinalizeAppendsCorrection(t *testing.T) {
	l := New()
	l.Record("d1", "eu-north", base, base.Add(time.Hour), 1.0)

	if _, err := l.Finalize("d1", 0.9); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	corr, err := l.Finalize("d1", 0.1)
	if err != nil {
		t.Fatalf("correction finalize: %v", err)
	}
	if corr.Note != "correction" {
		t.Errorf("expected correction entry, got note %q", corr.Note)
	}
	if len(l.Entries("d1")) != 2 {
		t.Errorf("correction must append, not edit")
	}
}

func TestSumProjectedAggregatesOpenEntries(t *testing.T) {
	l := New()
	l.Record("d1", "us-east", base, base.Add(time.Hour), 3.0)
	l.Record("d2", "eu-north", base.Add(2*time.Hour), base.Add(3*time.Hour), 1.0)

	if got := l.SumProjected(""); got != 4.0 {
		t.Errorf("expected total projected 4.0, got %f", got)
	}
	if got := l.SumProjected("eu-north"); got != 1.0 {
		t.Errorf("expected eu-north projected 1.0, got %f", got)
	}
}

func TestVoidClosesProjection(t *testing.T) {
	l := New()
	l.Record("d1", "us-east", base, base.Add(time.Hour), 3.0)

	e, err := l.Void("d1", "superseded")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if e.RealizedKg == nil || *e.RealizedKg != 0 {
		t.Errorf("voided entry must realize zero, got %+v", e.RealizedKg)
	}
	if e.Note != "superseded" {
		t.Errorf("expected note on voided entry, got %q", e.Note)
	}
	// The projection no longer counts as outstanding, and nothing was
	// deleted or added.
	if got := l.SumProjected(""); got != 0 {
		t.Errorf("expected no outstanding projection, got %f", got)
	}
	if len(l.Entries("d1")) != 1 {
		t.Errorf("void must close in place, not append or delete")
	}

	// Nothing left to void.
	if _, err := l.Void("d1", "again"); !errors.Is(err, ErrNoEntry) {
		t.Errorf("expected ErrNoEntry on second void, got %v", err)
	}
}

func TestVoidUnknownDecision(t *testing.T) {
	l := New()
	if _, err := l.Void("missing", "cancelled"); !errors.Is(err, ErrNoEntry) {
		t.Errorf("expected ErrNoEntry, got %v", err)
	}
}

func TestSumRealizedFiltersByRegionAndWindow(t *testing.T) {
	l := New()
	l.Record("d1", "eu-north", base, base.Add(time.Hour), 1.0)
	l.Record("d2", "us-east", base, base.Add(time.Hour), 2.0)
	l.Finalize("d1", 0.8)
	l.Finalize("d2", 1.9)

	now := time.Now()
	if got := l.SumRealized("", now.Add(-time.Minute), now.Add(time.Minute)); got != 2.7 {
		t.Errorf("expected total realized 2.7, got %f", got)
	}
	if got := l.SumRealized("eu-north", now.Add(-time.Minute), now.Add(time.Minute)); got != 0.8 {
		t.Errorf("expected eu-north realized 0.8, got %f", got)
	}
	if got := l.SumRealized("", now.Add(time.Hour), now.Add(2*time.Hour)); got != 0 {
		t.Errorf("expected nothing realized outside window, got %f", got)
	}
}
