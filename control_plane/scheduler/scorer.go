package scheduler

import (
	"sort"
)

// Scorer ranks feasible candidates by the weighted objective. Scores are
// normalized against the candidate set of one evaluation and are never
// comparable across evaluations.
type Scorer struct {
	weights Weights
}

func NewScorer(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Rank scores candidates in place and sorts them best-first. Lower score
// wins. Ties break on projected carbon, then window start, then region id,
// so identical snapshots always produce the same winner.
func (s *Scorer) Rank(req *WorkloadRequest, cands []Candidate) []Candidate {
	if len(cands) == 0 {
		return cands
	}

	carbonLo, carbonHi := minMax(cands, func(c Candidate) float64 { return c.ProjectedCarbonKg })
	costLo, costHi := minMax(cands, func(c Candidate) float64 { return c.ProjectedCost })
	waitLo, waitHi := minMax(cands, func(c Candidate) float64 { return c.Wait.Seconds() })

	boost := req.Priority.Boost()
	for i := range cands {
		c := &cands[i]
		c.Score = s.weights.Carbon*normalize(c.ProjectedCarbonKg, carbonLo, carbonHi) +
			s.weights.Cost*normalize(c.ProjectedCost, costLo, costHi) +
			s.weights.Wait*normalize(c.Wait.Seconds(), waitLo, waitHi) -
			s.weights.Priority*boost
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.ProjectedCarbonKg != b.ProjectedCarbonKg {
			return a.ProjectedCarbonKg < b.ProjectedCarbonKg
		}
		if !a.Window.Start.Equal(b.Window.Start) {
			return a.Window.Start.Before(b.Window.Start)
		}
		return a.RegionID < b.RegionID
	})
	return cands
}

// normalize maps v into [0,1] against the observed range. A degenerate
// range contributes nothing to the objective.
func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

func minMax(cands []Candidate, value func(Candidate) float64) (lo, hi float64) {
	lo = value(cands[0])
	hi = lo
	for _, c := range cands[1:] {
		v := value(c)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
