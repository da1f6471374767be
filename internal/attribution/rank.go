package attribution

import (
	"math"
	"sort"
)

// SegmentDelta is one segment's movement on the alert date versus its
// same-weekday baseline, as returned by the breakdown source. Segments present
// on only one side of the comparison carry 0 for the missing side.
type SegmentDelta struct {
	Segment  string
	Baseline float64
	Current  float64
	Delta    float64
}

// ranked is a SegmentDelta with its contribution share and 1-based rank
// within a single dimension.
type ranked struct {
	SegmentDelta
	ContributionPct float64
	Rank            int
}

// rankSegments orders segments by descending |delta|, drops those under the
// noise floor, keeps at most topK, and computes each survivor's contribution
// share against the alert's total gap. Contribution shares are deliberately
// not normalised: each expresses how much of the aggregate gap that one
// segment's delta alone explains.
func rankSegments(deltas []SegmentDelta, totalGap, noiseFloor float64, topK int) []ranked {
	sorted := make([]SegmentDelta, len(deltas))
	copy(sorted, deltas)
	sort.SliceStable(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].Delta) > math.Abs(sorted[j].Delta)
	})

	out := make([]ranked, 0, topK)
	for _, d := range sorted {
		if len(out) == topK {
			break
		}
		if math.Abs(d.Delta) < noiseFloor {
			// Sorted by |delta|, so everything after this is noise too.
			break
		}

		contribution := 0.0
		if gap := math.Abs(totalGap); gap > 0 {
			contribution = math.Abs(d.Delta) / gap
		}

		out = append(out, ranked{
			SegmentDelta:    d,
			ContributionPct: contribution,
			Rank:            len(out) + 1,
		})
	}
	return out
}
