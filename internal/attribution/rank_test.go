package attribution

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankSegmentsOrdersByAbsDelta(t *testing.T) {
	deltas := []SegmentDelta{
		{Segment: "Midtown", Delta: 40},
		{Segment: "JFK Airport", Delta: -120},
		{Segment: "Harlem", Delta: 15},
		{Segment: "LaGuardia", Delta: 80},
	}

	ranked := rankSegments(deltas, -200, 10, 3)
	require.Len(t, ranked, 3)

	assert.Equal(t, "JFK Airport", ranked[0].Segment)
	assert.Equal(t, "LaGuardia", ranked[1].Segment)
	assert.Equal(t, "Midtown", ranked[2].Segment)
	for i, r := range ranked {
		assert.Equal(t, i+1, r.Rank)
	}
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, math.Abs(ranked[i-1].Delta), math.Abs(ranked[i].Delta))
	}
}

func TestRankSegmentsNoiseFloor(t *testing.T) {
	deltas := []SegmentDelta{
		{Segment: "a", Delta: 9.9},
		{Segment: "b", Delta: -9},
		{Segment: "c", Delta: 4},
	}

	assert.Empty(t, rankSegments(deltas, 100, 10, 3))
}

func TestRankSegmentsSkipsNoiseBeforeTopK(t *testing.T) {
	deltas := []SegmentDelta{
		{Segment: "big", Delta: 100},
		{Segment: "small", Delta: 5},
		{Segment: "medium", Delta: 50},
	}

	ranked := rankSegments(deltas, 200, 10, 3)
	require.Len(t, ranked, 2)
	assert.Equal(t, "big", ranked[0].Segment)
	assert.Equal(t, "medium", ranked[1].Segment)
}

func TestRankSegmentsContribution(t *testing.T) {
	deltas := []SegmentDelta{
		{Segment: "a", Baseline: 100, Current: 50, Delta: -50},
		{Segment: "b", Baseline: 10, Current: 190, Delta: 180},
	}

	ranked := rankSegments(deltas, -100, 10, 3)
	require.Len(t, ranked, 2)

	// Shares are per-segment against the aggregate gap and may exceed 1.
	assert.InDelta(t, 1.8, ranked[0].ContributionPct, 1e-9)
	assert.InDelta(t, 0.5, ranked[1].ContributionPct, 1e-9)
}

func TestRankSegmentsZeroGap(t *testing.T) {
	ranked := rankSegments([]SegmentDelta{{Segment: "a", Delta: 42}}, 0, 10, 3)
	require.Len(t, ranked, 1)
	assert.Zero(t, ranked[0].ContributionPct)
}

func TestRankSegmentsStableOnTies(t *testing.T) {
	deltas := []SegmentDelta{
		{Segment: "first", Delta: 30},
		{Segment: "second", Delta: -30},
	}

	ranked := rankSegments(deltas, 60, 10, 3)
	require.Len(t, ranked, 2)
	assert.Equal(t, "first", ranked[0].Segment)
	assert.Equal(t, "second", ranked[1].Segment)
}
