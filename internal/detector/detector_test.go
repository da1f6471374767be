package detector

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// day 0 is Monday, 2024-01-01.
func date(offset int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func constantSeries(n int, value float64) Series {
	series := make(Series, n)
	for i := range series {
		series[i] = Point{Date: date(i), Value: value}
	}
	return series
}

func TestZScoreSpike(t *testing.T) {
	series := constantSeries(30, 100)
	series[29].Value = 1000

	results := Score(series, []Method{ZScore{Threshold: 3}})
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "z_score", res.Method)
	assert.Equal(t, 1000.0, res.Actual)
	assert.Equal(t, 100.0, res.Expected)
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.True(t, math.IsInf(res.Score, 1), "constant history makes the score infinite")
	assert.InDelta(t, 9.0, res.DeviationPct, 1e-9)
}

func TestZScoreSpikeWithNoise(t *testing.T) {
	series := constantSeries(30, 100)
	for i := range series {
		if i%2 == 0 {
			series[i].Value = 102
		}
	}
	series[29].Value = 1000

	results := Score(series, []Method{ZScore{Threshold: 3}})
	require.Len(t, results, 1)

	res := results[0]
	assert.Greater(t, res.Score, 4.5)
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.Contains(t, res.Explanation, "sigma from median")
}

func TestZScoreStableSeries(t *testing.T) {
	results := Score(constantSeries(30, 100), []Method{ZScore{Threshold: 3}})
	assert.Empty(t, results, "constant series must never fire")
}

func TestZScoreInsufficientHistory(t *testing.T) {
	series := constantSeries(4, 100)
	series[3].Value = 1000
	results := Score(series, []Method{ZScore{Threshold: 3}})
	assert.Empty(t, results)
}

func TestZScoreWithinThreshold(t *testing.T) {
	series := Series{
		{Date: date(0), Value: 100},
		{Date: date(1), Value: 110},
		{Date: date(2), Value: 90},
		{Date: date(3), Value: 105},
		{Date: date(4), Value: 95},
		{Date: date(5), Value: 103},
	}
	results := Score(series, []Method{ZScore{Threshold: 3}})
	assert.Empty(t, results)
}

func TestZScoreSortsDefensively(t *testing.T) {
	series := constantSeries(30, 100)
	series[29].Value = 1000
	// Shuffle so the spike is no longer the last element.
	series[0], series[29] = series[29], series[0]

	results := Score(series, []Method{ZScore{Threshold: 3}})
	require.Len(t, results, 1)
	assert.Equal(t, 1000.0, results[0].Actual)
	assert.Equal(t, date(29), results[0].Date)
}

func TestDowBaselineDrop(t *testing.T) {
	// Five Mondays: 100 everywhere except the latest, which is halved. Other
	// weekdays sit at 10 so a naive all-days baseline would look nothing like
	// the Monday baseline.
	series := make(Series, 0, 29)
	for i := 0; i <= 28; i++ {
		value := 10.0
		if i%7 == 0 {
			value = 100.0
		}
		series = append(series, Point{Date: date(i), Value: value})
	}
	series[28].Value = 50.0

	results := Score(series, []Method{DowBaseline{LookbackWeeks: 4, ThresholdPct: 0.2}})
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "dow_baseline", res.Method)
	assert.Equal(t, 50.0, res.Actual)
	assert.Equal(t, 100.0, res.Expected)
	assert.InDelta(t, -0.5, res.DeviationPct, 1e-9)
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.Contains(t, res.Explanation, "4-week avg")
}

func TestDowBaselineWithinThreshold(t *testing.T) {
	series := make(Series, 0, 29)
	for i := 0; i <= 28; i++ {
		series = append(series, Point{Date: date(i), Value: 100})
	}
	series[28].Value = 110 // +10%, under the 20% threshold

	results := Score(series, []Method{DowBaseline{LookbackWeeks: 4, ThresholdPct: 0.2}})
	assert.Empty(t, results)
}

func TestDowBaselineInsufficientMatches(t *testing.T) {
	// Only one prior Monday in history.
	series := make(Series, 0, 8)
	for i := 0; i <= 7; i++ {
		series = append(series, Point{Date: date(i), Value: 100})
	}
	series[7].Value = 500

	results := Score(series, []Method{DowBaseline{LookbackWeeks: 4, ThresholdPct: 0.2}})
	assert.Empty(t, results)
}

func TestDowBaselineZeroBaseline(t *testing.T) {
	series := make(Series, 0, 29)
	for i := 0; i <= 28; i++ {
		value := 0.0
		if i%7 != 0 {
			value = 10.0
		}
		series = append(series, Point{Date: date(i), Value: value})
	}
	series[28].Value = 40

	results := Score(series, []Method{DowBaseline{LookbackWeeks: 4, ThresholdPct: 0.2}})
	assert.Empty(t, results, "zero baseline means cannot evaluate, not a firing")
}

func TestDowBaselineLimitsLookback(t *testing.T) {
	// Eight prior Mondays at 200, the four most recent at 100. With a 4-week
	// lookback the baseline is 100, so a latest value of 100 must not fire.
	series := make(Series, 0, 64)
	for i := 0; i <= 63; i++ {
		value := 10.0
		if i%7 == 0 {
			if i < 35 {
				value = 200.0
			} else {
				value = 100.0
			}
		}
		series = append(series, Point{Date: date(i), Value: value})
	}

	results := Score(series, []Method{DowBaseline{LookbackWeeks: 4, ThresholdPct: 0.2}})
	assert.Empty(t, results)
}

func TestBothMethodsFireIndependently(t *testing.T) {
	series := constantSeries(29, 100)
	series[28].Value = 1000

	results := Score(series, []Method{
		ZScore{Threshold: 3},
		DowBaseline{LookbackWeeks: 4, ThresholdPct: 0.2},
	})
	require.Len(t, results, 2)
	assert.Equal(t, "z_score", results[0].Method)
	assert.Equal(t, "dow_baseline", results[1].Method)
}

func TestScoreIsIdempotent(t *testing.T) {
	series := constantSeries(30, 100)
	series[29].Value = 1000
	methods := []Method{ZScore{Threshold: 3}, DowBaseline{LookbackWeeks: 4, ThresholdPct: 0.2}}

	first := Score(series, methods)
	second := Score(series, methods)
	assert.Equal(t, first, second)
}

func TestWeekdayEncoding(t *testing.T) {
	assert.Equal(t, 0, weekday(date(0)), "2024-01-01 is a Monday")
	assert.Equal(t, 6, weekday(date(6)), "2024-01-07 is a Sunday")
}

func TestMedianEvenLength(t *testing.T) {
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 3.0, median([]float64{5, 1, 3}))
}
