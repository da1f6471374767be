package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation into a standard-deviation
// equivalent under a normality assumption.
const madScale = 1.4826

// minSeriesLen is the minimum history required by the robust z-score check.
const minSeriesLen = 5

// Point is a single daily observation of a metric.
type Point struct {
	Date  time.Time
	Value float64
}

// Series is a metric history. Callers are expected to supply it ascending by
// date, but Score sorts defensively before evaluating.
type Series []Point

// Severity classifies how far an observation sits outside its threshold.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Method is a tagged anomaly detection method. Adding a method means adding a
// variant here and a case in evaluate; the switch is exhaustive.
type Method interface {
	Name() string
	isMethod()
}

// ZScore flags the latest observation when its robust z-score (median/MAD)
// exceeds Threshold.
type ZScore struct {
	Threshold float64
}

// DowBaseline flags the latest observation when it deviates from the average
// of the same weekday over the previous LookbackWeeks weeks by more than
// ThresholdPct.
type DowBaseline struct {
	LookbackWeeks int
	ThresholdPct  float64
}

func (ZScore) Name() string      { return "z_score" }
func (DowBaseline) Name() string { return "dow_baseline" }

func (ZScore) isMethod()      {}
func (DowBaseline) isMethod() {}

// Result describes one anomalous observation as seen by one method.
type Result struct {
	Date         time.Time
	Method       string
	Actual       float64
	Expected     float64
	DeviationPct float64
	Score        float64
	Severity     Severity
	Explanation  string
}

// Score evaluates each method against the latest point of the series. The
// returned slice preserves method order; methods that do not fire (or cannot
// evaluate for lack of history) contribute no entry. Score is a pure function
// of its inputs.
func Score(series Series, methods []Method) []Result {
	sorted := make(Series, len(series))
	copy(sorted, series)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	results := make([]Result, 0, len(methods))
	for _, method := range methods {
		if res := evaluate(sorted, method); res != nil {
			results = append(results, *res)
		}
	}
	return results
}

func evaluate(sorted Series, method Method) *Result {
	switch m := method.(type) {
	case ZScore:
		return checkZScore(sorted, m)
	case DowBaseline:
		return checkDowBaseline(sorted, m)
	default:
		panic(fmt.Sprintf("detector: unknown method %T", method))
	}
}

func checkZScore(sorted Series, m ZScore) *Result {
	if len(sorted) < minSeriesLen {
		return nil
	}

	values := make([]float64, len(sorted))
	for i, p := range sorted {
		values[i] = p.Value
	}
	med := median(values)
	mad := medianAbsDeviation(values, med) * madScale

	latest := sorted[len(sorted)-1]

	deviationPct := 0.0
	if med != 0 {
		deviationPct = (latest.Value - med) / med
	}

	if mad == 0 {
		// Degenerate constant history: any departure from the median is a
		// certain anomaly.
		if latest.Value == med {
			return nil
		}
		return &Result{
			Date:         latest.Date,
			Method:       m.Name(),
			Actual:       latest.Value,
			Expected:     med,
			DeviationPct: deviationPct,
			Score:        math.Inf(1),
			Severity:     SeverityCritical,
			Explanation:  fmt.Sprintf("Value %.2f differs from constant baseline %.2f", latest.Value, med),
		}
	}

	z := (latest.Value - med) / mad
	if math.Abs(z) <= m.Threshold {
		return nil
	}

	severity := SeverityWarning
	if math.Abs(z) > m.Threshold*1.5 {
		severity = SeverityCritical
	}

	return &Result{
		Date:         latest.Date,
		Method:       m.Name(),
		Actual:       latest.Value,
		Expected:     med,
		DeviationPct: deviationPct,
		Score:        z,
		Severity:     severity,
		Explanation:  fmt.Sprintf("Value %.2f is %.2f sigma from median %.2f", latest.Value, z, med),
	}
}

func checkDowBaseline(sorted Series, m DowBaseline) *Result {
	if len(sorted) == 0 {
		return nil
	}

	latest := sorted[len(sorted)-1]
	latestDow := weekday(latest.Date)

	// Same-weekday history, latest point excluded, most recent weeks last.
	matches := make([]float64, 0, m.LookbackWeeks)
	for _, p := range sorted[:len(sorted)-1] {
		if weekday(p.Date) == latestDow {
			matches = append(matches, p.Value)
		}
	}
	if len(matches) > m.LookbackWeeks {
		matches = matches[len(matches)-m.LookbackWeeks:]
	}
	if len(matches) < 2 {
		return nil
	}

	baseline := stat.Mean(matches, nil)
	if baseline == 0 {
		return nil
	}

	diffPct := (latest.Value - baseline) / baseline
	if math.Abs(diffPct) <= m.ThresholdPct {
		return nil
	}

	severity := SeverityWarning
	if math.Abs(diffPct) > m.ThresholdPct*2 {
		severity = SeverityCritical
	}

	return &Result{
		Date:         latest.Date,
		Method:       m.Name(),
		Actual:       latest.Value,
		Expected:     baseline,
		DeviationPct: diffPct,
		Score:        diffPct,
		Severity:     severity,
		Explanation: fmt.Sprintf("Value %.2f is %.0f%% from %d-week avg %.2f",
			latest.Value, diffPct*100, m.LookbackWeeks, baseline),
	}
}

// weekday maps a calendar date to Monday=0 .. Sunday=6.
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianAbsDeviation(values []float64, med float64) float64 {
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - med)
	}
	return median(deviations)
}
