package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"kpi-alerts/internal/detector"
	"kpi-alerts/internal/storage"
)

// Export renders one metric's daily history as CSV and/or a PNG chart with
// its alerts annotated.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if !a.knownMetric(opts.Metric) {
		return fmt.Errorf("metric %q is not present in the configured rules", opts.Metric)
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC().Truncate(24 * time.Hour)
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -opts.MaxPoints)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	pool, closePool, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	days := int(to.Sub(from).Hours()/24) + 1
	if days > opts.MaxPoints {
		days = opts.MaxPoints
	}

	series, err := a.newWarehouse(pool).FetchHistory(ctx, opts.Metric, to, days)
	if err != nil {
		return err
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
	for len(series) > 0 && series[0].Date.Before(from) {
		series = series[1:]
	}
	if len(series) == 0 {
		a.Logger.Info().Msg("no history found for export window")
		return nil
	}
	series = downsample(series, opts.MaxPoints)

	alerts, err := storage.NewStore(pool).ListAlertsForMetric(ctx, opts.Metric, from, to.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("metric", opts.Metric).
		Int("points", len(series)).
		Int("alerts", len(alerts)).
		Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, series, alerts); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.Metric, series, alerts); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) knownMetric(metric string) bool {
	for _, rule := range a.Config.Rules {
		if rule.Metric == metric {
			return true
		}
	}
	return false
}

func alertsByDate(alerts []storage.Alert) map[string][]storage.Alert {
	byDate := make(map[string][]storage.Alert, len(alerts))
	for _, alert := range alerts {
		key := alert.AlertDate.Format("2006-01-02")
		byDate[key] = append(byDate[key], alert)
	}
	return byDate
}

func writeHistoryCSV(path string, series detector.Series, alerts []storage.Alert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"date", "value", "severity", "method"}); err != nil {
		return err
	}

	byDate := alertsByDate(alerts)
	for _, point := range series {
		severity, method := "", ""
		if matched := byDate[point.Date.Format("2006-01-02")]; len(matched) > 0 {
			severity = matched[0].Severity
			method = matched[0].Method
		}
		record := []string{
			point.Date.Format("2006-01-02"),
			fmt.Sprintf("%g", point.Value),
			severity,
			method,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path, metric string, series detector.Series, alerts []storage.Alert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(series))
	y := make([]float64, len(series))
	valueByDate := make(map[string]float64, len(series))
	for i, point := range series {
		x[i] = point.Date
		y[i] = point.Value
		valueByDate[point.Date.Format("2006-01-02")] = point.Value
	}

	annotations := make([]chart.Value2, 0, len(alerts))
	for _, alert := range alerts {
		key := alert.AlertDate.Format("2006-01-02")
		value, ok := valueByDate[key]
		if !ok {
			value = alert.MetricValue
		}
		annotations = append(annotations, chart.Value2{
			XValue: chart.TimeToFloat64(alert.AlertDate),
			YValue: value,
			Label:  fmt.Sprintf("%s %s", alert.Severity, key),
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: metric,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    metric,
				XValues: x,
				YValues: y,
			},
			chart.AnnotationSeries{
				Annotations: annotations,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// downsample keeps at most max evenly spaced points. History windows are
// small at daily grain, but the CLI accepts arbitrary ranges.
func downsample(series detector.Series, max int) detector.Series {
	if max <= 0 || len(series) <= max {
		return series
	}

	result := make(detector.Series, 0, max)
	step := float64(len(series)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(series) {
			idx = len(series) - 1
		}
		result = append(result, series[idx])
	}
	return result
}
