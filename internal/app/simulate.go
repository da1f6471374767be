package app

import (
	"context"
	"errors"
	"time"

	"kpi-alerts/internal/config"
	"kpi-alerts/internal/detector"
	"kpi-alerts/internal/fetcher"
	"kpi-alerts/internal/service"
)

// SimulateAlert runs the scorer on a synthetic series (a constant baseline
// with the latest day set to actual) and routes any firing through the
// configured notifier. Nothing is persisted.
func (a *App) SimulateAlert(ctx context.Context, baseline, actual float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	cfg := *a.Config
	cfg.Rules = []config.Rule{{
		Metric: "simulated_metric",
		Grain:  "daily",
		Methods: []config.MethodConfig{
			{Name: config.MethodZScore},
			{Name: config.MethodDowBaseline},
		},
	}}

	history := &staticHistoryFetcher{baseline: baseline, actual: actual}
	svc := service.New(&cfg, nil, history, nil, nil, nil, notifier, a.Logger)

	_, err := svc.RunOnce(ctx, time.Now().UTC())
	return err
}

// staticHistoryFetcher serves a 30-day constant series ending in the
// simulated observation.
type staticHistoryFetcher struct {
	baseline float64
	actual   float64
}

func (s *staticHistoryFetcher) FetchHistory(ctx context.Context, metricColumn string, asOf time.Time, limit int) (detector.Series, error) {
	start := asOf.Truncate(24 * time.Hour).AddDate(0, 0, -29)
	series := make(detector.Series, 0, 30)
	for i := 0; i < 30; i++ {
		value := s.baseline
		if i == 29 {
			value = s.actual
		}
		series = append(series, detector.Point{Date: start.AddDate(0, 0, i), Value: value})
	}
	return series, nil
}

var _ fetcher.HistoryFetcher = (*staticHistoryFetcher)(nil)
