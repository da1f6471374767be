package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpi-alerts/internal/attribution"
	"kpi-alerts/internal/config"
	"kpi-alerts/internal/detector"
	"kpi-alerts/internal/storage"
)

type fakeHistory struct {
	series map[string]detector.Series
	fail   map[string]bool
}

func (f *fakeHistory) FetchHistory(_ context.Context, metric string, _ time.Time, _ int) (detector.Series, error) {
	if f.fail[metric] {
		return nil, fmt.Errorf("query failed for %s", metric)
	}
	return f.series[metric], nil
}

type fakeStore struct {
	alerts       []storage.Alert
	drivers      []storage.Driver
	alertBatches int
	failAlerts   bool
}

func (f *fakeStore) InsertAlerts(_ context.Context, alerts []storage.Alert) error {
	if f.failAlerts {
		return fmt.Errorf("connection refused")
	}
	f.alertBatches++
	f.alerts = append(f.alerts, alerts...)
	return nil
}

func (f *fakeStore) ListRecentAlerts(context.Context, int) ([]storage.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStore) ListAlertsForMetric(context.Context, string, time.Time, time.Time) ([]storage.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStore) InsertDrivers(_ context.Context, drivers []storage.Driver) error {
	f.drivers = append(f.drivers, drivers...)
	return nil
}

func (f *fakeStore) ListDriversForAlert(context.Context, uuid.UUID) ([]storage.Driver, error) {
	return f.drivers, nil
}

type fakeAttributor struct {
	perAlert int
}

func (f *fakeAttributor) Attribute(_ context.Context, _ attribution.Alert) []attribution.Driver {
	drivers := make([]attribution.Driver, 0, f.perAlert)
	for i := 0; i < f.perAlert; i++ {
		drivers = append(drivers, attribution.Driver{
			Dimension: "zone",
			Rank:      i + 1,
			Delta:     -50,
		})
	}
	return drivers
}

func spikedSeries(n int, spike float64) detector.Series {
	series := make(detector.Series, n)
	for i := range series {
		series[i] = detector.Point{
			Date:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Value: 100,
		}
	}
	series[n-1].Value = spike
	return series
}

func testCfg(rules ...config.Rule) *config.Config {
	return &config.Config{
		Warehouse: config.WarehouseConfig{LookbackDays: 60},
		Detection: config.DetectionConfig{
			ZScoreThreshold:  3.0,
			DowLookbackWeeks: 4,
			DowThresholdPct:  0.2,
		},
		Rules: rules,
	}
}

func zScoreRule(metric string) config.Rule {
	return config.Rule{
		Metric:  metric,
		Grain:   "daily",
		Methods: []config.MethodConfig{{Name: config.MethodZScore}},
	}
}

func TestRunOncePersistsAlertsThenDrivers(t *testing.T) {
	history := &fakeHistory{series: map[string]detector.Series{
		"total_trips": spikedSeries(30, 1000),
	}}
	store := &fakeStore{}
	attributor := &fakeAttributor{perAlert: 2}

	svc := New(testCfg(zScoreRule("total_trips")), nil, history, attributor, store, store, nil, zerolog.Nop())

	summary, err := svc.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MetricsEvaluated)
	assert.Equal(t, 1, summary.Alerts)
	assert.Equal(t, 2, summary.Drivers)

	require.Len(t, store.alerts, 1)
	alert := store.alerts[0]
	assert.Equal(t, "total_trips", alert.MetricName)
	assert.Equal(t, "z_score", alert.Method)
	assert.Equal(t, 1000.0, alert.MetricValue)
	assert.NotEqual(t, uuid.Nil, alert.AlertID, "id must be assigned before persistence")

	require.Len(t, store.drivers, 2)
	for _, d := range store.drivers {
		assert.Equal(t, alert.AlertID, d.AlertID)
	}
}

func TestRunOnceSkipsFailingMetric(t *testing.T) {
	history := &fakeHistory{
		series: map[string]detector.Series{"total_trips": spikedSeries(30, 1000)},
		fail:   map[string]bool{"total_revenue": true},
	}
	store := &fakeStore{}

	svc := New(testCfg(zScoreRule("total_revenue"), zScoreRule("total_trips")), nil,
		history, &fakeAttributor{}, store, store, nil, zerolog.Nop())

	summary, err := svc.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err, "one failing metric must not abort the run")
	assert.Equal(t, 1, summary.MetricsSkipped)
	assert.Equal(t, 1, summary.MetricsEvaluated)
	require.Len(t, store.alerts, 1)
	assert.Equal(t, "total_trips", store.alerts[0].MetricName)
}

func TestRunOnceNoAnomaliesMeansNoWrites(t *testing.T) {
	history := &fakeHistory{series: map[string]detector.Series{
		"total_trips": spikedSeries(30, 100), // flat, nothing fires
	}}
	store := &fakeStore{}

	svc := New(testCfg(zScoreRule("total_trips")), nil, history, &fakeAttributor{perAlert: 1}, store, store, nil, zerolog.Nop())

	summary, err := svc.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, summary.Alerts)
	assert.Zero(t, store.alertBatches)
	assert.Empty(t, store.drivers)
}

func TestRunOnceShortHistoryIsSkipped(t *testing.T) {
	history := &fakeHistory{series: map[string]detector.Series{
		"total_trips": spikedSeries(4, 1000),
	}}
	store := &fakeStore{}

	svc := New(testCfg(zScoreRule("total_trips")), nil, history, &fakeAttributor{}, store, store, nil, zerolog.Nop())

	summary, err := svc.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MetricsSkipped)
	assert.Empty(t, store.alerts)
}

func TestRunOnceAlertStoreFailureAborts(t *testing.T) {
	history := &fakeHistory{series: map[string]detector.Series{
		"total_trips": spikedSeries(30, 1000),
	}}
	store := &fakeStore{failAlerts: true}

	svc := New(testCfg(zScoreRule("total_trips")), nil, history, &fakeAttributor{perAlert: 1}, store, store, nil, zerolog.Nop())

	_, err := svc.RunOnce(context.Background(), time.Now().UTC())
	require.Error(t, err)
	assert.Empty(t, store.drivers, "drivers must never be written without durable alerts")
}

func TestRunOnceCorrelationKeyIsUnique(t *testing.T) {
	rule := config.Rule{
		Metric: "total_trips",
		Grain:  "daily",
		Methods: []config.MethodConfig{
			{Name: config.MethodZScore},
			{Name: config.MethodDowBaseline},
		},
	}
	history := &fakeHistory{series: map[string]detector.Series{
		"total_trips": spikedSeries(29, 1000), // both methods fire on a Monday spike
	}}
	store := &fakeStore{}

	svc := New(testCfg(rule), nil, history, &fakeAttributor{}, store, store, nil, zerolog.Nop())

	_, err := svc.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, store.alerts, 2)

	seen := make(map[string]bool)
	for _, alert := range store.alerts {
		key := fmt.Sprintf("%s|%s|%s", alert.MetricName, alert.AlertDate.Format("2006-01-02"), alert.Method)
		assert.False(t, seen[key], "duplicate correlation key %s", key)
		seen[key] = true
	}
}

func TestRunOnceDryRun(t *testing.T) {
	history := &fakeHistory{series: map[string]detector.Series{
		"total_trips": spikedSeries(30, 1000),
	}}

	svc := New(testCfg(zScoreRule("total_trips")), nil, history, &fakeAttributor{perAlert: 1}, nil, nil, nil, zerolog.Nop())

	summary, err := svc.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Alerts)
	assert.Equal(t, 1, summary.Drivers)
}
