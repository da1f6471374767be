package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpi-alerts/internal/attribution"
)

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Interval: 24 * time.Hour},
		Export:    ExportConfig{MaxDataPoints: 1000},
		Warehouse: WarehouseConfig{
			DailyTable:   "dbt_dev_marts.mart_kpis_daily",
			DateColumn:   "pickup_date",
			LookbackDays: 60,
		},
		Attribution: attribution.Config{
			BaselineDays:  28,
			NoiseFloor:    10,
			TopK:          3,
			DefaultColumn: "total_revenue",
			MetricColumns: []attribution.ColumnRule{{Match: "trips", Column: "total_trips"}},
			Dimensions: []attribution.Dimension{{
				Name:       "zone",
				Table:      "dbt_dev_marts.mart_kpis_by_zone_daily",
				DateColumn: "pickup_date",
				SegmentKey: "pickup_location_id",
			}},
		},
		Rules: []Rule{{
			Metric:  "total_trips",
			Grain:   "daily",
			Methods: []MethodConfig{{Name: MethodZScore, Threshold: 3}},
		}},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsEmptyRules(t *testing.T) {
	cfg := validConfig()
	cfg.Rules = nil
	assert.ErrorContains(t, cfg.Validate(), "at least one rule")
}

func TestValidateRejectsUnknownMethod(t *testing.T) {
	cfg := validConfig()
	cfg.Rules[0].Methods[0].Name = "holt_winters"
	assert.ErrorContains(t, cfg.Validate(), "unknown method")
}

func TestValidateRejectsMissingMetric(t *testing.T) {
	cfg := validConfig()
	cfg.Rules[0].Metric = ""
	assert.ErrorContains(t, cfg.Validate(), "metric is required")
}

func TestValidateRejectsUnsafeIdentifiers(t *testing.T) {
	cfg := validConfig()
	cfg.Rules[0].Metric = "total_trips; DROP TABLE kpi_alerts"
	assert.ErrorContains(t, cfg.Validate(), "not a valid identifier")

	cfg = validConfig()
	cfg.Attribution.Dimensions[0].Table = `marts."zone"`
	assert.ErrorContains(t, cfg.Validate(), "not a valid identifier")
}

func TestValidateRejectsIncompleteDimension(t *testing.T) {
	cfg := validConfig()
	cfg.Attribution.Dimensions[0].SegmentKey = ""
	assert.ErrorContains(t, cfg.Validate(), "segment_key")
}

func TestValidateRejectsPartialLookup(t *testing.T) {
	cfg := validConfig()
	cfg.Attribution.Dimensions[0].LookupTable = "dbt_dev_marts.dim_taxi_zone"
	// lookup_key and lookup_name left empty
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsTelegramWithoutToken(t *testing.T) {
	cfg := validConfig()
	cfg.Alerting.Telegram.Enabled = true
	cfg.Alerting.Telegram.ChatID = "chat"
	assert.ErrorContains(t, cfg.Validate(), "bot_token")
}
