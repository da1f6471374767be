package attribution

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Dimension describes one breakdown axis of the warehouse. All identifier
// fields form the fixed allow-list used to build queries; they are validated
// at configuration load and never derived from alert content.
type Dimension struct {
	// Name labels the dimension on persisted drivers, e.g. "zone".
	Name string `mapstructure:"name"`
	// Table is the per-segment daily mart, keyed by (date, segment).
	Table string `mapstructure:"table"`
	// DateColumn and SegmentKey locate rows within Table.
	DateColumn string `mapstructure:"date_column"`
	SegmentKey string `mapstructure:"segment_key"`
	// LookupTable optionally maps segment keys to display names. When empty
	// the raw segment key is reported.
	LookupTable string `mapstructure:"lookup_table"`
	LookupKey   string `mapstructure:"lookup_key"`
	LookupName  string `mapstructure:"lookup_name"`
}

// ColumnRule picks the metric column for alerts whose metric name contains
// Match.
type ColumnRule struct {
	Match  string `mapstructure:"match"`
	Column string `mapstructure:"column"`
}

// Config tunes the attribution engine.
type Config struct {
	BaselineDays  int          `mapstructure:"baseline_days"`
	NoiseFloor    float64      `mapstructure:"noise_floor"`
	TopK          int          `mapstructure:"top_k"`
	Dimensions    []Dimension  `mapstructure:"dimensions"`
	MetricColumns []ColumnRule `mapstructure:"metric_columns"`
	DefaultColumn string       `mapstructure:"default_column"`
}

// MetricColumn resolves the warehouse column backing a metric family.
func (c Config) MetricColumn(metricName string) string {
	for _, rule := range c.MetricColumns {
		if strings.Contains(metricName, rule.Match) {
			return rule.Column
		}
	}
	return c.DefaultColumn
}

// Alert is the slice of a confirmed anomaly the engine needs. The pipeline
// owns identity; the engine never sees or assigns alert ids.
type Alert struct {
	MetricName    string
	Grain         string
	AlertDate     time.Time
	MetricValue   float64
	ExpectedValue float64
}

// Driver is one ranked root-cause candidate for an alert.
type Driver struct {
	Dimension       string
	SegmentValue    string
	BaselineValue   float64
	CurrentValue    float64
	Delta           float64
	ContributionPct float64
	Rank            int
}

// BreakdownSource supplies per-segment baseline/current deltas for one
// dimension around an alert date. Implementations outer-join the baseline and
// current sides so one-sided segments still appear.
type BreakdownSource interface {
	SegmentDeltas(ctx context.Context, dim Dimension, date time.Time, metricColumn string, baselineDays int) ([]SegmentDelta, error)
}

// Engine ranks the dimension segments that best explain a confirmed anomaly.
type Engine struct {
	source BreakdownSource
	cfg    Config
	logger zerolog.Logger
}

// NewEngine constructs an attribution engine.
func NewEngine(source BreakdownSource, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		source: source,
		cfg:    cfg,
		logger: logger.With().Str("component", "attribution").Logger(),
	}
}

// Attribute returns the ranked drivers for an alert, at most TopK per
// dimension. A breakdown failure on one dimension is logged and yields no
// drivers for that dimension only; Attribute itself never fails.
func (e *Engine) Attribute(ctx context.Context, alert Alert) []Driver {
	if alert.Grain != "daily" {
		return nil
	}

	e.logger.Info().
		Str("metric", alert.MetricName).
		Str("alert_date", alert.AlertDate.Format("2006-01-02")).
		Msg("investigating drivers")

	metricColumn := e.cfg.MetricColumn(alert.MetricName)
	totalGap := alert.MetricValue - alert.ExpectedValue

	var drivers []Driver
	for _, dim := range e.cfg.Dimensions {
		deltas, err := e.source.SegmentDeltas(ctx, dim, alert.AlertDate, metricColumn, e.cfg.BaselineDays)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("metric", alert.MetricName).
				Str("dimension", dim.Name).
				Msg("breakdown query failed; skipping dimension")
			continue
		}

		for _, r := range rankSegments(deltas, totalGap, e.cfg.NoiseFloor, e.cfg.TopK) {
			drivers = append(drivers, Driver{
				Dimension:       dim.Name,
				SegmentValue:    r.Segment,
				BaselineValue:   r.Baseline,
				CurrentValue:    r.Current,
				Delta:           r.Delta,
				ContributionPct: r.ContributionPct,
				Rank:            r.Rank,
			})
		}
	}
	return drivers
}
