package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"kpi-alerts/internal/attribution"
	"kpi-alerts/internal/detector"
)

// WarehouseOptions locate the daily KPI mart. Identifiers come from validated
// configuration, never from alert content.
type WarehouseOptions struct {
	DailyTable string
	DateColumn string
}

// Warehouse reads metric histories and dimensional breakdowns from the
// analytics warehouse. It implements HistoryFetcher and the attribution
// engine's BreakdownSource.
type Warehouse struct {
	pool   *pgxpool.Pool
	opts   WarehouseOptions
	logger zerolog.Logger
}

// NewWarehouse constructs a warehouse reader on top of a pgx pool.
func NewWarehouse(pool *pgxpool.Pool, opts WarehouseOptions, logger zerolog.Logger) *Warehouse {
	return &Warehouse{
		pool:   pool,
		opts:   opts,
		logger: logger.With().Str("component", "warehouse").Logger(),
	}
}

// FetchHistory returns up to limit daily observations of one metric column,
// ending at asOf (inclusive).
func (w *Warehouse) FetchHistory(ctx context.Context, metricColumn string, asOf time.Time, limit int) (detector.Series, error) {
	if w.pool == nil {
		return nil, fmt.Errorf("warehouse pool not configured")
	}

	dateCol := sanitizeIdentifier(w.opts.DateColumn)
	query := fmt.Sprintf(`SELECT %s, %s::float8 FROM %s WHERE %s <= $1 ORDER BY %s DESC LIMIT $2;`,
		dateCol,
		sanitizeIdentifier(metricColumn),
		sanitizeIdentifier(w.opts.DailyTable),
		dateCol,
		dateCol,
	)

	rows, err := w.pool.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", metricColumn, err)
	}
	defer rows.Close()

	series := make(detector.Series, 0, limit)
	for rows.Next() {
		var point detector.Point
		if err := rows.Scan(&point.Date, &point.Value); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		series = append(series, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return series, nil
}

// SegmentDeltas compares each segment's value on date against its average over
// the same weekday in the baselineDays window strictly before date. The two
// sides are outer-joined so segments present on only one side still appear,
// with the missing side treated as 0.
func (w *Warehouse) SegmentDeltas(ctx context.Context, dim attribution.Dimension, date time.Time, metricColumn string, baselineDays int) ([]attribution.SegmentDelta, error) {
	if w.pool == nil {
		return nil, fmt.Errorf("warehouse pool not configured")
	}

	rows, err := w.pool.Query(ctx, buildSegmentDeltaSQL(dim, metricColumn), date, baselineDays)
	if err != nil {
		return nil, fmt.Errorf("breakdown query for %s: %w", dim.Name, err)
	}
	defer rows.Close()

	deltas := make([]attribution.SegmentDelta, 0)
	for rows.Next() {
		var d attribution.SegmentDelta
		if err := rows.Scan(&d.Segment, &d.Baseline, &d.Current, &d.Delta); err != nil {
			return nil, fmt.Errorf("scan breakdown row: %w", err)
		}
		deltas = append(deltas, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deltas, nil
}

func buildSegmentDeltaSQL(dim attribution.Dimension, metricColumn string) string {
	table := sanitizeIdentifier(dim.Table)
	dateCol := sanitizeIdentifier(dim.DateColumn)
	segmentKey := sanitizeIdentifier(dim.SegmentKey)
	metric := sanitizeIdentifier(metricColumn)

	nameExpr := "coalesce(b.segment_id, c.segment_id)::varchar"
	joinClause := ""
	if dim.LookupTable != "" {
		nameExpr = fmt.Sprintf("coalesce(d.%s::varchar, coalesce(b.segment_id, c.segment_id)::varchar)",
			sanitizeIdentifier(dim.LookupName))
		joinClause = fmt.Sprintf("\nLEFT JOIN %s d ON coalesce(b.segment_id, c.segment_id) = d.%s",
			sanitizeIdentifier(dim.LookupTable), sanitizeIdentifier(dim.LookupKey))
	}

	return fmt.Sprintf(`WITH baseline AS (
    SELECT %[1]s AS segment_id, avg(%[2]s) AS baseline_val
    FROM %[3]s
    WHERE %[4]s < $1::date
      AND %[4]s >= $1::date - $2::int
      AND extract(dow FROM %[4]s) = extract(dow FROM $1::date)
    GROUP BY 1
),
current_day AS (
    SELECT %[1]s AS segment_id, %[2]s AS current_val
    FROM %[3]s
    WHERE %[4]s = $1::date
)
SELECT
    %[5]s AS segment_name,
    coalesce(b.baseline_val, 0)::float8 AS baseline,
    coalesce(c.current_val, 0)::float8 AS current_val,
    (coalesce(c.current_val, 0) - coalesce(b.baseline_val, 0))::float8 AS delta
FROM baseline b
FULL OUTER JOIN current_day c ON b.segment_id = c.segment_id%[6]s
ORDER BY abs(coalesce(c.current_val, 0) - coalesce(b.baseline_val, 0)) DESC;`,
		segmentKey, metric, table, dateCol, nameExpr, joinClause)
}

// sanitizeIdentifier quotes a configured, allow-listed identifier, handling
// schema-qualified names.
func sanitizeIdentifier(name string) string {
	parts := strings.Split(name, ".")
	return pgx.Identifier(parts).Sanitize()
}
