package fetcher

import (
	"context"
	"time"

	"kpi-alerts/internal/detector"
)

// HistoryFetcher retrieves the daily history of one metric from the warehouse
// mart. Rows may come back in any order; the scorer sorts defensively.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, metricColumn string, asOf time.Time, limit int) (detector.Series, error)
}
