package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = fmt.Errorf("storage: pool not configured")

const (
	insertAlertSQL = `INSERT INTO kpi_alerts (
        alert_id,
        metric_name,
        grain,
        metric_value,
        expected_value,
        deviation_pct,
        severity,
        method,
        explanation,
        alert_date
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	insertDriverSQL = `INSERT INTO kpi_alert_drivers (
        alert_id,
        dimension,
        segment_value,
        baseline_value,
        current_value,
        delta,
        contribution_pct,
        rank
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentAlertsSQL = `SELECT
        alert_id,
        metric_name,
        grain,
        metric_value,
        expected_value,
        deviation_pct,
        severity,
        method,
        explanation,
        alert_date,
        created_at
    FROM kpi_alerts
    ORDER BY alert_date DESC, created_at DESC
    LIMIT $1;`

	listAlertsForMetricSQL = `SELECT
        alert_id,
        metric_name,
        grain,
        metric_value,
        expected_value,
        deviation_pct,
        severity,
        method,
        explanation,
        alert_date,
        created_at
    FROM kpi_alerts
    WHERE metric_name = $1
      AND alert_date >= $2
      AND alert_date < $3
    ORDER BY alert_date;`

	listDriversSQL = `SELECT
        alert_id,
        dimension,
        segment_value,
        baseline_value,
        current_value,
        delta,
        contribution_pct,
        rank,
        created_at
    FROM kpi_alert_drivers
    WHERE alert_id = $1
    ORDER BY dimension, rank;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore persists and lists anomaly alerts. Inserts are append-only.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []Alert) error
	ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	ListAlertsForMetric(ctx context.Context, metric string, from, to time.Time) ([]Alert, error)
}

// DriverStore persists and lists root-cause drivers. Driver rows reference
// alert ids that must already be durable.
type DriverStore interface {
	InsertDrivers(ctx context.Context, drivers []Driver) error
	ListDriversForAlert(ctx context.Context, alertID uuid.UUID) ([]Driver, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates Postgres access to alerts and drivers.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertAlerts appends a batch of alerts inside one transaction.
func (s *Store) InsertAlerts(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, alert := range alerts {
			_, execErr := tx.Exec(ctx, insertAlertSQL,
				alert.AlertID,
				alert.MetricName,
				alert.Grain,
				decimal.NewFromFloat(alert.MetricValue).String(),
				decimal.NewFromFloat(alert.ExpectedValue).String(),
				decimal.NewFromFloat(alert.DeviationPct).String(),
				alert.Severity,
				alert.Method,
				alert.Explanation,
				alert.AlertDate,
			)
			if execErr != nil {
				return fmt.Errorf("insert alert %s/%s: %w", alert.MetricName, alert.AlertDate.Format("2006-01-02"), execErr)
			}
		}
		return nil
	})
}

// InsertDrivers appends a batch of drivers inside one transaction.
func (s *Store) InsertDrivers(ctx context.Context, drivers []Driver) error {
	if len(drivers) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, driver := range drivers {
			_, execErr := tx.Exec(ctx, insertDriverSQL,
				driver.AlertID,
				driver.Dimension,
				driver.SegmentValue,
				decimal.NewFromFloat(driver.BaselineValue).String(),
				decimal.NewFromFloat(driver.CurrentValue).String(),
				decimal.NewFromFloat(driver.Delta).String(),
				decimal.NewFromFloat(driver.ContributionPct).String(),
				driver.Rank,
			)
			if execErr != nil {
				return fmt.Errorf("insert driver %s/%s: %w", driver.Dimension, driver.SegmentValue, execErr)
			}
		}
		return nil
	})
}

// ListRecentAlerts lists the most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// ListAlertsForMetric lists one metric's alerts within [from, to).
func (s *Store) ListAlertsForMetric(ctx context.Context, metric string, from, to time.Time) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsForMetricSQL, metric, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts for metric: %w", queryErr)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// ListDriversForAlert lists an alert's drivers ordered by dimension and rank.
func (s *Store) ListDriversForAlert(ctx context.Context, alertID uuid.UUID) ([]Driver, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDriversSQL, alertID)
	if queryErr != nil {
		return nil, fmt.Errorf("list drivers: %w", queryErr)
	}
	defer rows.Close()

	drivers := make([]Driver, 0)
	for rows.Next() {
		var (
			driver          Driver
			baselineStr     string
			currentStr      string
			deltaStr        string
			contributionStr string
		)
		if err := rows.Scan(
			&driver.AlertID,
			&driver.Dimension,
			&driver.SegmentValue,
			&baselineStr,
			&currentStr,
			&deltaStr,
			&contributionStr,
			&driver.Rank,
			&driver.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if driver.BaselineValue, convErr = parseNumeric(baselineStr, "baseline_value"); convErr != nil {
			return nil, convErr
		}
		if driver.CurrentValue, convErr = parseNumeric(currentStr, "current_value"); convErr != nil {
			return nil, convErr
		}
		if driver.Delta, convErr = parseNumeric(deltaStr, "delta"); convErr != nil {
			return nil, convErr
		}
		if driver.ContributionPct, convErr = parseNumeric(contributionStr, "contribution_pct"); convErr != nil {
			return nil, convErr
		}

		drivers = append(drivers, driver)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return drivers, nil
}

func scanAlerts(rows pgx.Rows) ([]Alert, error) {
	alerts := make([]Alert, 0)
	for rows.Next() {
		var (
			alert        Alert
			valueStr     string
			expectedStr  string
			deviationStr string
		)
		if err := rows.Scan(
			&alert.AlertID,
			&alert.MetricName,
			&alert.Grain,
			&valueStr,
			&expectedStr,
			&deviationStr,
			&alert.Severity,
			&alert.Method,
			&alert.Explanation,
			&alert.AlertDate,
			&alert.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if alert.MetricValue, convErr = parseNumeric(valueStr, "metric_value"); convErr != nil {
			return nil, convErr
		}
		if alert.ExpectedValue, convErr = parseNumeric(expectedStr, "expected_value"); convErr != nil {
			return nil, convErr
		}
		if alert.DeviationPct, convErr = parseNumeric(deviationStr, "deviation_pct"); convErr != nil {
			return nil, convErr
		}

		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func parseNumeric(value, column string) (float64, error) {
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", column, err)
	}
	return dec.InexactFloat64(), nil
}
