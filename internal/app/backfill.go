package app

import (
	"context"
	"errors"
	"time"

	"kpi-alerts/internal/storage"
)

// Backfill re-evaluates every configured rule for each day in [From, To],
// fetching history as of that day. Useful after late-arriving warehouse loads
// or when rules change.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	from := opts.From.UTC().Truncate(24 * time.Hour)
	to := opts.To.UTC().Truncate(24 * time.Hour)
	if from.After(to) {
		return errors.New("backfill range is empty, check --from/--to")
	}

	pool, closePool, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	var alerts storage.AlertStore
	var drivers storage.DriverStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry run: nothing will be written")
	} else {
		store := storage.NewStore(pool)
		alerts = store
		drivers = store
	}

	svc := a.newService(pool, nil, alerts, drivers)

	processed := 0
	failed := 0
	totalAlerts := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		summary, err := svc.RunOnce(ctx, day)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("day", day).Msg("backfill day failed")
			continue
		}
		processed++
		totalAlerts += summary.Alerts
	}

	a.Logger.Info().
		Int("processed", processed).
		Int("failed", failed).
		Int("alerts", totalAlerts).
		Msg("backfill complete")
	if failed > 0 {
		return errors.New("some days failed to backfill, check the logs")
	}
	return nil
}
