package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"kpi-alerts/internal/storage"
)

// Show prints recent alerts and their drivers.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	pool, closePool, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	store := storage.NewStore(pool)

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tMetric\tMethod\tSeverity\tActual\tExpected\tDeviation%\tExplanation")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.2f\t%.2f\t%+.1f\t%s\n",
			alert.AlertDate.Format("2006-01-02"),
			alert.MetricName,
			alert.Method,
			alert.Severity,
			alert.MetricValue,
			alert.ExpectedValue,
			alert.DeviationPct*100,
			sanitizeInline(alert.Explanation),
		)

		drivers, err := store.ListDriversForAlert(ctx, alert.AlertID)
		if err != nil {
			return err
		}
		for _, d := range drivers {
			fmt.Fprintf(
				writer,
				"  #%d\t%s=%s\t\t\t%.1f\t%.1f\t%+.1f\t%.0f%% of gap\n",
				d.Rank,
				d.Dimension,
				sanitizeInline(d.SegmentValue),
				d.CurrentValue,
				d.BaselineValue,
				d.Delta,
				d.ContributionPct*100,
			)
		}
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
