package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"kpi-alerts/internal/alerting"
	"kpi-alerts/internal/attribution"
	"kpi-alerts/internal/config"
	"kpi-alerts/internal/fetcher"
	"kpi-alerts/internal/scheduler"
	"kpi-alerts/internal/service"
	"kpi-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) connect(ctx context.Context) (*pgxpool.Pool, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func (a *App) newWarehouse(pool *pgxpool.Pool) *fetcher.Warehouse {
	return fetcher.NewWarehouse(pool, fetcher.WarehouseOptions{
		DailyTable: a.Config.Warehouse.DailyTable,
		DateColumn: a.Config.Warehouse.DateColumn,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newService wires the full pipeline. Pass nil stores for a dry run.
func (a *App) newService(pool *pgxpool.Pool, sched *scheduler.Scheduler, alerts storage.AlertStore, drivers storage.DriverStore) *service.Service {
	warehouse := a.newWarehouse(pool)
	engine := attribution.NewEngine(warehouse, a.Config.Attribution, a.Logger)
	return service.New(a.Config, sched, warehouse, engine, alerts, drivers, a.newNotifier(), a.Logger)
}

// Run executes the long-running scheduled evaluation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, closePool, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	store := storage.NewStore(pool)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.newService(pool, sched, store, store)

	a.Logger.Info().Msg("starting evaluation service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("evaluation service stopped")
	return nil
}

// RunOnce executes a single evaluation pass and exits.
func (a *App) RunOnce(ctx context.Context, asOf time.Time, dryRun bool) error {
	pool, closePool, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	var alerts storage.AlertStore
	var drivers storage.DriverStore
	if dryRun {
		a.Logger.Warn().Msg("dry run: nothing will be written")
	} else {
		store := storage.NewStore(pool)
		alerts = store
		drivers = store
	}

	svc := a.newService(pool, nil, alerts, drivers)

	summary, err := svc.RunOnce(ctx, asOf)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("evaluated", summary.MetricsEvaluated).
		Int("skipped", summary.MetricsSkipped).
		Int("alerts", summary.Alerts).
		Int("drivers", summary.Drivers).
		Msg("evaluation complete")
	return nil
}

// ExportOptions hold parameters for exporting one metric's history.
type ExportOptions struct {
	Metric    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure historical re-evaluation.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
