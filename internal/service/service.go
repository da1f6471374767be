package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kpi-alerts/internal/alerting"
	"kpi-alerts/internal/attribution"
	"kpi-alerts/internal/config"
	"kpi-alerts/internal/detector"
	"kpi-alerts/internal/fetcher"
	"kpi-alerts/internal/scheduler"
	"kpi-alerts/internal/storage"
)

// Attributor ranks the drivers behind one persisted alert. It never fails:
// per-dimension errors are handled inside the engine.
type Attributor interface {
	Attribute(ctx context.Context, alert attribution.Alert) []attribution.Driver
}

// Summary reports what a single pipeline run did.
type Summary struct {
	MetricsEvaluated int
	MetricsSkipped   int
	Alerts           int
	Drivers          int
}

// Service coordinates the evaluation pipeline: fetch each metric's history,
// score it, persist confirmed alerts, attribute them, persist drivers.
type Service struct {
	cfg        *config.Config
	scheduler  *scheduler.Scheduler
	history    fetcher.HistoryFetcher
	attributor Attributor
	alerts     storage.AlertStore
	drivers    storage.DriverStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the evaluation service. The alert and driver stores may be
// nil for dry runs; staged records are then logged but not written.
func New(cfg *config.Config, sched *scheduler.Scheduler, history fetcher.HistoryFetcher, attributor Attributor, alerts storage.AlertStore, drivers storage.DriverStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := alerts.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		cfg:        cfg,
		scheduler:  sched,
		history:    history,
		attributor: attributor,
		alerts:     alerts,
		drivers:    drivers,
		notifier:   notifier,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the scheduled evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick evaluates all rules once, guarded by the advisory lock so two
// instances never double-write the same day.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.RunOnce(ctx, bucket)
	return err
}

// RunOnce executes one full evaluation pass as of the given time. Per-metric
// failures are logged and skip only that metric; store write failures abort
// the pass. Zero detected anomalies means zero writes and a nil error.
func (s *Service) RunOnce(ctx context.Context, asOf time.Time) (Summary, error) {
	var summary Summary

	staged := make([]storage.Alert, 0)
	now := time.Now().UTC()

	for _, rule := range s.cfg.Rules {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		logger := s.logger.With().Str("metric", rule.Metric).Logger()
		logger.Info().Msg("analysing metric")

		series, err := s.history.FetchHistory(ctx, rule.Metric, asOf, s.cfg.Warehouse.LookbackDays)
		if err != nil {
			summary.MetricsSkipped++
			logger.Warn().Err(err).Msg("history fetch failed; skipping metric")
			continue
		}
		if len(series) < 5 {
			summary.MetricsSkipped++
			logger.Warn().Int("points", len(series)).Msg("not enough history; skipping metric")
			continue
		}
		summary.MetricsEvaluated++

		for _, result := range detector.Score(series, s.buildMethods(rule)) {
			logger.Warn().
				Str("method", result.Method).
				Str("severity", string(result.Severity)).
				Str("alert_date", result.Date.Format("2006-01-02")).
				Msg(result.Explanation)

			staged = append(staged, storage.Alert{
				AlertID:       uuid.New(),
				MetricName:    rule.Metric,
				Grain:         rule.Grain,
				MetricValue:   result.Actual,
				ExpectedValue: result.Expected,
				DeviationPct:  result.DeviationPct,
				Severity:      string(result.Severity),
				Method:        result.Method,
				Explanation:   result.Explanation,
				AlertDate:     result.Date,
				CreatedAt:     now,
			})
		}
	}

	if len(staged) == 0 {
		s.logger.Info().Int("evaluated", summary.MetricsEvaluated).Msg("no anomalies detected")
		return summary, nil
	}
	summary.Alerts = len(staged)

	// Alerts first, then drivers: driver rows must never reference an alert
	// id that is not yet durable.
	if s.alerts != nil {
		if err := s.alerts.InsertAlerts(ctx, staged); err != nil {
			return summary, fmt.Errorf("persist alerts: %w", err)
		}
		s.logger.Info().Int("alerts", len(staged)).Msg("alerts saved")
	} else {
		s.logger.Warn().Int("alerts", len(staged)).Msg("dry run: alerts not persisted")
	}

	stagedDrivers := make([]storage.Driver, 0)
	driversByAlert := make(map[uuid.UUID][]storage.Driver, len(staged))
	if s.attributor != nil {
		for _, alert := range staged {
			ranked := s.attributor.Attribute(ctx, attribution.Alert{
				MetricName:    alert.MetricName,
				Grain:         alert.Grain,
				AlertDate:     alert.AlertDate,
				MetricValue:   alert.MetricValue,
				ExpectedValue: alert.ExpectedValue,
			})

			drivers := make([]storage.Driver, 0, len(ranked))
			for _, d := range ranked {
				drivers = append(drivers, storage.Driver{
					AlertID:         alert.AlertID,
					Dimension:       d.Dimension,
					SegmentValue:    d.SegmentValue,
					BaselineValue:   d.BaselineValue,
					CurrentValue:    d.CurrentValue,
					Delta:           d.Delta,
					ContributionPct: d.ContributionPct,
					Rank:            d.Rank,
					CreatedAt:       now,
				})
			}
			driversByAlert[alert.AlertID] = drivers
			stagedDrivers = append(stagedDrivers, drivers...)
		}
	}
	summary.Drivers = len(stagedDrivers)

	if len(stagedDrivers) > 0 {
		if s.drivers != nil {
			if err := s.drivers.InsertDrivers(ctx, stagedDrivers); err != nil {
				return summary, fmt.Errorf("persist drivers: %w", err)
			}
			s.logger.Info().Int("drivers", len(stagedDrivers)).Msg("drivers saved")
		} else {
			s.logger.Warn().Int("drivers", len(stagedDrivers)).Msg("dry run: drivers not persisted")
		}
	}

	s.notifyAll(ctx, staged, driversByAlert)

	return summary, nil
}

func (s *Service) notifyAll(ctx context.Context, alerts []storage.Alert, driversByAlert map[uuid.UUID][]storage.Driver) {
	if s.notifier == nil || !s.cfg.Alerting.Enabled {
		return
	}

	for _, alert := range alerts {
		note := alerting.Notification{
			Metric:       alert.MetricName,
			AlertDate:    alert.AlertDate,
			Severity:     alert.Severity,
			Method:       alert.Method,
			Actual:       alert.MetricValue,
			Expected:     alert.ExpectedValue,
			DeviationPct: alert.DeviationPct,
			Explanation:  alert.Explanation,
			Channels:     s.cfg.Alerting.Channels,
		}
		for _, d := range driversByAlert[alert.AlertID] {
			note.Drivers = append(note.Drivers, alerting.DriverLine{
				Dimension:       d.Dimension,
				Segment:         d.SegmentValue,
				Delta:           d.Delta,
				ContributionPct: d.ContributionPct,
			})
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("metric", alert.MetricName).Msg("failed to dispatch alert")
		}
	}
}

// buildMethods translates a rule's method list into detector variants,
// filling unset parameters from the detection defaults. Method order is
// preserved so result ordering stays deterministic.
func (s *Service) buildMethods(rule config.Rule) []detector.Method {
	defaults := s.cfg.Detection
	methods := make([]detector.Method, 0, len(rule.Methods))
	for _, mc := range rule.Methods {
		switch mc.Name {
		case config.MethodZScore:
			threshold := mc.Threshold
			if threshold == 0 {
				threshold = defaults.ZScoreThreshold
			}
			methods = append(methods, detector.ZScore{Threshold: threshold})
		case config.MethodDowBaseline:
			weeks := mc.LookbackWeeks
			if weeks == 0 {
				weeks = defaults.DowLookbackWeeks
			}
			pct := mc.ThresholdPct
			if pct == 0 {
				pct = defaults.DowThresholdPct
			}
			methods = append(methods, detector.DowBaseline{LookbackWeeks: weeks, ThresholdPct: pct})
		}
	}
	return methods
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
