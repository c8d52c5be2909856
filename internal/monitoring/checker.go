// Package monitoring watches catalog freshness and refresh outcomes and
// posts threshold alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/config"
)

// Sweeper demotes fresh plans that have aged past the staleness threshold.
type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	sweeper   Sweeper
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. sweeper may be nil.
func NewChecker(collector *Collector, alerter *Alerter, sweeper Sweeper, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		sweeper:   sweeper,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: check failed", zap.Error(err))
			}
		}
	}
}

// Check runs one sweep-collect-alert cycle and returns the alerts raised.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	if c.cfg.SweepStale && c.sweeper != nil {
		n, err := c.sweeper.SweepStale(ctx)
		if err != nil {
			log.Warn("monitoring: stale sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("monitoring: marked plans stale", zap.Int("plans", n))
		}
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts, nil
}
