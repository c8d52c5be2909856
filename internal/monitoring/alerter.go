package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStaleRatio       AlertType = "stale_ratio"
	AlertExhaustedPlans   AlertType = "exhausted_plans"
	AlertAbandonedRefresh AlertType = "abandoned_refresh"
	AlertJobFailureRate   AlertType = "job_failure_rate"
	AlertCostOverrun      AlertType = "cost_overrun"
)

// minFinishedForFailRate keeps a handful of early failures from paging.
const minFinishedForFailRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if a.cfg.StaleRatioThreshold > 0 && snap.PlansTotal > 0 && snap.StaleRatio > a.cfg.StaleRatioThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertStaleRatio,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of plans are stale or failed, threshold %.1f%% (%d stale, %d failed of %d)",
				snap.StaleRatio*100, a.cfg.StaleRatioThreshold*100,
				snap.Stale, snap.Failed, snap.PlansTotal,
			),
			Details: map[string]any{
				"stale_ratio": snap.StaleRatio,
				"threshold":   a.cfg.StaleRatioThreshold,
				"stale":       snap.Stale,
				"failed":      snap.Failed,
				"plans_total": snap.PlansTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ExhaustedThreshold > 0 && snap.Exhausted >= a.cfg.ExhaustedThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertExhaustedPlans,
			Severity: "high",
			Message:  fmt.Sprintf("%d plan(s) exhausted their refresh retries and need attention", snap.Exhausted),
			Details: map[string]any{
				"exhausted": snap.Exhausted,
				"threshold": a.cfg.ExhaustedThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.Abandoned > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertAbandonedRefresh,
			Severity: "medium",
			Message:  fmt.Sprintf("%d refresh(es) have run past the abandonment timeout", snap.Abandoned),
			Details: map[string]any{
				"abandoned":  snap.Abandoned,
				"refreshing": snap.Refreshing,
			},
			Timestamp: now,
		})
	}

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= minFinishedForFailRate && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Refresh job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":  snap.JobFailRate,
				"threshold":     a.cfg.FailureRateThreshold,
				"failed":        snap.JobsFailed,
				"finished":      finished,
				"plan_failures": snap.PlanFailures,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.FallbackSpendUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Fallback extraction spend $%.2f exceeds threshold $%.2f",
				snap.FallbackSpendUSD, a.cfg.CostThresholdUSD,
			),
			Details: map[string]any{
				"cost_usd":      snap.FallbackSpendUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
