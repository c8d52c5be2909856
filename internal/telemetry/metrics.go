package telemetry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sells-group/planfinder/internal/model"
)

// MeterName is the instrumentation scope of the engine's metrics.
const MeterName = "github.com/sells-group/planfinder/engine"

// Refresh outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
)

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	reads           metric.Int64Counter
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	spend           metric.Float64Counter
	jobs            metric.Int64Counter
}

// NewMetrics creates the instruments on provider. A nil provider returns
// nil metrics.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(MeterName)

	reads, err := meter.Int64Counter(
		"planfinder_plan_reads_total",
		metric.WithDescription("Plan reads by how they were answered"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: reads counter")
	}
	refreshes, err := meter.Int64Counter(
		"planfinder_refreshes_total",
		metric.WithDescription("Plan refresh attempts by source and outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: refreshes counter")
	}
	refreshDuration, err := meter.Float64Histogram(
		"planfinder_extraction_duration_seconds",
		metric.WithDescription("Duration of provider extraction calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: extraction histogram")
	}
	spend, err := meter.Float64Counter(
		"planfinder_extraction_spend_usd_total",
		metric.WithDescription("Estimated extraction spend"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: spend counter")
	}
	jobs, err := meter.Int64Counter(
		"planfinder_jobs_total",
		metric.WithDescription("Refresh jobs by scope and final status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: jobs counter")
	}

	return &Metrics{
		reads:           reads,
		refreshes:       refreshes,
		refreshDuration: refreshDuration,
		spend:           spend,
		jobs:            jobs,
	}, nil
}

// RecordRead counts a GetPlan answer by its annotation reason.
func (m *Metrics) RecordRead(ctx context.Context, reason string, degraded bool) {
	if m == nil {
		return
	}
	m.reads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.Bool("degraded", degraded),
	))
}

// RecordRefresh counts a refresh outcome.
func (m *Metrics) RecordRefresh(ctx context.Context, source model.Source, outcome string) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("outcome", outcome),
	))
}

// RecordExtraction records one provider call and its spend.
func (m *Metrics) RecordExtraction(ctx context.Context, provider string, d time.Duration, costUSD float64, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	)
	m.refreshDuration.Record(ctx, d.Seconds(), attrs)
	if costUSD > 0 {
		m.spend.Add(ctx, costUSD, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// RecordJob counts a finished refresh job.
func (m *Metrics) RecordJob(ctx context.Context, scope model.JobScope, status model.JobStatus) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.String("status", string(status)),
	))
}

// StateCounter reports how many plans are in each ledger state.
type StateCounter func(ctx context.Context) (map[model.FreshnessState]int, error)

// ObserveStates registers a gauge of plans per ledger state, read from fn
// at collection time.
func ObserveStates(provider metric.MeterProvider, fn StateCounter) error {
	if provider == nil || fn == nil {
		return nil
	}
	meter := provider.Meter(MeterName)
	gauge, err := meter.Int64ObservableGauge(
		"planfinder_plans",
		metric.WithDescription("Plans per freshness state"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		return eris.Wrap(err, "telemetry: plans gauge")
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := fn(ctx)
		if err != nil {
			return err
		}
		for _, s := range []model.FreshnessState{model.StateFresh, model.StateStale, model.StateRefreshing, model.StateFailed} {
			o.ObserveInt64(gauge, int64(counts[s]), metric.WithAttributes(attribute.String("state", string(s))))
		}
		return nil
	}, gauge)
	return eris.Wrap(err, "telemetry: register plans callback")
}
