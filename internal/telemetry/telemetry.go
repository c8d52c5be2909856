// Package telemetry provides OpenTelemetry metrics for the engine. Metrics
// are exported in Prometheus format when enabled and are a no-op otherwise.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/config"
)

// DefaultServiceName is used when telemetry.service_name is empty.
const DefaultServiceName = "planfinder"

// Telemetry bundles the meter provider with its scrape handler.
type Telemetry struct {
	MeterProvider metric.MeterProvider
	// Handler serves /metrics. Nil when telemetry is disabled.
	Handler  http.Handler
	shutdown func(context.Context) error
}

// New builds telemetry from configuration. Disabled telemetry returns a
// no-op meter provider.
func New(cfg config.TelemetryConfig) (*Telemetry, error) {
	if !cfg.Enabled {
		zap.L().Debug("telemetry: metrics disabled, using no-op meter provider")
		return &Telemetry{
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create prometheus exporter")
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	zap.L().Info("telemetry: metrics enabled", zap.String("service", name))
	return &Telemetry{
		MeterProvider: mp,
		Handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}
