// Package observability wires Prometheus metrics, OpenTelemetry tracing,
// readiness checks and error-rate anomaly detection around the fetch
// pipeline and the execution strategies.
//
// Metrics, Tracing and Anomaly are nil when disabled, and every wrapper in
// this package checks for that, so callers never branch on config.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/hermesosint/hermes/internal/config"
)

// Observability groups the components built from ObservabilityConfig.
// Health is always set; readiness works without any other feature.
type Observability struct {
	Metrics *MetricsCollector
	Tracing *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the enabled components. A nil cfg enables nothing but Health.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		obs.Tracing = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// HTTPTracer returns the tracer for the HTTP middleware, or nil when
// tracing is off so the middleware can skip span creation entirely.
func (o *Observability) HTTPTracer() trace.Tracer {
	if o == nil || o.Tracing == nil {
		return nil
	}
	return o.Tracing.Tracer()
}

// Instrumented reports whether any recording component is enabled.
func (o *Observability) Instrumented() bool {
	return o != nil && (o.Metrics != nil || o.Tracing != nil || o.Anomaly != nil)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracing == nil {
		return nil
	}
	return o.Tracing.Shutdown(ctx)
}
