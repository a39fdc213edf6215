// Package observability instruments script executions: Prometheus
// metrics on a private registry, OTLP trace spans around each run, and
// a sliding-window failure-rate monitor. Every component is optional
// and nil-safe, so callers wire the facade once and never branch on
// whether a feature is enabled.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/scriptbox/internal/config"
)

// Observability bundles the enabled components. A field is nil when the
// matching config section is absent or disabled.
type Observability struct {
	Metrics  *MetricsCollector
	Tracer   *TracerSetup
	Failures *FailureMonitor
}

// New assembles the facade from config. A nil config disables
// everything and returns (nil, nil).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	obs := &Observability{}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Failures != nil && cfg.Failures.Enabled {
		obs.Failures = NewFailureMonitor(cfg.Failures, logger)
	}
	return obs, nil
}

// Shutdown flushes the trace pipeline. The metrics registry and the
// failure monitor hold no external resources. Nil-safe.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}
