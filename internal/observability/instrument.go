package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scriptbox/internal/coordinator"
	"github.com/jkaninda/scriptbox/internal/domain"
)

// InstrumentedRunner wraps a coordinator.Runner with metrics, tracing,
// and failure-rate monitoring. The coordinator itself stays free of
// observability concerns.
type InstrumentedRunner struct {
	inner    coordinator.Runner
	metrics  *MetricsCollector
	tracer   trace.Tracer
	failures *FailureMonitor
}

// NewInstrumentedRunner wraps a runner with observability.
// Any component may be nil.
func NewInstrumentedRunner(inner coordinator.Runner, metrics *MetricsCollector, ts *TracerSetup, failures *FailureMonitor) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:    inner,
		metrics:  metrics,
		tracer:   tracer,
		failures: failures,
	}
}

// Execute runs the request through the wrapped runner and records the
// span, the counters, and the outcome.
func (r *InstrumentedRunner) Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	kind := string(req.DatabaseKind)

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "scriptbox.execute",
			trace.WithAttributes(
				attribute.String("db.kind", kind),
				attribute.String("db.name", req.DatabaseName),
			))
		defer span.End()
	}

	if r.metrics != nil {
		r.metrics.ActiveExecutions.Inc()
		defer r.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	res := r.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := executionStatus(res)
	failureKind := ""
	if res.Failure != nil {
		failureKind = string(res.Failure.Kind)
	}

	if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("script.status", status))
		if res.Failure != nil {
			span.SetStatus(codes.Error, res.Failure.Message)
		}
	}

	if r.metrics != nil {
		r.metrics.ExecutionsTotal.WithLabelValues(kind, status).Inc()
		r.metrics.ExecutionDuration.WithLabelValues(kind).Observe(duration)
		r.metrics.QueriesTotal.WithLabelValues(kind).Add(float64(res.Summary.QueryCount))
		r.metrics.OperationsTotal.WithLabelValues(kind).Add(float64(res.Summary.OperationCount))
		r.metrics.RowsReturnedTotal.WithLabelValues(kind).Add(float64(res.Summary.RowsReturned))

		switch failureKind {
		case string(domain.FailureTimeout):
			r.metrics.TimeoutsTotal.Inc()
		case string(domain.FailureProcess):
			r.metrics.WorkerCrashesTotal.Inc()
		}
	}

	r.failures.RecordOutcome(kind, failureKind)

	return res
}

// executionStatus maps a result to a metric label value.
func executionStatus(res domain.ExecutionResult) string {
	if res.Succeeded {
		return "succeeded"
	}
	if res.Failure == nil {
		return "failed"
	}
	switch res.Failure.Kind {
	case domain.FailureSyntax:
		return "syntax_error"
	case domain.FailureRuntime:
		return "runtime_error"
	case domain.FailureTimeout:
		return "timeout_error"
	case domain.FailureProcess:
		return "process_error"
	default:
		return "failed"
	}
}

// Compile-time interface check.
var _ coordinator.Runner = (*InstrumentedRunner)(nil)
