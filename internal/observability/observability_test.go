package observability

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// counterValue reads the current value of a counter.
func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// gaugeValue reads the current value of a gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

// mockRunner records the request and returns a canned result.
type mockRunner struct {
	res       domain.ExecutionResult
	gotReq    domain.ExecutionRequest
	calls     int
	onExecute func()
}

func (m *mockRunner) Execute(_ context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	m.calls++
	m.gotReq = req
	if m.onExecute != nil {
		m.onExecute()
	}
	return m.res
}

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, discardLogger())
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Errorf("New(nil) = %+v, want nil", obs)
	}
}

func TestNew_EmptyConfig(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("New() = nil for a non-nil config")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Failures != nil {
		t.Errorf("components enabled without config: %+v", obs)
	}
}

func TestNew_ComponentSelection(t *testing.T) {
	cfg := &config.ObservabilityConfig{
		Metrics:  &config.MetricsConfig{Enabled: true},
		Failures: &config.FailureMonitorConfig{Enabled: true, FailureRateThreshold: 0.5},
	}
	obs, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("Metrics not created")
	}
	if obs.Failures == nil {
		t.Error("Failures not created")
	}
	if obs.Tracer != nil {
		t.Error("Tracer created without tracing config")
	}

	// A present-but-disabled section stays off.
	obs, err = New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: false}}, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("Metrics created while disabled")
	}
}

func TestShutdown_NilSafe(t *testing.T) {
	var o *Observability
	o.Shutdown(context.Background())

	(&Observability{}).Shutdown(context.Background())
}

// --- Metrics ---

func TestNewMetricsCollector_Registry(t *testing.T) {
	m := NewMetricsCollector()

	// Vec metrics only show up in gather output once a child exists.
	m.ExecutionsTotal.WithLabelValues("relational", "succeeded").Inc()
	m.ExecutionDuration.WithLabelValues("relational").Observe(0.2)
	m.QueriesTotal.WithLabelValues("relational").Add(2)
	m.OperationsTotal.WithLabelValues("document").Inc()
	m.RowsReturnedTotal.WithLabelValues("relational").Add(10)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	got := make(map[string]bool, len(families))
	for _, fam := range families {
		got[fam.GetName()] = true
	}

	want := []string{
		"scriptbox_execution_total",
		"scriptbox_execution_duration_seconds",
		"scriptbox_execution_queries_total",
		"scriptbox_execution_operations_total",
		"scriptbox_execution_rows_returned_total",
		"scriptbox_worker_timeouts_total",
		"scriptbox_worker_crashes_total",
		"scriptbox_active_executions",
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

// --- Instrumented runner ---

func TestInstrumentedRunner_Success(t *testing.T) {
	inner := &mockRunner{res: domain.ExecutionResult{
		Succeeded: true,
		Summary:   domain.Summary{QueryCount: 3, OperationCount: 2, RowsReturned: 40},
	}}
	m := NewMetricsCollector()
	r := NewInstrumentedRunner(inner, m, nil, nil)

	req := domain.ExecutionRequest{DatabaseKind: domain.KindRelational, DatabaseName: "appdb"}
	res := r.Execute(context.Background(), req)

	if !res.Succeeded {
		t.Fatal("result not passed through")
	}
	if inner.calls != 1 || inner.gotReq.DatabaseName != "appdb" {
		t.Fatalf("inner runner saw calls=%d req=%+v", inner.calls, inner.gotReq)
	}

	if got := counterValue(t, m.ExecutionsTotal.WithLabelValues("relational", "succeeded")); got != 1 {
		t.Errorf("executions counter = %v, want 1", got)
	}
	if got := counterValue(t, m.QueriesTotal.WithLabelValues("relational")); got != 3 {
		t.Errorf("queries counter = %v, want 3", got)
	}
	if got := counterValue(t, m.OperationsTotal.WithLabelValues("relational")); got != 2 {
		t.Errorf("operations counter = %v, want 2", got)
	}
	if got := counterValue(t, m.RowsReturnedTotal.WithLabelValues("relational")); got != 40 {
		t.Errorf("rows counter = %v, want 40", got)
	}
	if got := counterValue(t, m.TimeoutsTotal); got != 0 {
		t.Errorf("timeouts counter = %v, want 0", got)
	}
}

func TestInstrumentedRunner_TimeoutCounter(t *testing.T) {
	inner := &mockRunner{res: domain.ExecutionResult{
		Failure: &domain.Failure{Kind: domain.FailureTimeout, Message: "script execution timed out after 100ms"},
	}}
	m := NewMetricsCollector()
	r := NewInstrumentedRunner(inner, m, nil, nil)

	r.Execute(context.Background(), domain.ExecutionRequest{DatabaseKind: domain.KindRelational})

	if got := counterValue(t, m.TimeoutsTotal); got != 1 {
		t.Errorf("timeouts counter = %v, want 1", got)
	}
	if got := counterValue(t, m.ExecutionsTotal.WithLabelValues("relational", "timeout_error")); got != 1 {
		t.Errorf("executions counter = %v, want 1", got)
	}
	if got := counterValue(t, m.WorkerCrashesTotal); got != 0 {
		t.Errorf("crashes counter = %v, want 0", got)
	}
}

func TestInstrumentedRunner_CrashCounter(t *testing.T) {
	inner := &mockRunner{res: domain.ExecutionResult{
		Failure: &domain.Failure{Kind: domain.FailureProcess, Message: "worker exited without delivering a result"},
	}}
	m := NewMetricsCollector()
	r := NewInstrumentedRunner(inner, m, nil, nil)

	r.Execute(context.Background(), domain.ExecutionRequest{DatabaseKind: domain.KindDocument})

	if got := counterValue(t, m.WorkerCrashesTotal); got != 1 {
		t.Errorf("crashes counter = %v, want 1", got)
	}
	if got := counterValue(t, m.ExecutionsTotal.WithLabelValues("document", "process_error")); got != 1 {
		t.Errorf("executions counter = %v, want 1", got)
	}
}

func TestInstrumentedRunner_ActiveGauge(t *testing.T) {
	m := NewMetricsCollector()
	inner := &mockRunner{res: domain.ExecutionResult{Succeeded: true}}
	inner.onExecute = func() {
		if got := gaugeValue(t, m.ActiveExecutions); got != 1 {
			t.Errorf("active gauge during execution = %v, want 1", got)
		}
	}
	r := NewInstrumentedRunner(inner, m, nil, nil)

	r.Execute(context.Background(), domain.ExecutionRequest{DatabaseKind: domain.KindRelational})

	if got := gaugeValue(t, m.ActiveExecutions); got != 0 {
		t.Errorf("active gauge after execution = %v, want 0", got)
	}
}

func TestInstrumentedRunner_NilComponents(t *testing.T) {
	inner := &mockRunner{res: domain.ExecutionResult{Succeeded: true, ReturnValue: float64(3)}}
	r := NewInstrumentedRunner(inner, nil, nil, nil)

	res := r.Execute(context.Background(), domain.ExecutionRequest{DatabaseKind: domain.KindRelational})
	if !res.Succeeded || res.ReturnValue != float64(3) {
		t.Errorf("result not passed through: %+v", res)
	}
}

func TestExecutionStatus(t *testing.T) {
	tests := []struct {
		name string
		res  domain.ExecutionResult
		want string
	}{
		{"success", domain.ExecutionResult{Succeeded: true}, "succeeded"},
		{"no failure detail", domain.ExecutionResult{}, "failed"},
		{"syntax", domain.ExecutionResult{Failure: &domain.Failure{Kind: domain.FailureSyntax}}, "syntax_error"},
		{"runtime", domain.ExecutionResult{Failure: &domain.Failure{Kind: domain.FailureRuntime}}, "runtime_error"},
		{"timeout", domain.ExecutionResult{Failure: &domain.Failure{Kind: domain.FailureTimeout}}, "timeout_error"},
		{"process", domain.ExecutionResult{Failure: &domain.Failure{Kind: domain.FailureProcess}}, "process_error"},
		{"unknown kind", domain.ExecutionResult{Failure: &domain.Failure{Kind: "Weird"}}, "failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := executionStatus(tc.res); got != tc.want {
				t.Errorf("executionStatus() = %q, want %q", got, tc.want)
			}
		})
	}
}

// --- Failure monitor ---

func TestFailureMonitor_WarnsOnHighRate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewFailureMonitor(&config.FailureMonitorConfig{WindowSeconds: 60, FailureRateThreshold: 0.5}, logger)

	for i := 0; i < 5; i++ {
		m.RecordOutcome("relational", "TimeoutError")
	}

	out := buf.String()
	if !strings.Contains(out, "high execution failure rate") {
		t.Fatalf("no warning logged, output: %q", out)
	}
	if !strings.Contains(out, "kind=relational") || !strings.Contains(out, "last_failure=TimeoutError") {
		t.Errorf("warning missing context: %q", out)
	}
}

func TestFailureMonitor_BelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewFailureMonitor(&config.FailureMonitorConfig{FailureRateThreshold: 0.5}, logger)

	for i := 0; i < 4; i++ {
		m.RecordOutcome("relational", "")
	}
	m.RecordOutcome("relational", "RuntimeError")

	if out := buf.String(); strings.Contains(out, "high execution failure rate") {
		t.Errorf("warned at 20%% failure rate: %q", out)
	}
}

func TestFailureMonitor_NeedsSamples(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewFailureMonitor(&config.FailureMonitorConfig{FailureRateThreshold: 0.5}, logger)

	m.RecordOutcome("relational", "TimeoutError")
	m.RecordOutcome("relational", "TimeoutError")

	if out := buf.String(); strings.Contains(out, "high execution failure rate") {
		t.Errorf("warned with only two samples: %q", out)
	}
}

func TestFailureMonitor_ZeroThresholdDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewFailureMonitor(&config.FailureMonitorConfig{}, logger)

	for i := 0; i < 10; i++ {
		m.RecordOutcome("relational", "TimeoutError")
	}

	if out := buf.String(); out != "" {
		t.Errorf("warned with a zero threshold: %q", out)
	}
}

func TestFailureMonitor_PerKindWindows(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewFailureMonitor(&config.FailureMonitorConfig{FailureRateThreshold: 0.5}, logger)

	for i := 0; i < 5; i++ {
		m.RecordOutcome("relational", "TimeoutError")
	}
	m.RecordOutcome("document", "TimeoutError")

	// The lone document failure must not inherit the relational window.
	if got := strings.Count(buf.String(), "high execution failure rate"); got != 1 {
		t.Errorf("got %d warnings, want 1: %q", got, buf.String())
	}
}

func TestFailureMonitor_NilSafe(t *testing.T) {
	var m *FailureMonitor
	m.RecordOutcome("relational", "TimeoutError")

	// A nil logger disables the warning but not the bookkeeping.
	quiet := NewFailureMonitor(&config.FailureMonitorConfig{FailureRateThreshold: 0.1}, nil)
	for i := 0; i < 6; i++ {
		quiet.RecordOutcome("relational", "TimeoutError")
	}
	if got := quiet.failed["relational"].count(time.Now()); got != 6 {
		t.Errorf("failed window count = %d, want 6", got)
	}
}

func TestFailureMonitor_IntegrationWithRunner(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	monitor := NewFailureMonitor(&config.FailureMonitorConfig{FailureRateThreshold: 0.5}, logger)
	inner := &mockRunner{res: domain.ExecutionResult{
		Failure: &domain.Failure{Kind: domain.FailureTimeout, Message: "script execution timed out after 100ms"},
	}}
	r := NewInstrumentedRunner(inner, nil, nil, monitor)

	for i := 0; i < 5; i++ {
		r.Execute(context.Background(), domain.ExecutionRequest{DatabaseKind: domain.KindRelational})
	}

	if !strings.Contains(buf.String(), "high execution failure rate") {
		t.Errorf("runner outcomes did not reach the monitor: %q", buf.String())
	}
}

func TestWindowDuration_Default(t *testing.T) {
	m := NewFailureMonitor(&config.FailureMonitorConfig{}, nil)
	if got := m.windowDuration(); got != 300*time.Second {
		t.Errorf("windowDuration() = %v, want 5m", got)
	}
	m = NewFailureMonitor(&config.FailureMonitorConfig{WindowSeconds: 60}, nil)
	if got := m.windowDuration(); got != time.Minute {
		t.Errorf("windowDuration() = %v, want 1m", got)
	}
}

func TestSlidingWindow_Prune(t *testing.T) {
	w := &slidingWindow{window: time.Minute}
	base := time.Now()
	w.add(base)
	w.add(base.Add(30 * time.Second))

	if got := w.count(base.Add(45 * time.Second)); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	if got := w.count(base.Add(90 * time.Second)); got != 1 {
		t.Errorf("count after first expiry = %d, want 1", got)
	}
	if got := w.count(base.Add(5 * time.Minute)); got != 0 {
		t.Errorf("count after window = %d, want 0", got)
	}
}

// --- Tracing ---

func TestTracerSetup_NilSafe(t *testing.T) {
	var ts *TracerSetup
	if got := ts.Tracer(); got == nil {
		t.Error("nil TracerSetup returned a nil tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
}

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil || ts != nil {
		t.Errorf("NewTracerSetup(nil) = %v, %v", ts, err)
	}
	ts, err = NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Errorf("NewTracerSetup(disabled) = %v, %v", ts, err)
	}
}
