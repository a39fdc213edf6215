package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/scriptbox/internal/config"
)

// minWindowSamples is how many finished executions a window needs before
// the failure rate is meaningful.
const minWindowSamples = 5

// FailureMonitor performs threshold-based failure-rate detection over
// sliding windows, keyed by database kind. A sustained burst of timeouts
// or worker crashes usually means an unhealthy database target or a
// broken worker binary rather than bad scripts, so crossing the
// threshold is logged loudly for operators.
type FailureMonitor struct {
	mu        sync.Mutex
	failed    map[string]*slidingWindow
	completed map[string]*slidingWindow
	cfg       *config.FailureMonitorConfig
	logger    *slog.Logger
}

// NewFailureMonitor creates a failure monitor from config.
func NewFailureMonitor(cfg *config.FailureMonitorConfig, logger *slog.Logger) *FailureMonitor {
	return &FailureMonitor{
		failed:    make(map[string]*slidingWindow),
		completed: make(map[string]*slidingWindow),
		cfg:       cfg,
		logger:    logger,
	}
}

func (m *FailureMonitor) windowDuration() time.Duration {
	secs := m.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordOutcome records one finished execution. failureKind is empty for
// successful runs. Safe to call on a nil monitor.
func (m *FailureMonitor) RecordOutcome(kind, failureKind string) {
	if m == nil {
		return
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if failureKind == "" {
		m.window(m.completed, kind).add(now)
		return
	}
	m.window(m.failed, kind).add(now)
	m.checkFailureRate(kind, failureKind, now)
}

// checkFailureRate warns when failures dominate the window.
// Must be called with m.mu held.
func (m *FailureMonitor) checkFailureRate(kind, failureKind string, now time.Time) {
	threshold := m.cfg.FailureRateThreshold
	if threshold <= 0 {
		return
	}

	failures := m.window(m.failed, kind).count(now)
	completions := m.window(m.completed, kind).count(now)
	total := failures + completions

	if total < minWindowSamples {
		return // Not enough data.
	}

	rate := float64(failures) / float64(total)
	if rate > threshold && m.logger != nil {
		m.logger.Warn("high execution failure rate",
			slog.String("kind", kind),
			slog.String("last_failure", failureKind),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("failures", failures),
			slog.Int("total", total),
		)
	}
}

func (m *FailureMonitor) window(set map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := set[key]
	if !ok {
		w = &slidingWindow{window: m.windowDuration()}
		set[key] = w
	}
	return w
}

// slidingWindow counts events inside a rolling time span.
type slidingWindow struct {
	stamps []time.Time
	window time.Duration
}

// add appends an event and prunes expired entries.
func (w *slidingWindow) add(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.prune(now)
}

// count returns the number of events within the window.
func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
