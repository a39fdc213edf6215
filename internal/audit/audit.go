// Package audit records completed script executions as append-only JSONL.
//
// Every execution produces exactly one record, whether it succeeded,
// failed, or was killed. Connection targets are stored in redacted
// form only; credentials never reach the audit file.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record is one audit line describing a finished execution.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	ExecutionID  string    `json:"execution_id"`
	DatabaseKind string    `json:"database_kind"`
	DatabaseName string    `json:"database_name"`
	Target       string    `json:"target"` // redacted, never a DSN
	Profile      string    `json:"profile,omitempty"`
	ScriptBytes  int       `json:"script_bytes"`
	Succeeded    bool      `json:"succeeded"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Queries      int       `json:"queries,omitempty"`
	Operations   int       `json:"operations,omitempty"`
	RowsReturned int64     `json:"rows_returned,omitempty"`
	RowsAffected int64     `json:"rows_affected,omitempty"`
}

// Recorder writes execution records as append-only JSONL.
// Each record is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can record concurrently.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewRecorder opens (or creates) the audit file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit file %s: %w", path, err)
	}
	return &Recorder{
		file:   f,
		logger: logger,
	}, nil
}

// Record serializes the record as JSON and appends it to the audit file.
// Marshal happens outside the lock; only the file write is serialized.
// A nil Recorder is a no-op, so auditing stays optional for callers.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if r == nil {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	_, writeErr := r.file.Write(data)
	r.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit record: %w", writeErr)
	}

	r.logger.DebugContext(ctx, "audit record written",
		slog.String("execution_id", rec.ExecutionID),
		slog.String("database_kind", rec.DatabaseKind),
		slog.Bool("succeeded", rec.Succeeded),
	)

	return nil
}

// Close closes the underlying file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
