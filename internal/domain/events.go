package domain

import (
	"sync"
	"time"
)

// EventKind identifies the kind of an OutputEvent.
type EventKind string

const (
	EventInfo      EventKind = "info"
	EventLog       EventKind = "log"
	EventWarn      EventKind = "warn"
	EventError     EventKind = "error"
	EventQuery     EventKind = "query"     // Relational statement, numbered by QueryNumber.
	EventOperation EventKind = "operation" // Document operation, numbered by OpNumber.
	EventData      EventKind = "data"      // Bounded preview of a produced row/document set.
	EventResult    EventKind = "result"    // Final completion marker on success.
)

// OutputEvent is one entry in an execution's ordered event stream.
// Count fields are pointers so a genuine zero survives serialization.
type OutputEvent struct {
	Kind          EventKind        `json:"kind"`
	Message       string           `json:"message"`
	TimestampUTC  string           `json:"timestampUtc"`
	QueryNumber   int              `json:"queryNumber,omitempty"`
	OpNumber      int              `json:"opNumber,omitempty"`
	SQL           string           `json:"sql,omitempty"`
	Collection    string           `json:"collection,omitempty"`
	Operation     string           `json:"operation,omitempty"`
	DurationMS    int64            `json:"durationMs,omitempty"`
	RowCount      *int64           `json:"rowCount,omitempty"`
	RowsAffected  *int64           `json:"rowsAffected,omitempty"`
	MatchedCount  *int64           `json:"matchedCount,omitempty"`
	ModifiedCount *int64           `json:"modifiedCount,omitempty"`
	DeletedCount  *int64           `json:"deletedCount,omitempty"`
	InsertedCount *int64           `json:"insertedCount,omitempty"`
	Preview       []map[string]any `json:"preview,omitempty"`
	Truncated     bool             `json:"truncated,omitempty"`
	RiskLevel     string           `json:"riskLevel,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Count wraps an event counter value for the pointer-optional fields.
func Count(n int64) *int64 {
	return &n
}

// EventLogger receives the console, query and operation events a running
// script produces. Implemented by EventStream; the proxy packages depend
// on the interface so tests can substitute their own sink.
type EventLogger interface {
	Append(ev OutputEvent)
	NextQuery() int
	NextOp() int
}

// EventStream is an append-only, ordered event sink shared by the script
// namespace and the database proxy within one worker.
type EventStream struct {
	mu      sync.Mutex
	events  []OutputEvent
	queries int
	ops     int
}

// NewEventStream returns an empty event stream.
func NewEventStream() *EventStream {
	return &EventStream{}
}

// Append stamps the event with the current UTC time when unset and
// appends it. Order of appends is the order of the final stream.
func (l *EventStream) Append(ev OutputEvent) {
	if ev.TimestampUTC == "" {
		ev.TimestampUTC = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// NextQuery returns the next 1-based relational statement number.
func (l *EventStream) NextQuery() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	return l.queries
}

// NextOp returns the next 1-based document operation number.
func (l *EventStream) NextOp() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops++
	return l.ops
}

// Info appends an info event.
func (l *EventStream) Info(msg string) { l.Append(OutputEvent{Kind: EventInfo, Message: msg}) }

// Log appends a log event.
func (l *EventStream) Log(msg string) { l.Append(OutputEvent{Kind: EventLog, Message: msg}) }

// Warn appends a warn event.
func (l *EventStream) Warn(msg string) { l.Append(OutputEvent{Kind: EventWarn, Message: msg}) }

// Error appends an error event.
func (l *EventStream) Error(msg string) { l.Append(OutputEvent{Kind: EventError, Message: msg}) }

// Events returns a copy of the stream in emission order.
func (l *EventStream) Events() []OutputEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OutputEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of events recorded so far.
func (l *EventStream) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Summarize folds an event stream into the result summary. Document
// reads contribute their row counts to DocumentsProcessed; write
// counters contribute on both engines per their kind.
func Summarize(events []OutputEvent) Summary {
	var s Summary
	for _, ev := range events {
		switch ev.Kind {
		case EventQuery:
			s.QueryCount++
			if ev.RowCount != nil {
				s.RowsReturned += *ev.RowCount
			}
			if ev.RowsAffected != nil {
				s.RowsAffected += *ev.RowsAffected
			}
		case EventOperation:
			s.OperationCount++
			if ev.RowCount != nil {
				s.DocumentsProcessed += *ev.RowCount
			}
			for _, n := range []*int64{ev.DeletedCount, ev.ModifiedCount, ev.InsertedCount} {
				if n != nil {
					s.DocumentsProcessed += *n
				}
			}
		case EventError:
			s.ErrorCount++
		case EventWarn:
			s.WarningCount++
		}
	}
	return s
}
