// Package protocol defines the message types for coordinator ↔ worker
// communication. Messages are JSON-encoded Envelopes framed one per line
// on the worker's stdin/stdout pipes; the worker's stderr carries logs
// only and is never parsed.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/domain"
)

// MessageType identifies the kind of message on the worker channel.
type MessageType string

const (
	// Worker → Coordinator
	MsgReady  MessageType = "worker.ready"
	MsgResult MessageType = "worker.result"
	MsgError  MessageType = "worker.error"

	// Coordinator → Worker
	MsgExecute MessageType = "job.execute"
)

// MaxFrameBytes bounds a single framed message. Scripts may be up to
// 1 MiB and results carry bounded previews, so frames stay well under
// this ceiling in practice.
const MaxFrameBytes = 8 << 20

// Envelope is the top-level wrapper for every message on the channel.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Write frames the envelope as one JSON line on w.
func (e *Envelope) Write(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// NewScanner returns a line scanner sized for protocol frames.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	return sc
}

// ParseEnvelope decodes one framed line.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Limits carries the proxy bounds the coordinator configures for a
// worker. Zero values mean the worker-side defaults apply.
type Limits struct {
	MaxRows      int `json:"maxRows,omitempty"`      // Read cap per call.
	PreviewRows  int `json:"previewRows,omitempty"`  // Rows carried in event previews.
	MaxCallStack int `json:"maxCallStack,omitempty"` // Script engine stack depth.
}

// --- Worker → Coordinator payloads ---

// ReadyPayload is sent with MsgReady once the worker is able to accept
// a job.
type ReadyPayload struct {
	PID     int    `json:"pid"`
	Version string `json:"version,omitempty"`
}

// ResultPayload is sent with MsgResult exactly once per job.
type ResultPayload struct {
	ExecutionID string                 `json:"executionId"`
	Result      domain.ExecutionResult `json:"result"`
}

// ErrorPayload is sent with MsgError when the worker cannot process its
// job at all (undecodable payload, unsupported kind). Script failures are
// not errors at this level; they travel inside ResultPayload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Coordinator → Worker payloads ---

// ExecutePayload is sent with MsgExecute to hand the worker its one job.
type ExecutePayload struct {
	ExecutionID string                  `json:"executionId"`
	Request     domain.ExecutionRequest `json:"request"`
	Limits      Limits                  `json:"limits,omitempty"`
}
