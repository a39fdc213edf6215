package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jkaninda/scriptbox/internal/domain"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := ExecutePayload{
		ExecutionID: "exec-1",
		Request: domain.ExecutionRequest{
			ScriptSource: "return 1;",
			DatabaseKind: domain.KindRelational,
			DatabaseName: "appdb",
			TimeoutMS:    5000,
		},
		Limits: Limits{MaxRows: 500, PreviewRows: 5},
	}

	env, err := NewEnvelope(MsgExecute, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.ID == "" {
		t.Error("envelope has no ID")
	}
	if env.Timestamp.IsZero() {
		t.Error("envelope has no timestamp")
	}

	var buf bytes.Buffer
	if err := env.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("frame not newline-terminated")
	}

	sc := NewScanner(&buf)
	if !sc.Scan() {
		t.Fatalf("scanner found no frame: %v", sc.Err())
	}
	parsed, err := ParseEnvelope(sc.Bytes())
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if parsed.Type != MsgExecute {
		t.Errorf("Type = %q, want %q", parsed.Type, MsgExecute)
	}
	if parsed.ID != env.ID {
		t.Errorf("ID = %q, want %q", parsed.ID, env.ID)
	}

	var got ExecutePayload
	if err := parsed.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q", got.ExecutionID)
	}
	if got.Request.ScriptSource != "return 1;" {
		t.Errorf("ScriptSource = %q", got.Request.ScriptSource)
	}
	if got.Limits.MaxRows != 500 {
		t.Errorf("Limits.MaxRows = %d, want 500", got.Limits.MaxRows)
	}
}

func TestEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(MsgReady, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	var buf bytes.Buffer
	if err := env.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	parsed, err := ParseEnvelope(bytes.TrimSpace(buf.Bytes()))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if parsed.Type != MsgReady {
		t.Errorf("Type = %q", parsed.Type)
	}
}

func TestParseEnvelope_MissingType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"id":"x","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for envelope without a type")
	}
	if !strings.Contains(err.Error(), "missing type") {
		t.Errorf("error = %v, want missing type", err)
	}
}

func TestParseEnvelope_BadJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte("not json at all")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestScanner_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	ready, _ := NewEnvelope(MsgReady, ReadyPayload{PID: 7, Version: "test"})
	result, _ := NewEnvelope(MsgResult, ResultPayload{ExecutionID: "e1"})
	if err := ready.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if err := result.Write(&buf); err != nil {
		t.Fatal(err)
	}

	sc := NewScanner(&buf)
	var types []MessageType
	for sc.Scan() {
		env, err := ParseEnvelope(sc.Bytes())
		if err != nil {
			t.Fatalf("frame %d: %v", len(types), err)
		}
		types = append(types, env.Type)
	}
	if len(types) != 2 || types[0] != MsgReady || types[1] != MsgResult {
		t.Errorf("frames = %v, want [worker.ready worker.result]", types)
	}
}

func TestResultPayload_CarriesEvents(t *testing.T) {
	res := domain.ExecutionResult{
		Succeeded: true,
		Events: []domain.OutputEvent{
			{Kind: domain.EventQuery, Message: "Query 1", QueryNumber: 1, RowCount: domain.Count(3)},
			{Kind: domain.EventResult, Message: "done"},
		},
		DurationMS: 12,
	}
	env, err := NewEnvelope(MsgResult, ResultPayload{ExecutionID: "e2", Result: res})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	var got ResultPayload
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Result.Succeeded {
		t.Error("Succeeded lost in transit")
	}
	if len(got.Result.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(got.Result.Events))
	}
	if got.Result.Events[0].RowCount == nil || *got.Result.Events[0].RowCount != 3 {
		t.Error("row count lost in transit")
	}
}
