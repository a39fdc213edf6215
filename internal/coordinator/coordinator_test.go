package coordinator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/scriptbox/internal/audit"
	"github.com/jkaninda/scriptbox/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker runs a shell script in place of the real worker binary so
// protocol behavior can be driven from the outside: frames are printed
// on stdout and the job frame is consumed with read.
func fakeWorker(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

const readyFrame = `printf '%s\n' '{"type":"worker.ready","id":"r1","payload":{"pid":1,"version":"fake"}}'`

// successWorker answers the handshake, swallows the job, reports one
// query event and a produced value, then exits. The stderr chatter
// must never disturb the stdout frame stream.
const successWorker = readyFrame + `
printf 'boot diagnostics\n' >&2
read -r _
printf '%s\n' '{"type":"worker.result","id":"m1","payload":{"executionId":"fake","result":{"succeeded":true,"returnValue":3,"events":[{"kind":"query","message":"Query 1 (SELECT): 3 rows in 1ms","timestampUtc":"2026-01-01T00:00:00Z","queryNumber":1,"rowCount":3}],"durationMs":12}}}'
`

func newTestCoordinator(cfg Config) *Coordinator {
	return New(cfg, nil, nil, discardLogger())
}

func validRequest() domain.ExecutionRequest {
	return domain.ExecutionRequest{
		ScriptSource:     "return 1;",
		DatabaseKind:     domain.KindRelational,
		TargetConnection: domain.ConnectionInfo{Host: "db.internal", Port: 5432},
		DatabaseName:     "appdb",
		TimeoutMS:        2000,
	}
}

// --- Happy Path ---

func TestExecute_Success(t *testing.T) {
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker(successWorker),
		ReadyTimeout:  5 * time.Second,
	})
	res := c.Execute(context.Background(), validRequest())

	if !res.Succeeded {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.ReturnValue != float64(3) {
		t.Errorf("returnValue = %v (%T), want 3", res.ReturnValue, res.ReturnValue)
	}
	if len(res.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(res.Events))
	}
	ev := res.Events[0]
	if ev.Kind != domain.EventQuery || ev.QueryNumber != 1 {
		t.Errorf("event = %+v", ev)
	}
	if res.Summary.QueryCount != 1 || res.Summary.RowsReturned != 3 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.DurationMS < 0 {
		t.Errorf("duration = %d", res.DurationMS)
	}
}

func TestExecute_AdvisoryWarningsPrecedeWorkerEvents(t *testing.T) {
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker(successWorker),
		ReadyTimeout:  5 * time.Second,
	})
	req := validRequest()
	req.ScriptSource = `db.collection("users").deleteMany({});`

	res := c.Execute(context.Background(), req)
	if !res.Succeeded {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %d, want warning plus worker event", len(res.Events))
	}
	if res.Events[0].Kind != domain.EventWarn {
		t.Errorf("events[0] = %+v", res.Events[0])
	}
	if res.Events[0].Message != "deleteMany with an empty filter removes every document" {
		t.Errorf("warning = %q", res.Events[0].Message)
	}
	if res.Events[1].Kind != domain.EventQuery {
		t.Errorf("events[1] = %+v", res.Events[1])
	}
	if res.Summary.WarningCount != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
}

// --- Validation Short-Circuits ---

// A command that cannot possibly start proves the paths below never
// reach the spawn step: spawning would fail with a process error, and
// these tests demand validation failures instead.
var neverSpawned = []string{"/nonexistent/scriptbox-worker"}

func TestExecute_BlockedScriptSpawnsNothing(t *testing.T) {
	c := newTestCoordinator(Config{WorkerCommand: neverSpawned})
	req := validRequest()
	req.ScriptSource = `eval("1 + 1");`

	res := c.Execute(context.Background(), req)
	if res.Succeeded {
		t.Fatal("blocked script succeeded")
	}
	if res.Failure == nil || res.Failure.Kind != domain.FailureRuntime {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.Failure.Message != "eval is not allowed in scripts" {
		t.Errorf("message = %q", res.Failure.Message)
	}
}

func TestExecute_SyntaxErrorSpawnsNothing(t *testing.T) {
	c := newTestCoordinator(Config{WorkerCommand: neverSpawned})
	req := validRequest()
	req.ScriptSource = "const a = 1;\nconst = 2;"

	start := time.Now()
	res := c.Execute(context.Background(), req)

	if res.Failure == nil || res.Failure.Kind != domain.FailureSyntax {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.Failure.Line != 2 {
		t.Errorf("line = %d, want 2", res.Failure.Line)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("validation-only failure took %v", elapsed)
	}
}

func TestExecute_EmptyScript(t *testing.T) {
	c := newTestCoordinator(Config{WorkerCommand: neverSpawned})
	req := validRequest()
	req.ScriptSource = "   "

	res := c.Execute(context.Background(), req)
	if res.Failure == nil || res.Failure.Kind != domain.FailureRuntime {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.Failure.Message != "script source is empty" {
		t.Errorf("message = %q", res.Failure.Message)
	}
}

// --- Timeouts ---

func TestExecute_PatienceWindowExpires(t *testing.T) {
	// The worker accepts the job and then stalls; the coordinator must
	// resolve at budget+grace and kill it.
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker(readyFrame + "\nread -r _\nsleep 30"),
		ReadyTimeout:  5 * time.Second,
		Grace:         200 * time.Millisecond,
	})
	req := validRequest()
	req.TimeoutMS = 100

	start := time.Now()
	res := c.Execute(context.Background(), req)
	elapsed := time.Since(start)

	if res.Failure == nil || res.Failure.Kind != domain.FailureTimeout {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.Failure.Message != "script execution timed out after 100ms" {
		t.Errorf("message = %q", res.Failure.Message)
	}
	if elapsed > 5*time.Second {
		t.Errorf("resolution took %v, budget+grace was 300ms", elapsed)
	}
	last := res.Events[len(res.Events)-1]
	if last.Kind != domain.EventError {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestExecute_ReadyTimeout(t *testing.T) {
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker("sleep 30"),
		ReadyTimeout:  200 * time.Millisecond,
	})
	start := time.Now()
	res := c.Execute(context.Background(), validRequest())

	if res.Failure == nil || res.Failure.Kind != domain.FailureProcess {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if !strings.Contains(res.Failure.Message, "worker not ready within") {
		t.Errorf("message = %q", res.Failure.Message)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("resolution took %v", elapsed)
	}
}

// --- Worker Crashes ---

func TestExecute_ExitBeforeReady(t *testing.T) {
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker("exit 7"),
		ReadyTimeout:  5 * time.Second,
	})
	res := c.Execute(context.Background(), validRequest())

	if res.Failure == nil || res.Failure.Kind != domain.FailureProcess {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if !strings.Contains(res.Failure.Message, "worker exited before becoming ready") {
		t.Errorf("message = %q", res.Failure.Message)
	}
	if !strings.Contains(res.Failure.Message, "exit status 7") {
		t.Errorf("message = %q, want the exit status", res.Failure.Message)
	}
}

func TestExecute_ExitWithoutResult(t *testing.T) {
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker(readyFrame + "\nread -r _\nexit 0"),
		ReadyTimeout:  5 * time.Second,
	})
	res := c.Execute(context.Background(), validRequest())

	if res.Failure == nil || res.Failure.Kind != domain.FailureProcess {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.Failure.Message != "worker exited without delivering a result" {
		t.Errorf("message = %q", res.Failure.Message)
	}
}

func TestExecute_ErrorFrameBeforeReady(t *testing.T) {
	script := `printf '%s\n' '{"type":"worker.error","id":"e1","payload":{"code":"bad_job","message":"cannot decode job"}}'
sleep 30`
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker(script),
		ReadyTimeout:  5 * time.Second,
	})
	res := c.Execute(context.Background(), validRequest())

	if res.Failure == nil || res.Failure.Kind != domain.FailureProcess {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if !strings.Contains(res.Failure.Message, "worker failed to start: cannot decode job") {
		t.Errorf("message = %q", res.Failure.Message)
	}
}

func TestExecute_ErrorFrameAfterJob(t *testing.T) {
	script := readyFrame + `
read -r _
printf '%s\n' '{"type":"worker.error","id":"e1","payload":{"code":"bad_job","message":"cannot decode job"}}'
sleep 30`
	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker(script),
		ReadyTimeout:  5 * time.Second,
	})
	res := c.Execute(context.Background(), validRequest())

	if res.Failure == nil || res.Failure.Kind != domain.FailureProcess {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if !strings.Contains(res.Failure.Message, "worker error: cannot decode job") {
		t.Errorf("message = %q", res.Failure.Message)
	}
}

func TestExecute_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestCoordinator(Config{
		WorkerCommand: fakeWorker("sleep 30"),
		ReadyTimeout:  5 * time.Second,
	})
	start := time.Now()
	res := c.Execute(ctx, validRequest())

	if res.Failure == nil || res.Failure.Kind != domain.FailureProcess {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if res.Failure.Message != "execution canceled" {
		t.Errorf("message = %q", res.Failure.Message)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("resolution took %v", elapsed)
	}
}

// --- Audit ---

func TestExecute_AuditTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	rec, err := audit.NewRecorder(path, discardLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()

	c := New(Config{
		WorkerCommand: fakeWorker(successWorker),
		ReadyTimeout:  5 * time.Second,
	}, nil, rec, discardLogger())

	req := validRequest()
	req.TargetConnection.User = "svc"
	req.TargetConnection.Password = "sekret"

	if res := c.Execute(context.Background(), req); !res.Succeeded {
		t.Fatalf("failure = %+v", res.Failure)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"target":"db.internal:5432"`) {
		t.Errorf("audit line = %s", line)
	}
	if !strings.Contains(line, `"succeeded":true`) {
		t.Errorf("audit line = %s", line)
	}
	if strings.Contains(line, "sekret") {
		t.Error("audit line leaked a credential")
	}
}

// --- Process Management ---

func TestTerminate_Idempotent(t *testing.T) {
	proc, err := startWorker(fakeWorker("sleep 30"), nil, discardLogger())
	if err != nil {
		t.Fatalf("startWorker: %v", err)
	}

	start := time.Now()
	proc.terminate()
	proc.terminate()

	if err := proc.wait(); err == nil {
		t.Error("wait = nil, want a signal error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("teardown took %v", elapsed)
	}
}

func TestStartWorker_EmptyCommand(t *testing.T) {
	if _, err := startWorker(nil, nil, discardLogger()); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv(nil)
	if len(env) != 4 {
		t.Fatalf("env = %v, want the 4 base entries only", env)
	}
	for _, want := range []string{"PATH=", "HOME=/tmp", "TMPDIR=/tmp", "LANG="} {
		found := false
		for _, e := range env {
			if strings.HasPrefix(e, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("env missing %s entry: %v", want, env)
		}
	}

	env = buildEnv(map[string]string{"PG_MAIN_USER": "svc"})
	if len(env) != 5 {
		t.Fatalf("env = %v", env)
	}
}

func TestCredentialEnv(t *testing.T) {
	t.Setenv("PG_MAIN_USER", "svc")
	t.Setenv("PG_MAIN_PASSWORD", "pw")

	env := credentialEnv(domain.ConnectionInfo{CredentialsEnvPrefix: "pg_main"})
	if len(env) != 2 {
		t.Fatalf("env = %v, want the two set variables", env)
	}
	if env["PG_MAIN_USER"] != "svc" || env["PG_MAIN_PASSWORD"] != "pw" {
		t.Errorf("env = %v", env)
	}
	if _, ok := env["PG_MAIN_CONNECTION_STRING"]; ok {
		t.Error("unset variable forwarded")
	}

	if env := credentialEnv(domain.ConnectionInfo{}); env != nil {
		t.Errorf("env without prefix = %v, want nil", env)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf strings.Builder
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if buf.String() != "hello" {
		t.Errorf("captured = %q, want %q", buf.String(), "hello")
	}

	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Fatalf("Write after cap = %d, %v", n, err)
	}
	if buf.String() != "hello" {
		t.Errorf("captured grew past the cap: %q", buf.String())
	}
}

// --- Config ---

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	if cfg.readyTimeout() != defaultReadyTimeout {
		t.Errorf("readyTimeout = %v", cfg.readyTimeout())
	}
	if cfg.grace() != defaultGrace {
		t.Errorf("grace = %v", cfg.grace())
	}

	cfg = Config{ReadyTimeout: time.Second, Grace: 2 * time.Second}
	if cfg.readyTimeout() != time.Second || cfg.grace() != 2*time.Second {
		t.Errorf("config = %v/%v", cfg.readyTimeout(), cfg.grace())
	}
}

func TestConfig_WorkerCommand(t *testing.T) {
	cmd, err := Config{}.workerCommand()
	if err != nil {
		t.Fatalf("workerCommand: %v", err)
	}
	if len(cmd) != 2 || cmd[1] != "worker" {
		t.Errorf("default command = %v, want the re-exec form", cmd)
	}

	custom := []string{"/usr/local/bin/scriptbox", "worker"}
	cmd, err = Config{WorkerCommand: custom}.workerCommand()
	if err != nil || len(cmd) != 2 || cmd[0] != custom[0] {
		t.Errorf("command = %v, %v", cmd, err)
	}
}

func TestProcessExitMessage(t *testing.T) {
	if got := processExitMessage("worker exited", nil); got != "worker exited" {
		t.Errorf("got %q", got)
	}
	got := processExitMessage("worker exited", os.ErrDeadlineExceeded)
	if !strings.Contains(got, "worker exited: ") {
		t.Errorf("got %q", got)
	}
}
