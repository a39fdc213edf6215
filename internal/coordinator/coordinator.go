// Package coordinator owns the lifecycle of one script execution:
// request guards, static validation, worker spawn, the ready/execute
// handshake, the patience window, and teardown.
//
// The coordinator never returns an error. Every path, including its own
// panics, resolves to a domain.ExecutionResult so callers always get a
// uniform terminal value.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/scriptbox/internal/audit"
	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/protocol"
	"github.com/jkaninda/scriptbox/internal/validator"
)

// Execution states, logged as the lifecycle advances.
const (
	stateValidating    = "validating"
	stateSpawning      = "spawning"
	stateAwaitingReady = "awaiting_ready"
	stateRunning       = "running"
	stateTerminal      = "terminal"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultGrace        = 5 * time.Second
)

// Config tunes coordinator behavior. The zero value is usable.
type Config struct {
	// WorkerCommand is the argv used to start a worker. Empty means
	// re-exec the current binary with the "worker" subcommand.
	WorkerCommand []string

	// ReadyTimeout bounds the wait for the worker's ready frame.
	ReadyTimeout time.Duration

	// Grace extends the script budget before the worker is killed, so a
	// worker that interrupted its own script still has time to report.
	Grace time.Duration

	// Limits are forwarded to the worker's database proxy.
	Limits protocol.Limits
}

func (c Config) readyTimeout() time.Duration {
	if c.ReadyTimeout <= 0 {
		return defaultReadyTimeout
	}
	return c.ReadyTimeout
}

func (c Config) grace() time.Duration {
	if c.Grace <= 0 {
		return defaultGrace
	}
	return c.Grace
}

func (c Config) workerCommand() ([]string, error) {
	if len(c.WorkerCommand) > 0 {
		return c.WorkerCommand, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating worker binary: %w", err)
	}
	return []string{exe, "worker"}, nil
}

// Runner is the execution entry point portal-facing surfaces call.
// Implemented by Coordinator and by observability wrappers.
type Runner interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult
}

// Coordinator runs scripts in disposable worker processes.
type Coordinator struct {
	cfg       Config
	validator *validator.Validator
	audit     *audit.Recorder
	logger    *slog.Logger
}

// New creates a Coordinator. The audit recorder may be nil.
func New(cfg Config, v *validator.Validator, rec *audit.Recorder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = validator.New(logger)
	}
	return &Coordinator{
		cfg:       cfg,
		validator: v,
		audit:     rec,
		logger:    logger,
	}
}

// Execute runs one script in a fresh worker process and always returns a
// terminal result. A process is spawned only after the script passes
// validation, and exactly one of result, timeout, or exit resolves the
// execution; whichever fires first wins.
func (c *Coordinator) Execute(ctx context.Context, req domain.ExecutionRequest) (res domain.ExecutionResult) {
	start := time.Now()
	id := domain.NewID()
	logger := c.logger.With(slog.String("execution_id", id))

	events := domain.NewEventStream()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("coordinator panic recovered", slog.Any("panic", r))
			res = failResult(events, domain.FailureProcess,
				fmt.Sprintf("internal coordinator failure: %v", r))
		}
		res.DurationMS = time.Since(start).Milliseconds()
		res.Summary = domain.Summarize(res.Events)
		c.finish(ctx, id, req, res, logger)
	}()

	logger.Debug("execution started",
		slog.String("state", stateValidating),
		slog.String("db_kind", string(req.DatabaseKind)),
		slog.String("db_name", req.DatabaseName),
		slog.String("target", req.TargetConnection.Redacted()),
	)

	// 1. Request guards. No process is spawned for an invalid request.
	if err := req.Validate(); err != nil {
		return failResult(events, domain.FailureRuntime, err.Error())
	}

	// 2. Static validation. Blocked constructs and syntax errors resolve
	// here; advisories travel along as warning events.
	report := c.validator.Validate(req.ScriptSource)
	for _, w := range report.Warnings {
		events.Warn(w)
	}
	if !report.Valid {
		if report.Syntax != nil {
			events.Error(report.Syntax.Message)
			return domain.ExecutionResult{
				Failure: &domain.Failure{
					Kind:    domain.FailureSyntax,
					Message: report.Syntax.Message,
					Line:    report.Syntax.Line,
					Column:  report.Syntax.Column,
				},
				Events: events.Events(),
			}
		}
		return failResult(events, domain.FailureRuntime, report.Errors[0])
	}

	// 3. Spawn a disposable worker. Never pooled, never reused.
	command, err := c.cfg.workerCommand()
	if err != nil {
		return failResult(events, domain.FailureProcess, err.Error())
	}
	logger.Debug("spawning worker", slog.String("state", stateSpawning))

	proc, err := startWorker(command, credentialEnv(req.TargetConnection), logger)
	if err != nil {
		return failResult(events, domain.FailureProcess,
			fmt.Sprintf("failed to start worker: %v", err))
	}
	defer proc.terminate()

	logger.Debug("worker started",
		slog.String("state", stateAwaitingReady),
		slog.Int("pid", proc.pid()),
	)

	readyCh := make(chan protocol.ReadyPayload, 1)
	resultCh := make(chan domain.ExecutionResult, 1)
	workerErrCh := make(chan protocol.ErrorPayload, 1)
	exitCh := make(chan error, 1)

	go pump(proc, readyCh, resultCh, workerErrCh, exitCh, logger)

	// 4. Handshake: the worker announces readiness before it gets a job.
	readyTimer := time.NewTimer(c.cfg.readyTimeout())
	defer readyTimer.Stop()

	select {
	case r := <-readyCh:
		logger.Debug("worker ready",
			slog.Int("worker_pid", r.PID),
			slog.String("worker_version", r.Version),
		)
	case we := <-workerErrCh:
		return failResult(events, domain.FailureProcess,
			fmt.Sprintf("worker failed to start: %s", we.Message))
	case err := <-exitCh:
		logStderr(proc, logger)
		return failResult(events, domain.FailureProcess,
			processExitMessage("worker exited before becoming ready", err))
	case <-readyTimer.C:
		return failResult(events, domain.FailureProcess,
			fmt.Sprintf("worker not ready within %s", c.cfg.readyTimeout()))
	case <-ctx.Done():
		return failResult(events, domain.FailureProcess, "execution canceled")
	}

	// 5. Hand over the job.
	payload := protocol.ExecutePayload{
		ExecutionID: id,
		Request:     req,
		Limits:      c.cfg.Limits,
	}
	env, err := protocol.NewEnvelope(protocol.MsgExecute, payload)
	if err != nil {
		return failResult(events, domain.FailureProcess,
			fmt.Sprintf("encoding job: %v", err))
	}
	if err := env.Write(proc.stdin); err != nil {
		return failResult(events, domain.FailureProcess,
			fmt.Sprintf("sending job to worker: %v", err))
	}

	logger.Debug("job sent",
		slog.String("state", stateRunning),
		slog.Duration("budget", req.Timeout()),
		slog.Duration("grace", c.cfg.grace()),
	)

	// 6. Patience window: the script budget plus grace, so a worker that
	// interrupted its own script still gets to deliver the result.
	patience := time.NewTimer(req.Timeout() + c.cfg.grace())
	defer patience.Stop()

	select {
	case wr := <-resultCh:
		// Worker events follow any validation advisories already queued.
		wr.Events = append(events.Events(), wr.Events...)
		return wr
	case we := <-workerErrCh:
		return failResult(events, domain.FailureProcess,
			fmt.Sprintf("worker error: %s", we.Message))
	case err := <-exitCh:
		// A finished worker races its own exit; prefer the result frame
		// when both are already here.
		select {
		case wr := <-resultCh:
			wr.Events = append(events.Events(), wr.Events...)
			return wr
		default:
		}
		logStderr(proc, logger)
		return failResult(events, domain.FailureProcess,
			processExitMessage("worker exited without delivering a result", err))
	case <-patience.C:
		logger.Warn("patience window exhausted, killing worker",
			slog.Int("pid", proc.pid()),
			slog.Duration("budget", req.Timeout()),
		)
		return failResult(events, domain.FailureTimeout,
			fmt.Sprintf("script execution timed out after %dms", req.Timeout().Milliseconds()))
	case <-ctx.Done():
		return failResult(events, domain.FailureProcess, "execution canceled")
	}
}

// pump reads worker frames off stdout until EOF, then reaps the child.
// Every channel is buffered so the loop never blocks on a receiver that
// already resolved the execution.
func pump(proc *workerProcess, ready chan<- protocol.ReadyPayload, result chan<- domain.ExecutionResult, workerErr chan<- protocol.ErrorPayload, exit chan<- error, logger *slog.Logger) {
	sc := protocol.NewScanner(proc.stdout)
	for sc.Scan() {
		env, err := protocol.ParseEnvelope(sc.Bytes())
		if err != nil {
			logger.Warn("discarding malformed worker frame", slog.String("error", err.Error()))
			continue
		}
		switch env.Type {
		case protocol.MsgReady:
			var p protocol.ReadyPayload
			if err := env.Decode(&p); err != nil {
				logger.Warn("undecodable ready frame", slog.String("error", err.Error()))
				continue
			}
			select {
			case ready <- p:
			default:
			}
		case protocol.MsgResult:
			var p protocol.ResultPayload
			if err := env.Decode(&p); err != nil {
				logger.Warn("undecodable result frame", slog.String("error", err.Error()))
				continue
			}
			select {
			case result <- p.Result:
			default:
			}
		case protocol.MsgError:
			var p protocol.ErrorPayload
			if err := env.Decode(&p); err != nil {
				logger.Warn("undecodable error frame", slog.String("error", err.Error()))
				continue
			}
			select {
			case workerErr <- p:
			default:
			}
		default:
			logger.Debug("ignoring unknown worker frame", slog.String("type", string(env.Type)))
		}
	}
	exit <- proc.wait()
}

// failResult appends a terminal error event and builds the failed result.
func failResult(events *domain.EventStream, kind domain.FailureKind, msg string) domain.ExecutionResult {
	events.Error(msg)
	return domain.ExecutionResult{
		Failure: &domain.Failure{Kind: kind, Message: msg},
		Events:  events.Events(),
	}
}

// processExitMessage folds a wait error into an operator-readable message.
func processExitMessage(prefix string, waitErr error) string {
	if waitErr != nil {
		return fmt.Sprintf("%s: %v", prefix, waitErr)
	}
	return prefix
}

// logStderr surfaces captured worker stderr in the coordinator log.
// Only called after the worker exited, so the buffer is quiescent.
// Stderr stays out of results; script authors never see it.
func logStderr(proc *workerProcess, logger *slog.Logger) {
	out := proc.stderr.Bytes()
	if len(out) == 0 {
		return
	}
	const tail = 2048
	if len(out) > tail {
		out = out[len(out)-tail:]
	}
	logger.Warn("worker stderr", slog.String("output", string(out)))
}

// finish emits the terminal log line and the audit record.
func (c *Coordinator) finish(ctx context.Context, id string, req domain.ExecutionRequest, res domain.ExecutionResult, logger *slog.Logger) {
	attrs := []any{
		slog.String("state", stateTerminal),
		slog.Bool("succeeded", res.Succeeded),
		slog.Int64("duration_ms", res.DurationMS),
		slog.Int("events", len(res.Events)),
		slog.Int("queries", res.Summary.QueryCount),
		slog.Int("operations", res.Summary.OperationCount),
	}
	if res.Failure != nil {
		attrs = append(attrs,
			slog.String("failure_kind", string(res.Failure.Kind)),
			slog.String("failure", res.Failure.Message),
		)
	}
	logger.Info("execution finished", attrs...)

	failureKind := ""
	if res.Failure != nil {
		failureKind = string(res.Failure.Kind)
	}
	if err := c.audit.Record(ctx, audit.Record{
		ExecutionID:  id,
		DatabaseKind: string(req.DatabaseKind),
		DatabaseName: req.DatabaseName,
		Target:       req.TargetConnection.Redacted(),
		Profile:      string(req.Profile),
		ScriptBytes:  len(req.ScriptSource),
		Succeeded:    res.Succeeded,
		FailureKind:  failureKind,
		DurationMS:   res.DurationMS,
		Queries:      res.Summary.QueryCount,
		Operations:   res.Summary.OperationCount,
		RowsReturned: res.Summary.RowsReturned,
		RowsAffected: res.Summary.RowsAffected,
	}); err != nil {
		logger.Warn("audit record failed", slog.String("error", err.Error()))
	}
}
