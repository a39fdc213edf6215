// Package worker implements the child side of an execution: one fresh
// process, one database connection, one job, exactly one result.
//
// The protocol rides on stdout and the job arrives on stdin; stderr is
// reserved for logs so the message stream stays clean.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/scriptbox/internal/dbproxy"
	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/protocol"
	"github.com/jkaninda/scriptbox/internal/sandbox"
)

// closeTimeout bounds connection teardown, which must succeed even
// after the job context has expired.
const closeTimeout = 5 * time.Second

// Options configure a worker run.
type Options struct {
	Version string
	Logger  *slog.Logger
}

// Serve runs the single-job lifecycle: announce readiness, receive the
// job, execute it, send the one result. A non-nil error means the
// protocol itself broke down; script failures travel inside the result.
func Serve(ctx context.Context, stdin io.Reader, stdout io.Writer, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ready, err := protocol.NewEnvelope(protocol.MsgReady, protocol.ReadyPayload{
		PID:     os.Getpid(),
		Version: opts.Version,
	})
	if err != nil {
		return fmt.Errorf("build ready message: %w", err)
	}
	if err := ready.Write(stdout); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	scanner := protocol.NewScanner(stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read job: %w", err)
		}
		return fmt.Errorf("no job received")
	}

	env, err := protocol.ParseEnvelope(scanner.Bytes())
	if err != nil {
		return sendError(stdout, "bad_envelope", err)
	}
	if env.Type != protocol.MsgExecute {
		return sendError(stdout, "unexpected_message", fmt.Errorf("expected %s, got %s", protocol.MsgExecute, env.Type))
	}
	var job protocol.ExecutePayload
	if err := env.Decode(&job); err != nil {
		return sendError(stdout, "bad_job", err)
	}

	logger.Info("job received",
		slog.String("execution_id", job.ExecutionID),
		slog.String("kind", string(job.Request.DatabaseKind)),
		slog.Int("timeout_ms", job.Request.TimeoutMS),
	)

	result := Run(ctx, job, logger)

	resultEnv, err := protocol.NewEnvelope(protocol.MsgResult, protocol.ResultPayload{
		ExecutionID: job.ExecutionID,
		Result:      result,
	})
	if err != nil {
		return fmt.Errorf("build result message: %w", err)
	}
	if err := resultEnv.Write(stdout); err != nil {
		return fmt.Errorf("send result: %w", err)
	}

	logger.Info("job finished",
		slog.String("execution_id", job.ExecutionID),
		slog.Bool("succeeded", result.Succeeded),
		slog.Int64("duration_ms", result.DurationMS),
	)
	return nil
}

// Run executes one job and always produces a result, panics included.
func Run(ctx context.Context, job protocol.ExecutePayload, logger *slog.Logger) (result domain.ExecutionResult) {
	start := time.Now()
	events := domain.NewEventStream()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", slog.Any("panic", r))
			result = failed(events, start, &domain.Failure{
				Kind:    domain.FailureRuntime,
				Message: fmt.Sprintf("internal worker failure: %v", r),
			})
		}
	}()

	req := job.Request
	kind, err := domain.ParseDatabaseKind(string(req.DatabaseKind))
	if err != nil {
		return failed(events, start, &domain.Failure{Kind: domain.FailureRuntime, Message: err.Error()})
	}
	profile, err := domain.ParseProfile(string(req.Profile))
	if err != nil {
		return failed(events, start, &domain.Failure{Kind: domain.FailureRuntime, Message: err.Error()})
	}

	events.Info("Starting script execution")

	// Database calls share the script budget so a blocked statement
	// cannot outlive an interrupted script.
	jobCtx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	conn := req.TargetConnection.ResolveEnv(nil)
	limits := dbproxy.Limits{MaxRows: job.Limits.MaxRows, PreviewRows: job.Limits.PreviewRows}

	proxy, err := openProxy(jobCtx, kind, conn, req.DatabaseName, profile, events, limits, logger)
	if err != nil {
		events.Error(fmt.Sprintf("Database connection failed: %v", err))
		return failed(events, start, &domain.Failure{
			Kind:    domain.FailureRuntime,
			Message: fmt.Sprintf("database connection failed: %v", err),
		})
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer closeCancel()
		if err := proxy.Close(closeCtx); err != nil {
			logger.Warn("closing connection", slog.Any("error", err))
		}
	}()

	rt, err := sandbox.New(events, []sandbox.Binding{proxy}, sandbox.Options{
		Timeout:      req.Timeout(),
		MaxCallStack: job.Limits.MaxCallStack,
		Logger:       logger,
	})
	if err != nil {
		return failed(events, start, &domain.Failure{
			Kind:    domain.FailureRuntime,
			Message: fmt.Sprintf("building script environment: %v", err),
		})
	}

	value, scriptErr := rt.Execute(req.ScriptSource)
	if scriptErr != nil {
		events.Error(scriptErr.Message)
		return failed(events, start, &domain.Failure{
			Kind:    scriptErr.Kind,
			Message: scriptErr.Message,
			Line:    scriptErr.Line,
			Column:  scriptErr.Column,
		})
	}

	if rows, ok := sandbox.IsListShaped(value); ok {
		previewRows := limits.PreviewRows
		if previewRows <= 0 {
			previewRows = dbproxy.DefaultPreviewRows
		}
		ev := domain.OutputEvent{
			Kind:     domain.EventData,
			Message:  fmt.Sprintf("Script produced %d rows", len(rows)),
			RowCount: domain.Count(int64(len(rows))),
		}
		if len(rows) > previewRows {
			ev.Preview = rows[:previewRows]
			ev.Truncated = true
		} else {
			ev.Preview = rows
		}
		events.Append(ev)
	}

	elapsed := time.Since(start)
	events.Append(domain.OutputEvent{
		Kind:    domain.EventResult,
		Message: fmt.Sprintf("Script completed successfully in %dms", elapsed.Milliseconds()),
	})

	evs := events.Events()
	return domain.ExecutionResult{
		Succeeded:   true,
		ReturnValue: value,
		Events:      evs,
		DurationMS:  elapsed.Milliseconds(),
		Summary:     domain.Summarize(evs),
	}
}

// openProxy connects the engine-specific proxy. The context bounds the
// connection attempt and every statement the script later runs.
func openProxy(ctx context.Context, kind domain.DatabaseKind, conn domain.ConnectionInfo, dbName string, profile domain.Profile, events *domain.EventStream, limits dbproxy.Limits, logger *slog.Logger) (dbproxy.Database, error) {
	switch kind {
	case domain.KindDocument:
		return dbproxy.OpenMongo(ctx, conn, dbName, profile, events, limits, logger)
	case domain.KindRelational:
		return dbproxy.OpenPostgres(ctx, conn, dbName, events, limits, logger)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
}

// failed assembles a failure result from the events recorded so far.
func failed(events *domain.EventStream, start time.Time, failure *domain.Failure) domain.ExecutionResult {
	evs := events.Events()
	return domain.ExecutionResult{
		Succeeded:  false,
		Failure:    failure,
		Events:     evs,
		DurationMS: time.Since(start).Milliseconds(),
		Summary:    domain.Summarize(evs),
	}
}

// sendError reports a protocol-level failure and returns it so the
// process exits nonzero.
func sendError(stdout io.Writer, code string, cause error) error {
	env, err := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
		Code:    code,
		Message: cause.Error(),
	})
	if err == nil {
		_ = env.Write(stdout)
	}
	return cause
}
