package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/audit"
	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/coordinator"
	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/observability"
	"github.com/jkaninda/scriptbox/internal/protocol"
	"github.com/jkaninda/scriptbox/internal/validator"
)

// Exit codes for the run command.
const (
	exitOK            = 0
	exitScriptFailed  = 1
	exitInvalidInput  = 2
	exitConfigFailure = 3
)

var (
	runConfigPath string
	runScript     string
	runInstance   string
	runDatabase   string
	runTimeout    time.Duration
	runProfile    string
	runOutput     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a script against a configured database instance",
	Long: `Run one script in a disposable sandboxed worker process.

The script is validated first; nothing is spawned for a script that fails
validation. The worker opens a single connection to the chosen instance,
executes the script under a hard timeout, and reports structured events
and a result summary.

Exit codes: 0 success, 1 script failure, 2 invalid input, 3 config error.`,
	RunE: runScriptCmd,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runScript, "script", "", "path to the script file")
	runCmd.Flags().StringVar(&runInstance, "instance", "", "configured database instance id")
	runCmd.Flags().StringVar(&runDatabase, "database", "", "database name on the instance")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "script budget (default from config, 30s)")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "sandbox profile: strict or maintenance")
	runCmd.Flags().StringVar(&runOutput, "output", "text", "output format: text or json")
	_ = runCmd.MarkFlagRequired("script")
	_ = runCmd.MarkFlagRequired("instance")
	_ = runCmd.MarkFlagRequired("database")
}

func runScriptCmd(cmd *cobra.Command, _ []string) error {
	code, err := executeRun(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if code != exitOK {
		os.Exit(code)
	}
	return nil
}

// executeRun performs the whole run and returns an exit code. Deferred
// cleanups (audit file, span flush) complete before the process exits.
func executeRun(cmd *cobra.Command) (int, error) {
	cfg, err := loadConfig(cmd, runConfigPath)
	if err != nil {
		return exitConfigFailure, err
	}
	logger := buildLogger(cfg.Logging)

	source, err := os.ReadFile(runScript)
	if err != nil {
		return exitInvalidInput, fmt.Errorf("reading script: %w", err)
	}

	inst, ok := cfg.Instance(runInstance)
	if !ok {
		return exitInvalidInput, fmt.Errorf("unknown instance %q", runInstance)
	}
	kind, err := inst.DatabaseKind()
	if err != nil {
		return exitConfigFailure, err
	}

	profileName := runProfile
	if profileName == "" {
		profileName = cfg.Sandbox.Profile
	}
	profile, err := domain.ParseProfile(profileName)
	if err != nil {
		return exitInvalidInput, err
	}

	timeout := cfg.Executor.Timeout()
	if runTimeout > 0 {
		timeout = runTimeout
	}

	req := domain.ExecutionRequest{
		ScriptSource:     string(source),
		DatabaseKind:     kind,
		TargetConnection: inst.Connection(),
		DatabaseName:     runDatabase,
		TimeoutMS:        int(timeout / time.Millisecond),
		Profile:          profile,
	}
	if err := req.Validate(); err != nil {
		return exitInvalidInput, err
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return exitConfigFailure, err
	}
	defer obs.Shutdown(context.Background())

	if obs != nil && obs.Metrics != nil && cfg.Observability.Metrics.Listen != "" {
		go serveMetrics(cfg.Observability.Metrics.Listen, obs.Metrics.Registry, logger)
	}

	var recorder *audit.Recorder
	if cfg.AuditFile != "" {
		recorder, err = audit.NewRecorder(cfg.AuditFile, logger)
		if err != nil {
			return exitConfigFailure, err
		}
		defer recorder.Close()
	}

	coord := coordinator.New(coordinator.Config{
		WorkerCommand: cfg.Executor.WorkerCommand,
		ReadyTimeout:  cfg.Executor.ReadyTimeout(),
		Grace:         cfg.Executor.Grace(),
		Limits: protocol.Limits{
			MaxRows:      cfg.Sandbox.MaxRows,
			PreviewRows:  cfg.Sandbox.PreviewRows,
			MaxCallStack: cfg.Sandbox.MaxCallStack,
		},
	}, validator.New(logger), recorder, logger)

	var runner coordinator.Runner = coord
	if obs != nil {
		runner = observability.NewInstrumentedRunner(coord, obs.Metrics, obs.Tracer, obs.Failures)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := runner.Execute(ctx, req)

	if err := printResult(os.Stdout, res, runOutput); err != nil {
		return exitScriptFailed, err
	}
	if !res.Succeeded {
		return exitScriptFailed, nil
	}
	return exitOK, nil
}
