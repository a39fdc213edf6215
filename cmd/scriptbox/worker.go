package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/worker"
)

// workerCmd is the child entrypoint the coordinator re-execs. Hidden:
// operators never run it by hand. stdout carries the wire protocol, so
// the worker logs to stderr only.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve one script job over stdin/stdout (internal)",
	Hidden: true,
	RunE:   runWorkerCmd,
}

func runWorkerCmd(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// No signal trapping: SIGTERM from the coordinator must end this
	// process immediately.
	return worker.Serve(context.Background(), os.Stdin, os.Stdout, worker.Options{
		Version: version,
		Logger:  logger,
	})
}
