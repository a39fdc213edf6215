package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/domain"
)

// buildLogger constructs the process logger from config. Everything logs
// to stderr; stdout belongs to command output (and, in the worker, to
// the wire protocol).
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// loadConfig resolves the config path, an explicit --config flag taking
// priority over the SCRIPTBOX_CONFIG env var, and loads it.
func loadConfig(cmd *cobra.Command, flagPath string) (*config.Config, error) {
	path := flagPath
	if !cmd.Flags().Changed("config") {
		path = goutils.Env("SCRIPTBOX_CONFIG", flagPath)
	}
	return config.Load(path)
}

// serveMetrics exposes the registry over HTTP. Runs until the process
// exits; scrape failures never affect executions.
func serveMetrics(listen string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics endpoint listening", slog.String("addr", listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics endpoint failed", slog.String("error", err.Error()))
	}
}

// printResult renders an execution result as text or JSON.
func printResult(w io.Writer, res domain.ExecutionResult, format string) error {
	if strings.EqualFold(format, "json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	for _, ev := range res.Events {
		fmt.Fprintf(w, "%-9s %s\n", ev.Kind, ev.Message)
	}
	if res.Succeeded {
		fmt.Fprintln(w, "status: succeeded")
		if res.ReturnValue != nil {
			if val, err := json.Marshal(res.ReturnValue); err == nil {
				fmt.Fprintf(w, "return: %s\n", val)
			}
		}
	} else if res.Failure != nil {
		if res.Failure.Line > 0 {
			fmt.Fprintf(w, "status: %s at line %d, column %d: %s\n",
				res.Failure.Kind, res.Failure.Line, res.Failure.Column, res.Failure.Message)
		} else {
			fmt.Fprintf(w, "status: %s: %s\n", res.Failure.Kind, res.Failure.Message)
		}
	}
	fmt.Fprintf(w, "summary: queries=%d operations=%d rowsReturned=%d rowsAffected=%d warnings=%d errors=%d durationMs=%d\n",
		res.Summary.QueryCount, res.Summary.OperationCount, res.Summary.RowsReturned,
		res.Summary.RowsAffected, res.Summary.WarningCount, res.Summary.ErrorCount, res.DurationMS)
	return nil
}
