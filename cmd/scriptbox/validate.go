package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/validator"
)

var (
	validateScript string
	validateOutput string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a script without executing it",
	Long: `Run the static validator over a script: syntax check, blocked
constructs, and advisory warnings. No process is spawned and no database
is touched. Exits 2 when the script would be rejected.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateScript, "script", "", "path to the script file")
	validateCmd.Flags().StringVar(&validateOutput, "output", "text", "output format: text or json")
	_ = validateCmd.MarkFlagRequired("script")
}

func runValidate(_ *cobra.Command, _ []string) error {
	source, err := os.ReadFile(validateScript)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading script: %v\n", err)
		os.Exit(exitInvalidInput)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	report := validator.New(logger).Validate(string(source))

	if strings.EqualFold(validateOutput, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, e := range report.Errors {
			fmt.Printf("error:   %s\n", e)
		}
		if report.Syntax != nil {
			fmt.Printf("  at line %d, column %d\n", report.Syntax.Line, report.Syntax.Column)
		}
		for _, w := range report.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		if report.Valid {
			fmt.Println("valid")
		}
	}

	if !report.Valid {
		os.Exit(exitInvalidInput)
	}
	return nil
}
