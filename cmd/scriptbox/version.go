package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at release time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "2026-02-10"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("scriptbox %s (commit: %s, built: %s)\n", version, commit, date)
		fmt.Printf("  %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
