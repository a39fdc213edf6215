// Scriptbox — sandboxed script execution for database operations.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scriptbox",
	Short: "Run approved operational scripts against databases in disposable sandboxes.",
	Long: `Scriptbox executes user-authored scripts against production databases
inside disposable, isolated worker processes. Every execution validates the
script first, spawns a fresh worker holding exactly one database connection,
streams structured output events back, and enforces hard timeouts with
process-group kills. Credentials never appear in logs or results.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, validateCmd, workerCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
