// Package cmd assembles the cobra CLI surface: enqueue, worker
// start/status, config show/set, and the hidden __run_job__ re-exec
// entry point that stands in for a fork (spec.md §9).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "jobctl runs and inspects the distributed background-job processor",
}

// Execute runs the CLI, exiting non-zero on error. It is the sole
// entry point main.go calls.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(enqueueCmd, workerCmd, configCmd, runJobCmd)
}
