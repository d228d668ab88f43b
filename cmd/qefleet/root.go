package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qefleet",
	Short: "Quality-engineering worker fleet orchestrator",
	Long: `qefleet coordinates a fleet of quality-engineering workers over
dependency-ordered workflows.

Workflows are YAML files describing tasks, their dependencies, and failure
policies. The engine dispatches tasks in topological order, deduplicates
equivalent work across concurrent runs, routes each task to a cost tier,
and learns which tier serves each kind of task best over time.

Core capabilities:
- DAG scheduling with per-edge failure policies (abort or continue)
- Cross-run deduplication via fingerprint locks in the coordination store
- Cost-tier routing with a learned tier-selection policy
- Retries with backoff for transient worker failures
- Hierarchical composition: workflows as tasks inside other workflows`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
