package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/qefleet/qefleet/internal/config"
	"github.com/qefleet/qefleet/internal/engine"
	"github.com/qefleet/qefleet/internal/fleet"
	"github.com/qefleet/qefleet/pkg/models"
)

const timeRound = 10 * time.Millisecond

var (
	runConfigPath  string
	runPartition   string
	runExportState string
	runQuiet       bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow file",
	Long: `Run the workflow described by a YAML file.

The file lists tasks, the workers they target, their dependencies, and the
failure policy. Example:

  name: auth-regression
  on_failure: abort
  max_in_flight: 4
  tasks:
    - id: generate
      type: test_generation
      worker: test-generator
      input:
        module: auth
    - id: execute
      type: test_execution
      worker: test-executor
      depends_on:
        - task_id: generate

Press Ctrl-C to cancel; in-flight tasks are stopped and the run is
reported as aborted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to a config file (overrides discovery)")
	runCmd.Flags().StringVar(&runPartition, "partition", "", "Coordination store partition for this run")
	runCmd.Flags().StringVar(&runExportState, "export-state", "", "Write fleet state to this file after the run")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress per-task progress output")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading workflow file: %w", err)
	}
	spec, err := models.ParseWorkflowSpec(data)
	if err != nil {
		return fmt.Errorf("parsing workflow: %w", err)
	}

	f, err := buildFleet()
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.RegisterDefaultWorkers(); err != nil {
		return fmt.Errorf("registering workers: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var engineOpts []engine.Option
	if runPartition != "" {
		engineOpts = append(engineOpts, engine.WithPartition(runPartition))
	}

	summary, runErr := f.ExecuteWithEvents(ctx, spec, printEvent, engineOpts...)
	if summary != nil {
		printSummary(summary)
	}
	if runErr != nil {
		return fmt.Errorf("workflow cancelled: %w", runErr)
	}

	if runExportState != "" {
		if err := f.ExportState(runExportState); err != nil {
			return fmt.Errorf("exporting state: %w", err)
		}
		fmt.Printf("State written to %s\n", runExportState)
	}

	if summary.Status == models.WorkflowStatusAborted {
		os.Exit(1)
	}
	return nil
}

func buildFleet() (*fleet.Fleet, error) {
	var cfg *config.Config
	var err error
	if runConfigPath != "" {
		cfg, err = config.LoadFromPath(runConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return fleet.New(cfg)
}

func printEvent(ev engine.Event) {
	if runQuiet {
		return
	}

	switch ev.Type {
	case engine.EventTaskDispatched:
		fmt.Printf("  %s %s (worker=%s)\n", color.CyanString("→"), ev.TaskID, ev.WorkerID)
	case engine.EventTaskSucceeded:
		fmt.Printf("  %s %s (tier=%s, %.4f USD)\n", color.GreenString("✓"), ev.TaskID, ev.Tier, ev.Cost)
	case engine.EventTaskDeduplicated:
		fmt.Printf("  %s %s (reused equivalent result)\n", color.GreenString("≡"), ev.TaskID)
	case engine.EventTaskRetrying:
		fmt.Printf("  %s %s attempt %d: %s\n", color.YellowString("↻"), ev.TaskID, ev.Attempt, ev.Message)
	case engine.EventTaskFailed:
		fmt.Printf("  %s %s: %s\n", color.RedString("✗"), ev.TaskID, ev.Message)
	case engine.EventTaskCancelled:
		fmt.Printf("  %s %s cancelled\n", color.YellowString("⊘"), ev.TaskID)
	}
}

func printSummary(summary *engine.Summary) {
	fmt.Println()
	switch summary.Status {
	case models.WorkflowStatusCompleted:
		color.Green("Workflow %s completed", summary.Name)
	case models.WorkflowStatusAborted:
		if summary.TriggeredBy == "cancelled" {
			color.Yellow("Workflow %s cancelled", summary.Name)
		} else {
			color.Red("Workflow %s aborted (triggered by task %s)", summary.Name, summary.TriggeredBy)
		}
	}
	fmt.Printf("  tasks: %d succeeded, %d failed, %d total\n",
		summary.Succeeded(), summary.Failed(), len(summary.Tasks))
	fmt.Printf("  cost:  %.4f USD\n", summary.TotalCost)
	fmt.Printf("  time:  %s\n", summary.Duration.Round(timeRound))
}
