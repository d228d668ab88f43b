package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/qefleet/qefleet/internal/engine"
	"github.com/qefleet/qefleet/pkg/models"
)

// fleetRunner is the slice of the fleet the watcher needs.
type fleetRunner interface {
	ExecuteWithEvents(ctx context.Context, spec *models.WorkflowSpec, onEvent func(engine.Event), opts ...engine.Option) (*engine.Summary, error)
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Watch a directory and run workflow files dropped into it",
	Long: `Watch a directory for workflow YAML files and execute each new or
modified file as a workflow.

This turns the fleet into a simple job intake: CI systems or teammates drop
workflow files into the directory and qefleet picks them up. Runs execute
sequentially in arrival order.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := args[0]
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	f, err := buildFleet()
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.RegisterDefaultWorkers(); err != nil {
		return fmt.Errorf("registering workers: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Watching %s for workflow files (Ctrl-C to stop)\n", dir)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nStopping watcher")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isWorkflowFile(event.Name) {
				continue
			}
			runWatchedFile(ctx, event.Name, f)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}

func isWorkflowFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func runWatchedFile(ctx context.Context, path string, f fleetRunner) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", path, err)
		return
	}
	spec, err := models.ParseWorkflowSpec(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
		return
	}

	color.Cyan("Running %s (%s)", spec.Name, filepath.Base(path))
	summary, err := f.ExecuteWithEvents(ctx, spec, printEvent)
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %s: %v\n", spec.Name, err)
	}
}
