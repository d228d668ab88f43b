package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qefleet/qefleet/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show resolved configuration",
	Long: `Display the resolved qefleet configuration and where it came from.

Configuration is stored at ~/.config/qefleet/config.yaml.
Project-specific overrides can be placed in .qefleet.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		displayConfig(cfg)
	},
}

func displayConfig(cfg *config.Config) {
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Println("Configuration:")
	fmt.Printf("  anthropic.api_key:       %s\n", apiKeyDisplay)
	fmt.Printf("  anthropic.use_aws_bedrock: %v\n", cfg.Anthropic.UseAWSBedrock)
	fmt.Printf("  defaults.max_in_flight:  %d\n", cfg.Defaults.MaxInFlight)
	fmt.Printf("  defaults.max_retries:    %d\n", cfg.Defaults.MaxRetries)
	fmt.Printf("  defaults.retry_backoff:  %s\n", cfg.Defaults.RetryBackoff)
	fmt.Printf("  defaults.task_deadline:  %s\n", cfg.Defaults.TaskDeadline)
	fmt.Printf("  defaults.lock_lease:     %s\n", cfg.Defaults.LockLease)
	fmt.Printf("  redis.enabled:           %v\n", cfg.Redis.Enabled)
	if cfg.Redis.Enabled {
		fmt.Printf("  redis.addr:              %s\n", cfg.Redis.Addr)
	}
	fmt.Printf("  learning.alpha:          %.2f\n", cfg.Learning.Alpha)
	fmt.Printf("  learning.training:       %v\n", cfg.Learning.Training)
	fmt.Printf("  learning.epsilon:        %.2f\n", cfg.Learning.Epsilon)
	fmt.Printf("  learning.min_visits:     %d\n", cfg.Learning.MinVisits)

	fmt.Println("\nTiers:")
	for _, t := range cfg.Tiers {
		fmt.Printf("  %-10s model=%s cost=%.3f quality=%.2f\n", t.ID, t.Model, t.ExpectedCost, t.ExpectedQuality)
	}

	fmt.Printf("\nUser config:    %s\n", config.GetUserConfigPath())
	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("Project config: %s\n", project)
	}
}
