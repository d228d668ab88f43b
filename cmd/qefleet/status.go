package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/qefleet/qefleet/internal/config"
	"github.com/qefleet/qefleet/internal/policy"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show learned tier-selection values",
	Long: `Display what the tier-selection policy has learned so far.

Shows the estimated reward and sample count for every (task bucket, tier)
pair in the policy database, plus the size of the learning record log.
Buckets with more samples produce more trusted estimates; buckets below
the min_visits threshold still route by the cold-start heuristic.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.Learning.DBPath
	if dbPath == "" {
		dbPath = policy.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No policy database yet. Run a workflow to start learning.")
		return nil
	}

	store, err := policy.OpenStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening policy database: %w", err)
	}
	defer store.Close()

	rows, err := store.LoadValues()
	if err != nil {
		return fmt.Errorf("loading policy values: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("Policy database is empty. Run a workflow to start learning.")
		return nil
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Bucket != rows[j].Bucket {
			return rows[i].Bucket < rows[j].Bucket
		}
		return rows[i].Tier < rows[j].Tier
	})

	bold := color.New(color.Bold)
	bold.Println("Learned tier values")
	fmt.Printf("%-32s %-10s %10s %8s\n", "BUCKET", "TIER", "VALUE", "VISITS")

	for _, row := range rows {
		line := fmt.Sprintf("%-32s %-10s %10.4f %8d", row.Bucket, row.Tier, row.Value, row.Visits)
		if row.Visits >= cfg.Learning.MinVisits {
			fmt.Println(line)
		} else {
			color.New(color.Faint).Println(line)
		}
	}

	count, err := store.TotalRecords()
	if err == nil {
		fmt.Printf("\n%d learning records at %s\n", count, dbPath)
	}
	return nil
}
