package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/delta/loadtest"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Run a concurrent sync soak test",
	Long: `Run many mirrors against one master at once and check that they
converge.

Each mirror makes random inserts, updates and deletes and syncs after every
round. Afterwards the cluster is drained and every mirror's live set is
compared with the master's. A small --retain forces tombstone eviction, so
lagging mirrors have to resync.

Stores:
  memory - In-memory stores (default)
  sqlite - One SQLite database per repo in a temp directory

Examples:
  # Default run: 8 mirrors, 10 rounds of 25 edits
  delta bench

  # Heavier run on SQLite
  delta bench --store sqlite --mirrors 16 --rounds 20

  # Output the report as JSON
  delta bench --json

  # Also write results.json, syncs.csv and REPORT.md
  delta bench --report ./bench-results
`,
	RunE: runBench,
}

func init() {
	defaults := loadtest.DefaultOptions()
	benchCmd.Flags().Int("mirrors", defaults.Mirrors, "Number of concurrent mirrors")
	benchCmd.Flags().Int("rounds", defaults.Rounds, "Edit-then-sync rounds per mirror")
	benchCmd.Flags().Int("ops", defaults.OpsPerRound, "Edits per round")
	benchCmd.Flags().Float64("deletes", defaults.DeleteRatio, "Share of edits that delete (0.0-1.0)")
	benchCmd.Flags().Float64("updates", defaults.UpdateRatio, "Share of edits that update (0.0-1.0)")
	benchCmd.Flags().Int("batch", defaults.BatchSize, "Push and pull batch size")
	benchCmd.Flags().Int("retain", defaults.MaxRetainedTombstones, "Tombstones the master retains")
	benchCmd.Flags().Int64("seed", defaults.Seed, "Random seed")
	benchCmd.Flags().String("store", "memory", "Store: memory or sqlite")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	benchCmd.Flags().String("report", "", "Directory for JSON, CSV and markdown reports")
	benchCmd.Flags().BoolP("verbose", "v", false, "Show sync log output")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	opts := loadtest.DefaultOptions()
	opts.Mirrors, _ = cmd.Flags().GetInt("mirrors")
	opts.Rounds, _ = cmd.Flags().GetInt("rounds")
	opts.OpsPerRound, _ = cmd.Flags().GetInt("ops")
	opts.DeleteRatio, _ = cmd.Flags().GetFloat64("deletes")
	opts.UpdateRatio, _ = cmd.Flags().GetFloat64("updates")
	opts.BatchSize, _ = cmd.Flags().GetInt("batch")
	opts.MaxRetainedTombstones, _ = cmd.Flags().GetInt("retain")
	opts.Seed, _ = cmd.Flags().GetInt64("seed")
	store, _ := cmd.Flags().GetString("store")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	verbose, _ := cmd.Flags().GetBool("verbose")
	reportDir, _ := cmd.Flags().GetString("report")

	switch {
	case opts.Mirrors <= 0:
		return errors.New("--mirrors must be positive")
	case opts.Rounds <= 0:
		return errors.New("--rounds must be positive")
	case opts.OpsPerRound <= 0:
		return errors.New("--ops must be positive")
	case opts.DeleteRatio < 0 || opts.UpdateRatio < 0 || opts.DeleteRatio+opts.UpdateRatio > 1:
		return errors.New("--deletes and --updates must be non-negative and sum to at most 1.0")
	case opts.BatchSize <= 0 || opts.MaxRetainedTombstones <= 0:
		return errors.New("--batch and --retain must be positive")
	case store != "memory" && store != "sqlite":
		return errors.New("--store must be 'memory' or 'sqlite'")
	}
	if verbose {
		opts.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	var cluster *loadtest.Cluster
	if store == "sqlite" {
		dir, err := os.MkdirTemp("", "delta-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(dir)

		cluster, err = loadtest.NewSQLiteCluster(dir, opts)
		if err != nil {
			return err
		}
		defer cluster.Close()
	} else {
		cluster = loadtest.NewMemoryCluster(opts)
	}

	if !jsonOutput {
		fmt.Println("Running sync soak test...")
		fmt.Printf("Configuration: %d mirrors, %d rounds of %d edits, %.0f%% deletes, retain %d tombstones (%s)\n\n",
			opts.Mirrors, opts.Rounds, opts.OpsPerRound, opts.DeleteRatio*100, opts.MaxRetainedTombstones, store)
	}

	report, err := cluster.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if reportDir != "" {
		if err := loadtest.WriteReports(reportDir, report, opts); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Reports written to %s\n\n", reportDir)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		report.Sync.Durations = nil
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printBenchReport(report)
	}

	// Non-zero exit when mirrors diverged (for CI)
	if !report.Converged {
		return fmt.Errorf("%d mismatches after drain", len(report.Mismatches))
	}
	return nil
}

func printBenchReport(r *loadtest.Report) {
	r.Sync.PrintStats(os.Stdout)

	fmt.Printf("\nCluster:\n")
	fmt.Print(ui.KeyValues(
		"Edits", fmt.Sprint(r.Ops),
		"Master live", fmt.Sprint(r.MasterLive),
		"Tombstones", fmt.Sprint(r.MasterTombstones),
		"Delete count", fmt.Sprint(r.DeleteCount),
		"Watermark", fmt.Sprint(r.Watermark),
		"Elapsed", r.Elapsed.String(),
	))

	fmt.Printf("\nEvents:\n")
	kinds := make([]deltasync.EventKind, 0, len(r.Events))
	for kind := range r.Events {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	var pairs []string
	for _, kind := range kinds {
		pairs = append(pairs, string(kind), fmt.Sprint(r.Events[kind]))
	}
	fmt.Print(ui.KeyValues(pairs...))
	fmt.Println()

	if r.Converged {
		fmt.Printf("%s All mirrors converged on the master's state\n", ui.RenderPass("✓"))
		return
	}
	fmt.Printf("%s Mirrors diverged:\n", ui.RenderFail("✗"))
	for _, m := range r.Mismatches {
		fmt.Printf("   %s\n", m)
	}
}
