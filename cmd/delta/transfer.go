package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/delta/jsonl"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file.jsonl>",
	GroupID: "maint",
	Short:   "Export items to a JSONL file",
	Long: `Write every item to a JSON Lines file, one item per line, in address
order. Pass - to write to stdout.

Addresses are written in this repo's frame: items it minted have the
repo "@local".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		includeDeleted, _ := cmd.Flags().GetBool("deleted")
		opts := jsonl.ExportOptions{IncludeDeleted: includeDeleted}

		s, err := openShared("")
		if err != nil {
			return err
		}
		defer s.Close()

		if args[0] == "-" {
			_, err := jsonl.Export(cmd.Context(), os.Stdout, s.repo(), opts)
			return err
		}

		start := time.Now()
		result, err := jsonl.ExportFile(cmd.Context(), args[0], s.repo(), opts)
		if err != nil {
			return err
		}
		fmt.Printf("%s Exported to %s in %v\n", ui.RenderPass("✓"), args[0], time.Since(start).Round(time.Millisecond))
		fmt.Print(ui.KeyValues(
			"Items", fmt.Sprint(result.Items),
			"Tombstones", fmt.Sprint(result.Tombstones),
		))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "maint",
	Short:   "Import items from a JSONL file",
	Long: `Load items from a JSON Lines file written by 'delta export'.

Imported items are local edits: on a mirror they stay dirty until pushed.
Tombstones are skipped. Items the exporting repo minted get fresh item keys
here; items addressed to other repos keep their address.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		s, err := openRepo("", nil)
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := jsonl.Import(cmd.Context(), s.repo(), jsonl.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Backup:    backup,
			BatchSize: batchSize,
		})
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d items\n", ui.RenderPass("✓"), verb, result.Imported)
		fmt.Print(ui.KeyValues(
			"New keys", fmt.Sprint(result.Remapped),
			"Skipped", fmt.Sprintf("%d tombstones", result.Skipped),
		))
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().Bool("deleted", false, "Also export tombstones")
	importCmd.Flags().Bool("dry-run", false, "Count without writing")
	importCmd.Flags().Bool("backup", false, "Copy the input file aside first")
	importCmd.Flags().Int("batch-size", 500, "Items per write")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
