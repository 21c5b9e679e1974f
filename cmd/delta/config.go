package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/config"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or inspect configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	Long: `Write a config file with default settings.

With --interactive the role, storage, merge strategy and server settings
are asked for first. The format follows the file extension (.toml, .yaml);
--format picks the extension when --path is not given.

Examples:
  delta config init
  delta config init --interactive
  delta config init --format yaml
  delta config init --path ~/.config/delta/delta.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		interactive, _ := cmd.Flags().GetBool("interactive")
		if format, _ := cmd.Flags().GetString("format"); !cmd.Flags().Changed("path") {
			path = config.FileName + "." + format
		}

		c := config.Default()
		if interactive {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("--interactive needs a terminal")
			}
			if err := config.Prompt(c); err != nil {
				return err
			}
		}

		if err := config.WriteFile(path, c, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Run 'delta init' to create the repo\n")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file, .env,
DELTA_* environment variables and flags. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		shown := *cfg
		if shown.Server.Secret != "" {
			shown.Server.Secret = "********"
		}
		if shown.Upstream.Token != "" {
			shown.Upstream.Token = "********"
		}

		data, err := shown.Encode(format)
		if err != nil {
			return err
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Println(ui.RenderMuted("# from " + used))
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().String("path", config.FileName+".toml", "Where to write the config file")
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	configInitCmd.Flags().BoolP("interactive", "i", false, "Prompt for settings")
	configInitCmd.Flags().String("format", config.FormatTOML, "File format when --path is not given: toml or yaml")
	configShowCmd.Flags().String("format", config.FormatTOML, "Output format: toml or yaml")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
