package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/config"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "repo",
	Short:   "Create a repo and give it an identity",
	Long: `Create the repo directory and database and mint a repo id.

The id is written to the config file (./delta.toml unless --config points
elsewhere). An existing id is kept, so init is safe to run again.

Examples:
  delta init --role master
  delta init --role mirror --upstream http://master:7480`,
	RunE: func(cmd *cobra.Command, args []string) error {
		minted := false
		if cfg.Repo.ID == "" {
			cfg.Repo.ID = string(schema.NewRepoPk())
			minted = true
		}

		path := v.ConfigFileUsed()
		if path == "" {
			path = config.FileName + ".toml"
		}
		if minted || v.ConfigFileUsed() == "" {
			if err := config.WriteFile(path, cfg, true); err != nil {
				return err
			}
		}

		s, err := openRepo("", nil)
		if err != nil {
			return err
		}
		defer s.Close()

		location := cfg.Store.Driver
		if cfg.Store.Driver == config.DriverSQLite {
			location = cfg.DBPath()
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}

		fmt.Printf("%s Initialized %s repo\n\n", ui.RenderPass("✓"), cfg.Repo.Role)
		fmt.Print(ui.KeyValues(
			"Repo id", cfg.Repo.ID,
			"Store", location,
			"Config", path,
		))
		if cfg.Repo.Role == config.RoleMirror && cfg.Upstream.URL == "" {
			fmt.Fprintf(os.Stderr, "\n%s upstream.url is not set; push and sync need it\n", ui.RenderWarn("⚠"))
		}
		return nil
	},
}

func init() {
	initCmd.Flags().String("role", "", "Repo role: master or mirror")
	initCmd.Flags().String("id", "", "Repo id (default: a new UUID)")
	initCmd.Flags().String("driver", "", "Storage driver: sqlite, postgres or memory")
	initCmd.Flags().String("upstream", "", "Upstream master URL (mirrors)")
	configFlag(initCmd.Flags(), "role", "repo.role")
	configFlag(initCmd.Flags(), "id", "repo.id")
	configFlag(initCmd.Flags(), "driver", "store.driver")
	configFlag(initCmd.Flags(), "upstream", "upstream.url")
	rootCmd.AddCommand(initCmd)
}
