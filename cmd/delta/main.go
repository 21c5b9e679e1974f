// Command delta manages delta-sync repos: a canonical master and the
// mirrors that push local edits to it and pull everyone else's.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/deltarepo/internal/config"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

var (
	v       = config.New()
	cfg     *config.Config
	logOut  io.Writer = os.Stderr
	logFile *lumberjack.Logger
)

var rootCmd = &cobra.Command{
	Use:   "delta",
	Short: "Delta sync between a master repo and its mirrors",
	Long: `delta keeps a set of items replicated between one master repo and any
number of mirrors.

Mirrors edit locally, push their dirty rows to the master and pull changes
back in sequence order. When a mirror falls so far behind that the master
has already forgotten some deletions, it resyncs: everything it holds is
revalidated against the master and rows nobody confirms are dropped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			ui.DisableColor()
		}
		if skipsConfig(cmd) {
			return nil
		}
		return loadConfig(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			_ = logFile.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "repo", Title: "Repository Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: ./delta.toml or ~/.config/delta/delta.toml)")
	flags.String("env-file", "", "Dotenv file (default: .env)")
	flags.String("repo-path", "", "Repo directory (overrides repo.path)")
	flags.Bool("quiet", false, "Discard sync log output")
	flags.Bool("no-color", false, "Disable colored output")

	configFlag(rootCmd.PersistentFlags(), "repo-path", "repo.path")
}

// configKey annotates flags that override a config key.
const configKey = "delta_config_key"

// configFlag marks flag as an override for key. Bindings are made when a
// command runs, so several commands can share a key.
func configFlag(flags *pflag.FlagSet, flag, key string) {
	_ = flags.SetAnnotation(flag, configKey, []string{key})
}

// skipsConfig reports whether cmd runs without a loaded config.
func skipsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion", "simulate", "bench":
		return true
	}
	return cmd.Parent() != nil && cmd.Parent().Name() == "config" && cmd.Name() == "init"
}

func loadConfig(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		for _, key := range f.Annotations[configKey] {
			_ = v.BindPFlag(key, f)
		}
	})

	loaded, err := config.Load(v, config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	cfg = loaded

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		logOut = io.Discard
	} else if cfg.Log.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		logOut = logFile
	}
	return nil
}

// newLogger returns a logger for component, honoring log settings.
func newLogger(component string) *log.Logger {
	return log.New(logOut, "["+component+"] ", log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
