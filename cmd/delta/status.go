package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/deltarepo/internal/config"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
	"github.com/mschirtzinger/deltarepo/internal/lockfile"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

// statusReport is what `delta status` prints.
type statusReport struct {
	deltasync.Stats `yaml:",inline"`

	Store    string `json:"store" yaml:"store"`
	Upstream string `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	Peers    int    `json:"peers,omitempty" yaml:"peers,omitempty"`
	LockedBy int    `json:"locked_by,omitempty" yaml:"locked_by,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "repo",
	Short:   "Show repo status",
	Long: `Display item counts by sync status, the master's delete count and
watermark, and a mirror's pull progress.

Status only reads, so it can run next to a daemon or server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("--format must be text, json or yaml (got %q)", format)
		}

		report := statusReport{Store: cfg.Store.Driver, Upstream: cfg.Upstream.URL, Peers: len(cfg.Peers)}
		if cfg.Store.Driver == config.DriverSQLite {
			report.Store = cfg.DBPath()
			if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
				fmt.Printf("\n%s Repo not initialized\n", ui.RenderWarn("⚠"))
				fmt.Printf("   Run 'delta init' to create it\n\n")
				return nil
			}
			pid, err := lockHolder(cfg.LockPath())
			if err != nil {
				return err
			}
			report.LockedBy = pid
		}

		s, err := openShared("")
		if err != nil {
			return err
		}
		defer s.Close()

		repo := s.repo()
		err = repo.Read(cmd.Context(), func(ctx context.Context) error {
			report.Stats, err = repo.Stats(ctx)
			return err
		})
		if err != nil {
			return err
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return err
			}
			return enc.Close()
		}
		printStatus(report)
		return nil
	},
}

// lockHolder returns the pid holding the repo lock, or 0 when it is free.
func lockHolder(path string) (int, error) {
	lock, err := lockfile.Acquire(path)
	if err == nil {
		return 0, lock.Release()
	}
	if !errors.Is(err, lockfile.ErrLocked) {
		return 0, err
	}
	pid, herr := lockfile.Holder(path)
	if herr != nil {
		return -1, nil
	}
	return pid, nil
}

func printStatus(r statusReport) {
	fmt.Printf("\n%s\n\n", ui.Header(fmt.Sprintf("%s %s", r.Role, r.Repo)))

	pairs := []string{
		"Store", r.Store,
		"Live", strconv.Itoa(r.Live),
		"Tombstones", strconv.Itoa(r.Tombstones),
	}
	if r.Role == deltasync.RoleMaster {
		pairs = append(pairs,
			"Last sequence", strconv.FormatInt(r.LastSequence, 10),
			"Delete count", strconv.FormatInt(r.DeleteCount, 10),
			"Watermark", strconv.FormatInt(r.Watermark, 10),
		)
	} else {
		pairs = append(pairs,
			"Dirty", strconv.Itoa(r.Dirty),
			"Pushed", strconv.Itoa(r.Pushed),
			"Pulled", strconv.Itoa(r.Pulled),
			"Upstream", orNone(r.Upstream),
			"Peers", strconv.Itoa(r.Peers),
		)
		for _, remote := range r.Pull.Remotes() {
			st := r.Pull[remote]
			pairs = append(pairs,
				"Cursor "+string(remote), strconv.FormatInt(st.Cursor, 10),
				"Delete tally "+string(remote), strconv.FormatInt(st.DeleteTally, 10),
			)
		}
	}
	switch {
	case r.LockedBy > 0:
		pairs = append(pairs, "In use by", fmt.Sprintf("pid %d", r.LockedBy))
	case r.LockedBy < 0:
		pairs = append(pairs, "In use by", "another process")
	}
	fmt.Print(ui.KeyValues(pairs...))

	resyncing := false
	for _, remote := range r.Pull.Remotes() {
		if st := r.Pull[remote]; st.Resyncing {
			fmt.Printf("\n%s Resync from %s in progress (baseline delete count %d)\n",
				ui.RenderWarn("⚠"), remote, st.ResyncBaseline)
			resyncing = true
		}
	}
	if !resyncing && r.Dirty > 0 {
		fmt.Printf("\n%s %d unpushed edits\n", ui.RenderAccent("●"), r.Dirty)
	}
	fmt.Println()
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
