package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/config"
	"github.com/mschirtzinger/deltarepo/internal/delta/daemon"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

func daemonConfig() *daemon.Config {
	return &daemon.Config{
		Inbox:        cfg.InboxPath(),
		PushInterval: cfg.Sync.PushInterval,
		PullInterval: cfg.Sync.PullInterval,
		Logger:       newLogger("daemon"),
	}
}

// newDaemon dials the mirror's upstream and peers and builds a daemon.
func newDaemon(ctx context.Context, s *session) (*daemon.Daemon, error) {
	var upstream deltasync.Upstream
	if s.cfg.Upstream.URL != "" {
		client, err := s.dialUpstream(ctx)
		if err != nil {
			return nil, err
		}
		upstream = client
	}
	peers, err := s.dialPeers(ctx)
	if err != nil {
		return nil, err
	}
	return daemon.New(s.mirror, upstream, peers, daemonConfig())
}

// parseUntil reads a natural-language deadline such as "in 2 hours" or
// "tomorrow at 9am".
func parseUntil(text string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --until %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --until %q: no time found", text)
	}
	if !r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--until %q is in the past (%s)", text, r.Time.Format(time.RFC1123))
	}
	return r.Time, nil
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep a mirror in sync (foreground)",
	Long: `Run the sync daemon for a mirror in the foreground.

The daemon will:
  1. Apply item files dropped into the inbox directory
  2. Push dirty rows upstream every sync.push_interval
  3. Pull from upstream and every peer every sync.pull_interval

Inbox files are JSON objects like {"payload": {...}} for a new item, or
{"repo": "...", "item": 3, "deleted": true} to delete one. Files that
cannot be applied are renamed with a .rejected suffix.

Examples:
  delta daemon
  delta daemon --until "in 8 hours"
  delta daemon --serve --dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		until, _ := cmd.Flags().GetString("until")
		serve, _ := cmd.Flags().GetBool("serve")
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var deadline time.Time
		if until != "" {
			var err error
			deadline, err = parseUntil(until, time.Now())
			if err != nil {
				return err
			}
			var stop context.CancelFunc
			ctx, stop = context.WithDeadline(ctx, deadline)
			defer stop()
		}

		var live *liveDashboard
		var s *session
		var err error
		if withDashboard {
			live = newLiveDashboard(cfg.Dashboard.Port)
			s, err = openRepo(config.RoleMirror, live.handler)
		} else {
			s, err = openRepo(config.RoleMirror, nil)
		}
		if err != nil {
			return err
		}
		defer s.Close()

		d, err := newDaemon(ctx, s)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting sync daemon for %s...\n", ui.RenderAccent("🚀"), cfg.Repo.ID)
		fmt.Print(ui.KeyValues(
			"Upstream", orNone(cfg.Upstream.URL),
			"Peers", fmt.Sprint(len(cfg.Peers)),
			"Inbox", cfg.InboxPath(),
		))
		if !deadline.IsZero() {
			fmt.Printf("   Stopping at %s\n", deadline.Format(time.RFC1123))
		}

		if serve {
			server := newRepoServer(s.mirror)
			if err := server.Start(); err != nil {
				return err
			}
			defer func() { _ = stopRepoServer(server) }()
			fmt.Printf("   Serving peers on http://%s\n", server.Addr())
		}
		if live != nil {
			if err := live.start(ctx, s.mirror); err != nil {
				return err
			}
			defer live.stop()
			live.printEndpoints()
		}

		fmt.Printf("\nPress Ctrl+C to stop\n\n")
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			fmt.Printf("%s Reached --until deadline\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func init() {
	daemonCmd.Flags().String("until", "", `Stop at this time, e.g. "in 2 hours" or "tomorrow 9am"`)
	daemonCmd.Flags().Bool("serve", false, "Also serve pulled rows to peers")
	daemonCmd.Flags().Bool("dashboard", false, "Also run the WebSocket dashboard")
	daemonCmd.Flags().String("inbox", "", "Inbox directory (overrides daemon.inbox)")
	configFlag(daemonCmd.Flags(), "inbox", "daemon.inbox")
	rootCmd.AddCommand(daemonCmd)
}
