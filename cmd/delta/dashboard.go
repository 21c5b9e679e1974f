package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/config"
	"github.com/mschirtzinger/deltarepo/internal/delta/dashboard"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

// publishInterval is how often repo snapshots are broadcast.
const publishInterval = 5 * time.Second

// liveDashboard is a dashboard server fed by a repo's sync events.
type liveDashboard struct {
	server  *dashboard.Server
	handler *dashboard.Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

func newLiveDashboard(port int) *liveDashboard {
	server := dashboard.NewServer(&dashboard.Config{
		Port:   port,
		Logger: newLogger("dashboard"),
	})
	return &liveDashboard{
		server:  server,
		handler: dashboard.NewHandler(server, newLogger("dashboard")),
		cancel:  func() {},
		done:    make(chan struct{}),
	}
}

// start serves the dashboard and broadcasts snapshots of repo until ctx
// is done.
func (d *liveDashboard) start(ctx context.Context, repo dashboard.StatsSource) error {
	if err := d.server.Start(); err != nil {
		return err
	}
	ctx, d.cancel = context.WithCancel(ctx)

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(publishInterval)
		defer ticker.Stop()
		for {
			if err := d.handler.Publish(ctx, repo); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to publish stats: %v\n", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// stop must only be called after a successful start.
func (d *liveDashboard) stop() {
	d.cancel()
	<-d.done
	if err := d.server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
	}
}

func (d *liveDashboard) printEndpoints() {
	addr := d.server.GetAddr()
	fmt.Printf("Dashboard: http://%s\n", addr)
	fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start a real-time WebSocket dashboard of sync activity",
	Long: `Start a WebSocket dashboard that streams this repo's sync activity.

A master keeps serving its sync endpoint, so pushes and evictions caused by
mirrors show up live. A mirror runs its sync loop against upstream, so its
pushes, pulls and resyncs show up live.

WebSocket messages include:
- push: Rows pushed to a master
- pull: Rows pulled, with the tombstones among them
- resync: A resync started, restarted or completed
- evicted: A master dropped its oldest tombstones
- stats: Running totals since the dashboard started
- repo: A snapshot of the repo's counters

Example usage:
  delta dashboard                   # Start on the configured port (7481)
  delta dashboard --port 9000       # Start on a custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		live := newLiveDashboard(cfg.Dashboard.Port)
		s, err := openRepo("", live.handler)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := live.start(ctx, s.repo()); err != nil {
			return err
		}
		defer live.stop()

		fmt.Printf("%s Dashboard for %s %s\n", ui.RenderAccent("📊"), cfg.Repo.Role, cfg.Repo.ID)
		live.printEndpoints()

		if cfg.Repo.Role == config.RoleMaster {
			server := newRepoServer(s.master)
			if err := server.Start(); err != nil {
				return err
			}
			fmt.Printf("Sync endpoint: http://%s\n", server.Addr())
			fmt.Println("\nPress Ctrl+C to stop...")
			<-ctx.Done()
			return stopRepoServer(server)
		}

		d, err := newDaemon(ctx, s)
		if err != nil {
			return err
		}
		fmt.Println("\nPress Ctrl+C to stop...")
		return d.Start(ctx)
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides dashboard.port)")
	configFlag(dashboardCmd.Flags(), "port", "dashboard.port")
	rootCmd.AddCommand(dashboardCmd)
}
