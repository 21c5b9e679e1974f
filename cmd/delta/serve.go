package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/delta/transport"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

func newRepoServer(repo transport.Repo) *transport.Server {
	return transport.NewServer(repo, &transport.Config{
		Addr:   cfg.Server.Addr,
		Secret: cfg.Server.Secret,
		Logger: newLogger("transport"),
	})
}

func stopRepoServer(server *transport.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

func newServeCmd(role string) *cobra.Command {
	short := "Serve this master to its mirrors"
	if role == "mirror" {
		short = "Serve this mirror's pulled rows to peer mirrors"
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: short,
		Long: short + `.

Requests must carry a bearer token signed with server.secret unless the
secret is empty, which is only allowed on loopback addresses.

With --dashboard the WebSocket dashboard runs alongside and streams the
sync activity clients cause.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			withDashboard, _ := cmd.Flags().GetBool("dashboard")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var live *liveDashboard
			if withDashboard {
				live = newLiveDashboard(cfg.Dashboard.Port)
			}

			var s *session
			var err error
			if live != nil {
				s, err = openRepo(role, live.handler)
			} else {
				s, err = openRepo(role, nil)
			}
			if err != nil {
				return err
			}
			defer s.Close()

			server := newRepoServer(s.repo())
			if err := server.Start(); err != nil {
				return err
			}

			fmt.Printf("%s Serving %s %s\n", ui.RenderAccent("🚀"), role, cfg.Repo.ID)
			fmt.Printf("Sync endpoint: http://%s\n", server.Addr())
			fmt.Printf("Health check: http://%s/health\n", server.Addr())
			if cfg.Server.Secret == "" {
				fmt.Printf("%s Authentication is disabled\n", ui.RenderWarn("⚠"))
			}

			if live != nil {
				if err := live.start(ctx, s.repo()); err != nil {
					_ = stopRepoServer(server)
					return err
				}
				defer live.stop()
				live.printEndpoints()
			}

			fmt.Println("\nPress Ctrl+C to stop...")
			<-ctx.Done()

			fmt.Println("\nShutting down...")
			return stopRepoServer(server)
		},
	}
	cmd.Flags().String("addr", "", "Address to listen on (overrides server.addr)")
	cmd.Flags().Bool("dashboard", false, "Also run the WebSocket dashboard")
	configFlag(cmd.Flags(), "addr", "server.addr")
	return cmd
}
