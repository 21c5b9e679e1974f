package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/config"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

var mirrorCmd = &cobra.Command{
	Use:     "mirror",
	GroupID: "repo",
	Short:   "Work with a mirror repo",
	Long: `Commands for a mirror. Local edits stay dirty until pushed; the master's
version of every row comes back on the next pull.`,
}

// activity totals sync events for a command summary.
type activity struct {
	mu      sync.Mutex
	pushed  int
	pulled  int
	deleted int
	resyncs int
	purged  int
}

func (a *activity) Observe(e deltasync.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e.Kind {
	case deltasync.EventPushed:
		a.pushed += e.Count
	case deltasync.EventPulled:
		a.pulled += e.Count
		a.deleted += e.Deleted
	case deltasync.EventResyncStarted:
		a.resyncs++
	case deltasync.EventResyncCompleted:
		a.purged += e.Count
	}
}

func (a *activity) print(elapsed time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fmt.Printf("%s Done in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
	fmt.Print(ui.KeyValues(
		"Pushed", fmt.Sprint(a.pushed),
		"Pulled", fmt.Sprintf("%d (%d deletions)", a.pulled, a.deleted),
	))
	if a.resyncs > 0 {
		fmt.Printf("%s Resynced %d time(s), purged %d unconfirmed rows\n", ui.RenderWarn("⚠"), a.resyncs, a.purged)
	}
}

// runMirror opens the mirror with an activity observer, runs fn and prints
// the summary.
func runMirror(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	act := &activity{}
	s, err := openRepo(config.RoleMirror, act)
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	if err := fn(cmd.Context(), s); err != nil {
		return err
	}
	act.print(time.Since(start))
	return nil
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push dirty rows to the upstream master",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror(cmd, func(ctx context.Context, s *session) error {
			upstream, err := s.dialUpstream(ctx)
			if err != nil {
				return err
			}
			return s.mirror.Publish(ctx, upstream)
		})
	},
}

var mirrorPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull changes from the upstream master or a peer",
	Long: `Pull changes until the remote has nothing new.

A pull refuses to run while the mirror has dirty rows, since it could not
tell a local edit from the remote's version afterwards. Push first, or pass
--merge to merge remote changes into the dirty rows.

With --from the pull reads from a peer mirror instead of upstream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		merge, _ := cmd.Flags().GetBool("merge")
		from, _ := cmd.Flags().GetString("from")

		return runMirror(cmd, func(ctx context.Context, s *session) error {
			var peer deltasync.Peer
			var err error
			if from != "" {
				peer, err = s.dial(ctx, from)
			} else {
				peer, err = s.dialUpstream(ctx)
			}
			if err != nil {
				return err
			}

			if !merge {
				var dirty bool
				err = s.mirror.Read(ctx, func(ctx context.Context) error {
					st, err := s.mirror.Stats(ctx)
					dirty = st.Dirty > 0
					return err
				})
				if err != nil {
					return err
				}
				if dirty {
					return fmt.Errorf("%w: push first or pass --merge", deltasync.ErrDirtyPull)
				}
			}

			return s.mirror.Write(ctx, func(ctx context.Context) error {
				if merge {
					return s.mirror.PullMergeAll(ctx, peer)
				}
				return s.mirror.PullAll(ctx, peer)
			})
		})
	},
}

var mirrorSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push to upstream, pull back, then pull from peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror(cmd, func(ctx context.Context, s *session) error {
			upstream, err := s.dialUpstream(ctx)
			if err != nil {
				return err
			}
			if err := s.mirror.Sync(ctx, upstream); err != nil {
				return err
			}

			peers, err := s.dialPeers(ctx)
			if err != nil {
				return err
			}
			for _, peer := range peers {
				err := s.mirror.SyncFrom(ctx, peer)
				if errors.Is(err, deltasync.ErrResyncInProgress) {
					fmt.Printf("%s Peer %s is resyncing, skipped\n", ui.RenderWarn("⚠"), peer.ID())
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to sync from peer %s: %w", peer.ID(), err)
				}
			}
			return nil
		})
	},
}

func init() {
	mirrorPullCmd.Flags().Bool("merge", false, "Merge remote changes into dirty rows")
	mirrorPullCmd.Flags().String("from", "", "Pull from this peer URL instead of upstream")

	mirrorCmd.AddCommand(newInsertCmd(config.RoleMirror))
	mirrorCmd.AddCommand(newDeleteCmd(config.RoleMirror))
	mirrorCmd.AddCommand(newListCmd(config.RoleMirror))
	mirrorCmd.AddCommand(mirrorPushCmd)
	mirrorCmd.AddCommand(mirrorPullCmd)
	mirrorCmd.AddCommand(mirrorSyncCmd)
	mirrorCmd.AddCommand(newServeCmd(config.RoleMirror))
	rootCmd.AddCommand(mirrorCmd)
}
