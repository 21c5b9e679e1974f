package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/deltarepo/internal/delta/memstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
	"github.com/mschirtzinger/deltarepo/internal/ui"
)

// scenario sizes the simulation.
type scenario struct {
	Items   int
	Deletes int
	Retain  int
}

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	GroupID: "advanced",
	Short:   "Walk through a resync in memory",
	Long: `Run a scripted scenario on in-memory repos and narrate each step:

  1. Mirror "alice" creates items and syncs with the master
  2. Mirror "bob" syncs and sees them
  3. Bob makes an offline edit, alice deletes more items than the master
     keeps tombstones for
  4. Bob syncs: his edit is pushed, but the deletions he missed are gone,
     so he resyncs and drops the rows nobody confirms

Nothing is written to disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var sc scenario
		sc.Items, _ = cmd.Flags().GetInt("items")
		sc.Deletes, _ = cmd.Flags().GetInt("deletes")
		sc.Retain, _ = cmd.Flags().GetInt("retain")
		if sc.Items <= 0 || sc.Retain <= 0 || sc.Deletes <= 0 || sc.Deletes > sc.Items-1 {
			return fmt.Errorf("need positive --items, --retain and --deletes, with --deletes below --items")
		}
		return simulate(cmd.Context(), os.Stdout, sc)
	},
}

func init() {
	simulateCmd.Flags().Int("items", 6, "Items alice creates")
	simulateCmd.Flags().Int("deletes", 4, "Items alice deletes while bob is offline")
	simulateCmd.Flags().Int("retain", 2, "Tombstones the master keeps")
	rootCmd.AddCommand(simulateCmd)
}

// narrator prints sync events as they happen.
type narrator struct {
	w io.Writer
}

func (n narrator) Observe(e deltasync.Event) {
	switch e.Kind {
	case deltasync.EventPushed:
		fmt.Fprintf(n.w, "      %s pushed %d rows to %s\n", e.Local, e.Count, e.Remote)
	case deltasync.EventPulled:
		fmt.Fprintf(n.w, "      %s pulled %d rows (%d deletions, tally %d of %d)\n",
			e.Local, e.Count, e.Deleted, e.DeleteTally, e.DeleteCount)
	case deltasync.EventEvicted:
		fmt.Fprintf(n.w, "      %s evicted %d tombstones, watermark now %d\n", e.Local, e.Count, e.Watermark)
	case deltasync.EventResyncStarted, deltasync.EventResyncRestarted:
		fmt.Fprintf(n.w, "      %s %s: delete tally %d but %s has counted %d\n",
			e.Local, ui.RenderWarn(string(e.Kind)), e.DeleteTally, e.Remote, e.DeleteCount)
	case deltasync.EventResyncCompleted:
		fmt.Fprintf(n.w, "      %s %s, purged %d unconfirmed rows\n", e.Local, ui.RenderPass(string(e.Kind)), e.Count)
	}
}

func simulate(ctx context.Context, w io.Writer, sc scenario) error {
	config := &deltasync.Config{
		BatchSize:             100,
		MaxRetainedTombstones: sc.Retain,
		Logger:                log.New(io.Discard, "", 0),
		Observer:              narrator{w: w},
	}
	master := deltasync.NewMaster("master", memstore.New(nil), config)
	alice := deltasync.NewMirror("alice", memstore.New(nil), config)
	bob := deltasync.NewMirror("bob", memstore.New(nil), config)

	step := 0
	say := func(format string, args ...any) {
		step++
		fmt.Fprintf(w, "\n%s %s\n", ui.RenderAccent(fmt.Sprintf("%d.", step)), fmt.Sprintf(format, args...))
	}
	show := func(m *deltasync.Mirror) error {
		return m.Read(ctx, func(ctx context.Context) error {
			st, err := m.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "      %s: %d live (%d dirty, %d pushed, %d pulled)\n", m.ID(), st.Live, st.Dirty, st.Pushed, st.Pulled)
			return nil
		})
	}

	say("alice creates %d items and syncs", sc.Items)
	err := alice.Write(ctx, func(ctx context.Context) error {
		for i := 0; i < sc.Items; i++ {
			addr, err := alice.NewPk(ctx)
			if err != nil {
				return err
			}
			payload := fmt.Sprintf(`{"title":"item %d"}`, i+1)
			if _, err := alice.InsertOrReplace(ctx, []schema.Item{{Address: addr, Payload: []byte(payload)}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := alice.Sync(ctx, master); err != nil {
		return err
	}
	if err := show(alice); err != nil {
		return err
	}

	say("bob syncs")
	if err := bob.Sync(ctx, master); err != nil {
		return err
	}
	if err := show(bob); err != nil {
		return err
	}

	say("bob edits an item offline; alice deletes %d items (the master keeps %d tombstones)", sc.Deletes, sc.Retain)
	var victims []schema.Address
	err = bob.Write(ctx, func(ctx context.Context) error {
		items, err := bob.List(ctx, false)
		if err != nil {
			return err
		}
		edited := items[len(items)-1].WithPayload([]byte(`{"title":"edited by bob"}`))
		_, err = bob.InsertOrReplace(ctx, []schema.Item{edited})
		return err
	})
	if err != nil {
		return err
	}
	err = alice.Write(ctx, func(ctx context.Context) error {
		items, err := alice.List(ctx, false)
		if err != nil {
			return err
		}
		victims = schema.Addresses(items[:sc.Deletes])
		_, err = alice.DeleteByPk(ctx, victims)
		return err
	})
	if err != nil {
		return err
	}
	if err := alice.Sync(ctx, master); err != nil {
		return err
	}
	if err := show(alice); err != nil {
		return err
	}

	say("bob comes back online and syncs")
	if err := bob.Sync(ctx, master); err != nil {
		return err
	}
	if err := show(bob); err != nil {
		return err
	}

	var masterLive int
	err = master.Read(ctx, func(ctx context.Context) error {
		st, err := master.Stats(ctx)
		masterLive = st.Live
		return err
	})
	if err != nil {
		return err
	}

	var bobLive int
	err = bob.Read(ctx, func(ctx context.Context) error {
		items, err := bob.List(ctx, false)
		bobLive = len(items)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	if bobLive == masterLive {
		fmt.Fprintf(w, "%s bob and the master agree on %d live items\n", ui.RenderPass("✓"), masterLive)
		return nil
	}
	return fmt.Errorf("bob has %d live items, the master %d", bobLive, masterLive)
}
