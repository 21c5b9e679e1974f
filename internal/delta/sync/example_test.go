package sync_test

import (
	"context"
	"fmt"
	"log"

	"github.com/mschirtzinger/deltarepo/internal/delta/memstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// This example creates an item on a mirror and syncs it through a master
// to a second mirror.
func ExampleNewMirror() {
	ctx := context.Background()
	config := sync.DefaultConfig()

	master := sync.NewMaster("master", memstore.New(nil), config)
	laptop := sync.NewMirror("laptop", memstore.New(nil), config)
	phone := sync.NewMirror("phone", memstore.New(nil), config)

	err := laptop.Write(ctx, func(ctx context.Context) error {
		addr, err := laptop.NewPk(ctx)
		if err != nil {
			return err
		}
		_, err = laptop.InsertOrReplace(ctx, []schema.Item{{Address: addr, Payload: []byte("buy milk")}})
		return err
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := laptop.Sync(ctx, master); err != nil {
		log.Fatal(err)
	}
	if err := phone.Sync(ctx, master); err != nil {
		log.Fatal(err)
	}

	_ = phone.Read(ctx, func(ctx context.Context) error {
		items, err := phone.List(ctx, false)
		for _, item := range items {
			fmt.Printf("%s %s %s\n", item.Address, item.SyncStatus, item.Payload)
		}
		return err
	})
	// Output:
	// laptop/1 pulled buy milk
}

// This example shows a master deleting an item and a mirror picking up
// the deletion on its next pull.
func ExampleMaster_DeleteByPk() {
	ctx := context.Background()
	config := sync.DefaultConfig()
	master := sync.NewMaster("master", memstore.New(nil), config)
	mirror := sync.NewMirror("mirror", memstore.New(nil), config)

	var addr schema.Address
	_ = master.Write(ctx, func(ctx context.Context) error {
		addr, _ = master.NewPk(ctx)
		_, err := master.InsertOrReplace(ctx, []schema.Item{{Address: addr, Payload: []byte("draft")}})
		return err
	})
	_ = mirror.Sync(ctx, master)

	_ = master.Write(ctx, func(ctx context.Context) error {
		_, err := master.DeleteByPk(ctx, []schema.Address{addr})
		return err
	})
	_ = mirror.Sync(ctx, master)

	_ = mirror.Read(ctx, func(ctx context.Context) error {
		st, err := mirror.Stats(ctx)
		fmt.Printf("live=%d delete_tally=%d\n", st.Live, st.Pull[master.ID()].DeleteTally)
		return err
	})
	// Output:
	// live=0 delete_tally=1
}
