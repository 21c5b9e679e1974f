package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/mschirtzinger/deltarepo/internal/delta/guard"
	"github.com/mschirtzinger/deltarepo/internal/delta/memstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

func TestSync_ConcreteScenario(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, letters('a', 'j')...)

	mirror1, store1 := f.newMirror(t, "mirror-1")
	mirror2, store2 := f.newMirror(t, "mirror-2")
	syncMirror(t, mirror1, f.master)
	syncMirror(t, mirror2, f.master)

	for _, m := range []*sync.Mirror{mirror1, mirror2} {
		if got := len(view(t, m)); got != 10 {
			t.Fatalf("%s has %d items after first sync, want 10", m.ID(), got)
		}
	}

	deleteMaster(t, f.master, addrs[:4]...)

	syncMirror(t, mirror1, f.master)
	syncMirror(t, mirror2, f.master)

	want := letters('e', 'j')
	for _, m := range []*sync.Mirror{mirror1, mirror2} {
		got := payloads(t, m)
		if len(got) != len(want) {
			t.Errorf("%s has %v, want %v", m.ID(), got, want)
		}
		for _, p := range want {
			if !got[p] {
				t.Errorf("%s is missing %s", m.ID(), p)
			}
		}
		assertSameView(t, f.master, m)
	}

	for _, s := range []*memstore.Store{store1, store2} {
		n, _ := s.Count(context.Background(), sync.Filter{Deleted: sync.OnlyDeleted})
		if n != 0 {
			t.Errorf("mirror retains %d deleted rows", n)
		}
		if s.Len() != 6 {
			t.Errorf("mirror holds %d rows, want 6", s.Len())
		}
	}

	tombs, _ := f.masterStore.Count(context.Background(), sync.Filter{Deleted: sync.OnlyDeleted})
	if tombs != 3 {
		t.Errorf("master retains %d tombstones, want 3", tombs)
	}

	for _, id := range []schema.RepoPk{"mirror-1", "mirror-2"} {
		if f.events.count(sync.EventResyncStarted, id) != 1 {
			t.Errorf("%s: expected one resync start", id)
		}
		if f.events.count(sync.EventResyncCompleted, id) != 1 {
			t.Errorf("%s: expected one resync completion", id)
		}
	}
}

func TestSync_ResyncKeepsSurvivorsUnchanged(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "1", "2", "3", "4", "5", "6", "7", "8", "9", "10")
	mirror, _ := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	before := snapshot(t, mirror)

	deleteMaster(t, f.master, addrs[0])
	deleteMaster(t, f.master, addrs[1])
	deleteMaster(t, f.master, addrs[2])
	deleteMaster(t, f.master, addrs[3])

	syncMirror(t, mirror, f.master)
	after := snapshot(t, mirror)

	if len(after) != 6 {
		t.Fatalf("mirror has %d items, want 6", len(after))
	}
	for _, addr := range addrs[:4] {
		if _, ok := after[localize(addr, "master")]; ok {
			t.Errorf("%s survived the resync", addr)
		}
	}
	for _, addr := range addrs[4:] {
		key := localize(addr, "master")
		b, a := before[key], after[key]
		if string(a.Payload) != string(b.Payload) || a.UpdateSequence != b.UpdateSequence || a.SyncStatus != schema.Pulled {
			t.Errorf("%s changed: %+v -> %+v", addr, b, a)
		}
	}
}

func TestSync_NoResyncWithoutGap(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, letters('a', 'f')...)
	mirror, _ := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	deleteMaster(t, f.master, addrs[0], addrs[1])
	syncMirror(t, mirror, f.master)
	syncMirror(t, mirror, f.master)

	if n := f.events.count(sync.EventResyncStarted, ""); n != 0 {
		t.Errorf("unexpected resync (%d)", n)
	}
	assertSameView(t, f.master, mirror)
}

func TestSync_Convergence(t *testing.T) {
	f := newFixture(t, 2, 2)
	mirror1, _ := f.newMirror(t, "mirror-1")
	mirror2, _ := f.newMirror(t, "mirror-2")

	masterAddrs := insertMaster(t, f.master, "m1", "m2", "m3", "m4", "m5")
	m1Addrs := insertMirror(t, mirror1, "x1", "x2", "x3")
	insertMirror(t, mirror2, "y1", "y2")

	for round := 0; round < 3; round++ {
		syncMirror(t, mirror1, f.master)
		syncMirror(t, mirror2, f.master)
	}

	deleteMaster(t, f.master, masterAddrs[0], masterAddrs[2])
	err := mirror1.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror1.DeleteByPk(ctx, []schema.Address{m1Addrs[1]})
		if err != nil {
			return err
		}
		_, err = mirror1.InsertOrReplace(ctx, []schema.Item{{Address: m1Addrs[0], Payload: []byte("x1-edited")}})
		return err
	})
	if err != nil {
		t.Fatalf("mirror edit failed: %v", err)
	}

	for round := 0; round < 3; round++ {
		syncMirror(t, mirror1, f.master)
		syncMirror(t, mirror2, f.master)
	}

	assertSameView(t, f.master, mirror1)
	assertSameView(t, f.master, mirror2)

	got := payloads(t, f.master)
	for _, p := range []string{"m2", "m4", "m5", "x1-edited", "x3", "y1", "y2"} {
		if !got[p] {
			t.Errorf("master is missing %s", p)
		}
	}
	for _, p := range []string{"m1", "m3", "x1", "x2"} {
		if got[p] {
			t.Errorf("master still has %s", p)
		}
	}
}

func TestSync_NoDirtyLoss(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, `{"title":"milk","qty":1}`)
	mirror, store := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	local := localize(addrs[0], "master")
	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror.InsertOrReplace(ctx, []schema.Item{{Address: local, Payload: []byte(`{"title":"milk","note":"organic"}`)}})
		return err
	})
	if err != nil {
		t.Fatalf("mirror edit failed: %v", err)
	}

	err = f.master.Write(context.Background(), func(ctx context.Context) error {
		_, err := f.master.InsertOrReplace(ctx, []schema.Item{{Address: addrs[0], Payload: []byte(`{"qty":2}`)}})
		return err
	})
	if err != nil {
		t.Fatalf("master edit failed: %v", err)
	}

	dirtyBefore, _ := store.SelectByPk(context.Background(), local)
	err = f.master.Write(context.Background(), func(ctx context.Context) error {
		return mirror.Write(ctx, func(ctx context.Context) error {
			return mirror.PullMergeAll(ctx, f.master)
		})
	})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	got, _ := store.SelectByPk(context.Background(), local)
	if got == nil || got.SyncStatus != schema.Dirty {
		t.Fatalf("row lost its dirty status: %+v", got)
	}
	remote, _ := f.masterStore.SelectByPk(context.Background(), addrs[0])
	want := schema.MergeJSONObjects(remote, *dirtyBefore)
	if !jsonEqual(t, got.Payload, want.Payload) {
		t.Errorf("payload = %s, want merge %s", got.Payload, want.Payload)
	}
	if got.UpdateSequence != remote.UpdateSequence {
		t.Errorf("baseline sequence = %d, want %d", got.UpdateSequence, remote.UpdateSequence)
	}

	syncMirror(t, mirror, f.master)
	assertSameView(t, f.master, mirror)
	final, _ := f.masterStore.SelectByPk(context.Background(), addrs[0])
	var fields map[string]any
	if err := json.Unmarshal(final.Payload, &fields); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if fields["note"] != "organic" || fields["qty"] != float64(2) {
		t.Errorf("merged edit lost on master: %s", final.Payload)
	}
}

func TestSync_DirtyEditWinsSameField(t *testing.T) {
	tests := []struct {
		name  string
		merge schema.MergeFunc
		want  string
	}{
		{"incoming", schema.TakeIncoming, `{"title":"oat milk"}`},
		{"json", schema.MergeJSONObjects, `{"title":"oat milk","qty":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3, 3)
			addrs := insertMaster(t, f.master, `{"title":"milk"}`)
			store := memstore.New(tt.merge)
			mirror := sync.NewMirror("mirror", store, f.config)
			syncMirror(t, mirror, f.master)

			local := localize(addrs[0], "master")
			err := mirror.Write(context.Background(), func(ctx context.Context) error {
				_, err := mirror.InsertOrReplace(ctx, []schema.Item{{Address: local, Payload: []byte(`{"title":"oat milk"}`)}})
				return err
			})
			if err != nil {
				t.Fatalf("mirror edit failed: %v", err)
			}
			err = f.master.Write(context.Background(), func(ctx context.Context) error {
				_, err := f.master.InsertOrReplace(ctx, []schema.Item{{Address: addrs[0], Payload: []byte(`{"title":"milk","qty":2}`)}})
				return err
			})
			if err != nil {
				t.Fatalf("master edit failed: %v", err)
			}

			err = f.master.Write(context.Background(), func(ctx context.Context) error {
				return mirror.Write(ctx, func(ctx context.Context) error {
					return mirror.PullMergeAll(ctx, f.master)
				})
			})
			if err != nil {
				t.Fatalf("pull failed: %v", err)
			}

			got, _ := store.SelectByPk(context.Background(), local)
			if got == nil || got.SyncStatus != schema.Dirty {
				t.Fatalf("row lost its dirty status: %+v", got)
			}
			if !jsonEqual(t, got.Payload, []byte(tt.want)) {
				t.Errorf("payload = %s, want %s", got.Payload, tt.want)
			}

			syncMirror(t, mirror, f.master)
			final, _ := f.masterStore.SelectByPk(context.Background(), addrs[0])
			if !jsonEqual(t, final.Payload, []byte(`{"title":"oat milk","qty":2}`)) {
				t.Errorf("master payload = %s", final.Payload)
			}
			assertSameView(t, f.master, mirror)
		})
	}
}

func TestSync_TombstoneBound(t *testing.T) {
	f := newFixture(t, 2, 3)
	addrs := insertMaster(t, f.master, letters('a', 'p')...)

	check := func() {
		t.Helper()
		n, _ := f.masterStore.Count(context.Background(), sync.Filter{Deleted: sync.OnlyDeleted})
		if n > 3 {
			t.Fatalf("master retains %d tombstones, bound is 3", n)
		}
	}

	deleteMaster(t, f.master, addrs[0])
	check()
	deleteMaster(t, f.master, addrs[1:6]...)
	check()
	deleteMaster(t, f.master, addrs[6], addrs[7])
	check()
	deleteMaster(t, f.master, addrs[8:]...)
	check()

	counters, _ := f.masterStore.Counters(context.Background())
	if counters.DeleteCount != int64(len(addrs)) {
		t.Errorf("delete count = %d, want %d", counters.DeleteCount, len(addrs))
	}
	if counters.Watermark == 0 {
		t.Error("watermark did not advance")
	}
}

func TestSync_IdempotentPush(t *testing.T) {
	run := func(t *testing.T, retry bool) map[schema.Address]string {
		f := newFixture(t, 10, 10)
		mirror, store := f.newMirror(t, "mirror")
		insertMirror(t, mirror, "a", "b", "c")

		target := &ambiguousTarget{Master: f.master, failOnce: retry}
		err := f.master.Write(context.Background(), func(ctx context.Context) error {
			return mirror.Write(ctx, func(ctx context.Context) error {
				if _, err := mirror.Push(ctx, target); err == nil && retry {
					t.Error("expected the first push to fail")
				}
				_, err := mirror.Push(ctx, target)
				return err
			})
		})
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if dirty, _ := store.HasDirty(context.Background()); dirty {
			t.Error("rows still dirty after a successful push")
		}
		return view(t, f.master)
	}

	once := run(t, false)
	twice := run(t, true)

	if len(once) != len(twice) {
		t.Fatalf("master has %d items after retry, %d after single push", len(twice), len(once))
	}
	for addr, p := range once {
		if twice[addr] != p {
			t.Errorf("%s: %q after retry, %q after single push", addr, twice[addr], p)
		}
	}
}

func TestSync_SequenceMonotonicity(t *testing.T) {
	f := newFixture(t, 3, 2)
	var stamps []int64

	err := f.master.Write(context.Background(), func(ctx context.Context) error {
		for round := 0; round < 4; round++ {
			var items []schema.Item
			for i := 0; i < 3; i++ {
				addr, err := f.master.NewPk(ctx)
				if err != nil {
					return err
				}
				items = append(items, schema.Item{Address: addr, Payload: []byte{byte(i)}})
			}
			stored, err := f.master.InsertOrReplace(ctx, items)
			if err != nil {
				return err
			}
			for _, item := range stored {
				stamps = append(stamps, item.UpdateSequence)
			}
			if _, err := f.master.DeleteByPk(ctx, []schema.Address{items[0].Address}); err != nil {
				return err
			}
			got, _ := f.master.Get(ctx, items[0].Address)
			if got != nil {
				stamps = append(stamps, got.UpdateSequence)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for i := 1; i < len(stamps); i++ {
		if stamps[i] <= stamps[i-1] {
			t.Fatalf("stamp %d (%d) is not greater than stamp %d (%d)", i, stamps[i], i-1, stamps[i-1])
		}
	}

	err = f.master.Read(context.Background(), func(ctx context.Context) error {
		page, err := f.master.Page(ctx, 0, sync.Asc, 100)
		if err != nil {
			return err
		}
		seen := make(map[int64]bool)
		for i, item := range page.Items {
			if seen[item.UpdateSequence] {
				t.Errorf("duplicate sequence %d", item.UpdateSequence)
			}
			seen[item.UpdateSequence] = true
			if i > 0 && item.UpdateSequence <= page.Items[i-1].UpdateSequence {
				t.Errorf("page not strictly sorted at %d", i)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("page failed: %v", err)
	}
}

func TestSync_ResyncRestartsWhenDeletesRace(t *testing.T) {
	f := newFixture(t, 3, 1)
	addrs := insertMaster(t, f.master, "1", "2", "3", "4", "5", "6", "7", "8", "9")
	mirror, _ := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	deleteMaster(t, f.master, addrs[0], addrs[1])

	calls := 0
	remote := &hookedRemote{master: f.master, after: func() {
		calls++
		if calls == 2 {
			deleteMaster(t, f.master, addrs[8])
		}
	}}
	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		return mirror.PullAll(ctx, remote)
	})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	if f.events.count(sync.EventResyncRestarted, "mirror") != 1 {
		t.Errorf("expected the resync to restart once, events: %+v", f.events.events)
	}
	if f.events.count(sync.EventResyncCompleted, "mirror") != 1 {
		t.Error("expected the resync to complete")
	}

	got := payloads(t, mirror)
	for _, p := range []string{"3", "4", "5", "6", "7", "8"} {
		if !got[p] {
			t.Errorf("mirror is missing %s", p)
		}
	}
	for _, p := range []string{"1", "2", "9"} {
		if got[p] {
			t.Errorf("mirror still has %s", p)
		}
	}
}

func TestSync_ResyncNeverDeletesDirtyRows(t *testing.T) {
	f := newFixture(t, 3, 1)
	addrs := insertMaster(t, f.master, "a", "b", "c", "d")
	mirror, store := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	deleteMaster(t, f.master, addrs[0], addrs[1], addrs[2])
	mine := insertMirror(t, mirror, "local-only")

	if err := mirror.SyncFrom(context.Background(), f.master); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if f.events.count(sync.EventResyncCompleted, "mirror") != 1 {
		t.Fatal("expected a resync")
	}

	row, _ := store.SelectByPk(context.Background(), mine[0])
	if row == nil || row.SyncStatus != schema.Dirty {
		t.Errorf("dirty row lost during resync: %+v", row)
	}
	got := payloads(t, mirror)
	if !got["d"] || got["a"] || got["b"] || got["c"] {
		t.Errorf("unexpected mirror content %v", got)
	}
}

func TestSync_MirrorToMirror(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "a", "b", "c", "d")
	mirror1, _ := f.newMirror(t, "mirror-1")
	mirror2, store2 := f.newMirror(t, "mirror-2")

	own := insertMirror(t, mirror2, "from-2")
	syncMirror(t, mirror2, f.master)
	syncMirror(t, mirror1, f.master)

	if err := mirror2.SyncFrom(context.Background(), mirror1); err != nil {
		t.Fatalf("mirror-to-mirror pull failed: %v", err)
	}
	assertSameView(t, f.master, mirror2)

	row, _ := store2.SelectByPk(context.Background(), own[0])
	if row == nil || row.Address.Repo != schema.Local || row.SyncStatus != schema.Pulled {
		t.Errorf("own item not recognised after round trip: %+v", row)
	}
	if store2.Len() != 5 {
		t.Errorf("mirror-2 holds %d rows, want 5", store2.Len())
	}

	// Deletions seen by mirror-1 reach mirror-2 through a resync against
	// mirror-1, since mirrors keep no tombstones.
	deleteMaster(t, f.master, addrs[0])
	syncMirror(t, mirror1, f.master)
	if err := mirror2.SyncFrom(context.Background(), mirror1); err != nil {
		t.Fatalf("mirror-to-mirror pull failed: %v", err)
	}
	assertSameView(t, mirror1, mirror2)
	if payloads(t, mirror2)["a"] {
		t.Error("deleted item survived on mirror-2")
	}
}

func TestSync_AlternatingRemotesKeepSeparateProgress(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "a", "b", "c", "d")
	mirror1, _ := f.newMirror(t, "mirror-1")
	mirror2, store2 := f.newMirror(t, "mirror-2")
	syncMirror(t, mirror1, f.master)
	syncMirror(t, mirror2, f.master)

	syncFrom := func() {
		t.Helper()
		if err := mirror2.SyncFrom(context.Background(), mirror1); err != nil {
			t.Fatalf("mirror-to-mirror pull failed: %v", err)
		}
	}
	syncFrom()

	// mirror-1 lags behind on the deletion; its count must not be compared
	// with what mirror-2 applied from the master.
	deleteMaster(t, f.master, addrs[0])
	for i := 0; i < 3; i++ {
		syncMirror(t, mirror2, f.master)
		syncFrom()
	}
	if n := f.events.count(sync.EventResyncStarted, "mirror-2"); n != 0 {
		t.Fatalf("mirror-2 started %d resyncs while alternating remotes", n)
	}
	if payloads(t, mirror2)["a"] {
		t.Error("deleted item came back from the lagging peer")
	}

	master, _ := store2.PullState(context.Background(), "master")
	peer, _ := store2.PullState(context.Background(), "mirror-1")
	if master.DeleteTally != 1 || peer.DeleteTally != 0 {
		t.Errorf("tallies = %d (master), %d (mirror-1)", master.DeleteTally, peer.DeleteTally)
	}

	// Once mirror-1 catches up, one resync against it settles the counts.
	syncMirror(t, mirror1, f.master)
	for i := 0; i < 3; i++ {
		syncFrom()
		syncMirror(t, mirror2, f.master)
	}
	if n := f.events.count(sync.EventResyncStarted, "mirror-2"); n != 1 {
		t.Errorf("mirror-2 started %d resyncs, want 1", n)
	}
	assertSameView(t, f.master, mirror2)
}

func TestSync_PeerPullDoesNotSkipUpstreamUpdates(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "x")
	mirror1, _ := f.newMirror(t, "mirror-1")
	mirror2, store2 := f.newMirror(t, "mirror-2")
	syncMirror(t, mirror1, f.master)
	syncMirror(t, mirror2, f.master)

	err := f.master.Write(context.Background(), func(ctx context.Context) error {
		_, err := f.master.InsertOrReplace(ctx, []schema.Item{{Address: addrs[0], Payload: []byte("x2")}})
		return err
	})
	if err != nil {
		t.Fatalf("master edit failed: %v", err)
	}
	insertMaster(t, f.master, "y")

	// mirror-1 holds x dirty, so it serves y but not x.
	local := localize(addrs[0], "master")
	err = mirror1.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror1.InsertOrReplace(ctx, []schema.Item{{Address: local, Payload: []byte("x-local")}})
		return err
	})
	if err != nil {
		t.Fatalf("mirror edit failed: %v", err)
	}
	if err := mirror1.SyncFrom(context.Background(), f.master); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	if err := mirror2.SyncFrom(context.Background(), mirror1); err != nil {
		t.Fatalf("mirror-to-mirror pull failed: %v", err)
	}
	if !payloads(t, mirror2)["y"] {
		t.Fatal("mirror-2 did not get y from mirror-1")
	}
	if err := mirror2.SyncFrom(context.Background(), f.master); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	row, _ := store2.SelectByPk(context.Background(), local)
	if row == nil || string(row.Payload) != "x2" {
		t.Errorf("x on mirror-2 = %+v, want the master's x2", row)
	}
}

func TestSync_PeerResyncKeepsNewerRows(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "a", "b", "c")
	mirror1, _ := f.newMirror(t, "mirror-1")
	mirror2, store2 := f.newMirror(t, "mirror-2")
	syncMirror(t, mirror1, f.master)
	syncMirror(t, mirror2, f.master)
	if err := mirror2.SyncFrom(context.Background(), mirror1); err != nil {
		t.Fatalf("mirror-to-mirror pull failed: %v", err)
	}

	deleteMaster(t, f.master, addrs[0])
	syncMirror(t, mirror1, f.master)
	insertMaster(t, f.master, "e", "f")
	syncMirror(t, mirror2, f.master)

	// mirror-1's delete count moved, so this pull resyncs against it, but
	// e and f are newer than anything mirror-1 holds.
	if err := mirror2.SyncFrom(context.Background(), mirror1); err != nil {
		t.Fatalf("mirror-to-mirror pull failed: %v", err)
	}
	if f.events.count(sync.EventResyncCompleted, "mirror-2") != 1 {
		t.Fatal("expected a resync against mirror-1")
	}

	for addr, row := range snapshot(t, mirror2) {
		if row.SyncStatus != schema.Pulled {
			t.Errorf("%s left as %s", addr, row.SyncStatus)
		}
	}
	if store2.Len() != 4 {
		t.Errorf("mirror-2 holds %d rows, want 4", store2.Len())
	}
	syncMirror(t, mirror2, f.master)
	assertSameView(t, f.master, mirror2)
}

func TestSync_ResyncRestartsPendingPeerResync(t *testing.T) {
	f := newFixture(t, 3, 1)
	addrs := insertMaster(t, f.master, "a", "b", "c", "d")
	mirror, store := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	pending := sync.PullState{Cursor: 3, Resyncing: true, ResyncBaseline: 2}
	_ = store.SavePullState(context.Background(), "peer", pending)

	deleteMaster(t, f.master, addrs[0], addrs[1], addrs[2])
	if err := mirror.SyncFrom(context.Background(), f.master); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if f.events.count(sync.EventResyncCompleted, "mirror") != 1 {
		t.Fatal("expected a resync against the master")
	}
	if got := payloads(t, mirror); len(got) != 1 || !got["d"] {
		t.Errorf("unexpected mirror content %v", got)
	}

	peer, _ := store.PullState(context.Background(), "peer")
	if !peer.Resyncing || peer.Cursor != 0 || peer.ResyncBaseline != 2 {
		t.Errorf("peer state = %+v, want its pass restarted", peer)
	}
	err := mirror.Read(context.Background(), func(ctx context.Context) error {
		_, err := mirror.Page(ctx, 0, sync.Asc, 3)
		return err
	})
	if !errors.Is(err, sync.ErrResyncInProgress) {
		t.Errorf("Page() error = %v, want ErrResyncInProgress", err)
	}
}

func TestSync_MirrorPageRefusedDuringResync(t *testing.T) {
	store := memstore.New(nil)
	_ = store.SavePullState(context.Background(), "master", sync.PullState{})
	_ = store.SavePullState(context.Background(), "peer", sync.PullState{Resyncing: true})
	mirror := sync.NewMirror("mirror", store, testConfig(t, 3, 3, nil))

	err := mirror.Read(context.Background(), func(ctx context.Context) error {
		_, err := mirror.Page(ctx, 0, sync.Asc, 3)
		return err
	})
	if !errors.Is(err, sync.ErrResyncInProgress) {
		t.Errorf("Page() error = %v, want ErrResyncInProgress", err)
	}
}

func TestSync_FailedPullLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 2, 3)
	insertMaster(t, f.master, "a", "b", "c")
	mirror, store := f.newMirror(t, "mirror")

	remote := &hookedRemote{master: f.master, fail: errors.New("connection reset")}
	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror.Pull(ctx, remote)
		return err
	})
	if err == nil {
		t.Fatal("expected transport error")
	}
	var ce *sync.ContractError
	if errors.As(err, &ce) {
		t.Error("transport failure reported as contract violation")
	}
	state, _ := store.PullState(context.Background(), f.master.ID())
	if state != (sync.PullState{}) || store.Len() != 0 {
		t.Errorf("state changed after failed pull: %+v, %d rows", state, store.Len())
	}

	remote.fail = nil
	err = mirror.Write(context.Background(), func(ctx context.Context) error {
		return mirror.PullAll(ctx, remote)
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	assertSameView(t, f.master, mirror)
}

func TestSync_FailedPushLeavesRowsDirty(t *testing.T) {
	f := newFixture(t, 5, 3)
	mirror, store := f.newMirror(t, "mirror")
	insertMirror(t, mirror, "a", "b")

	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror.Push(ctx, failingTarget{})
		return err
	})
	if err == nil {
		t.Fatal("expected push error")
	}
	n, _ := store.Count(context.Background(), sync.Filter{Statuses: []schema.SyncStatus{schema.Dirty}})
	if n != 2 {
		t.Errorf("%d dirty rows after failed push, want 2", n)
	}
}

func TestSync_PushReportsMore(t *testing.T) {
	f := newFixture(t, 2, 3)
	mirror, _ := f.newMirror(t, "mirror")
	insertMirror(t, mirror, "a", "b", "c")

	var results []bool
	err := f.master.Write(context.Background(), func(ctx context.Context) error {
		return mirror.Write(ctx, func(ctx context.Context) error {
			for i := 0; i < 3; i++ {
				more, err := mirror.Push(ctx, f.master)
				if err != nil {
					return err
				}
				results = append(results, more)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if !results[0] || results[1] || results[2] {
		t.Errorf("hasMore sequence = %v, want [true false false]", results)
	}
	if len(view(t, f.master)) != 3 {
		t.Error("master did not receive all items")
	}
}

func TestSync_PullWithDirtyRowsPanics(t *testing.T) {
	f := newFixture(t, 3, 3)
	mirror, _ := f.newMirror(t, "mirror")
	insertMirror(t, mirror, "a")

	err := mustContract(t, func() {
		_ = f.master.Write(context.Background(), func(ctx context.Context) error {
			return mirror.Write(ctx, func(ctx context.Context) error {
				_, err := mirror.Pull(ctx, f.master)
				return err
			})
		})
	})
	if !errors.Is(err, sync.ErrDirtyPull) || !errors.Is(err, sync.ErrContractViolation) {
		t.Errorf("unexpected violation: %v", err)
	}
}

func TestMaster_InsertDeletedPanics(t *testing.T) {
	f := newFixture(t, 3, 3)
	err := mustContract(t, func() {
		_ = f.master.Write(context.Background(), func(ctx context.Context) error {
			addr, _ := f.master.NewPk(ctx)
			_, err := f.master.InsertOrReplace(ctx, []schema.Item{{Address: addr, IsDeleted: true}})
			return err
		})
	})
	if !errors.Is(err, sync.ErrDeletedInsert) {
		t.Errorf("unexpected violation: %v", err)
	}
}

func TestMaster_SequenceExhaustionPanics(t *testing.T) {
	f := newFixture(t, 3, 3)
	f.masterStore.SetLastSequence(math.MaxInt64)
	err := mustContract(t, func() {
		insertMaster(t, f.master, "a")
	})
	if !errors.Is(err, sync.ErrSequenceExhausted) {
		t.Errorf("unexpected violation: %v", err)
	}
}

func TestMaster_RequiresScope(t *testing.T) {
	f := newFixture(t, 3, 3)
	defer func() {
		r := recover()
		if _, ok := r.(*guard.ScopeError); !ok {
			t.Errorf("panic value %v, want *guard.ScopeError", r)
		}
	}()
	_, _ = f.master.InsertOrReplace(context.Background(), nil)
}

func TestMaster_PushRoutesDeletes(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "a", "b")

	err := f.master.Write(context.Background(), func(ctx context.Context) error {
		return f.master.Push(ctx, []schema.Item{
			{Address: addrs[0], IsDeleted: true},
			{Address: schema.Address{Repo: "mirror", Item: 1}, Payload: []byte("m")},
		})
	})
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	counters, _ := f.masterStore.Counters(context.Background())
	if counters.DeleteCount != 1 {
		t.Errorf("delete count = %d, want 1", counters.DeleteCount)
	}
	got := payloads(t, f.master)
	if got["a"] || !got["b"] || !got["m"] {
		t.Errorf("unexpected master content %v", got)
	}
}

func TestMaster_DeleteIsIdempotent(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "a")
	deleteMaster(t, f.master, addrs[0])
	deleteMaster(t, f.master, addrs[0], schema.Address{Repo: schema.Local, Item: 99})

	counters, _ := f.masterStore.Counters(context.Background())
	if counters.DeleteCount != 1 {
		t.Errorf("delete count = %d, want 1", counters.DeleteCount)
	}
}

func TestMaster_InsertAfterDeleteRevives(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, `{"title":"milk"}`)
	deleteMaster(t, f.master, addrs[0])

	err := f.master.Write(context.Background(), func(ctx context.Context) error {
		_, err := f.master.InsertOrReplace(ctx, []schema.Item{{Address: addrs[0], Payload: []byte(`{"qty":2}`)}})
		return err
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	row, _ := f.masterStore.SelectByPk(context.Background(), addrs[0])
	if row == nil || row.IsDeleted || row.SyncStatus != schema.Pulled {
		t.Fatalf("row = %+v, want live and pulled", row)
	}
	if !jsonEqual(t, row.Payload, []byte(`{"title":"milk","qty":2}`)) {
		t.Errorf("payload = %s", row.Payload)
	}
	if n, _ := f.masterStore.Count(context.Background(), sync.Filter{Deleted: sync.OnlyDeleted}); n != 0 {
		t.Errorf("master retains %d tombstones, want 0", n)
	}
}

func TestMaster_InsertMergesDuplicatesInOneBatch(t *testing.T) {
	f := newFixture(t, 3, 3)
	addr := schema.Address{Repo: "mirror", Item: 1}
	err := f.master.Write(context.Background(), func(ctx context.Context) error {
		stored, err := f.master.InsertOrReplace(ctx, []schema.Item{
			{Address: addr, Payload: []byte(`{"a":1}`)},
			{Address: addr, Payload: []byte(`{"b":2}`)},
		})
		if len(stored) != 1 {
			t.Errorf("stored %d items, want 1", len(stored))
		}
		return err
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	row, _ := f.masterStore.SelectByPk(context.Background(), addr)
	if !jsonEqual(t, row.Payload, []byte(`{"a":1,"b":2}`)) {
		t.Errorf("payload = %s", row.Payload)
	}
}

func TestMirror_InsertKeepsSequenceHint(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "a")
	mirror, store := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	local := localize(addrs[0], "master")
	before, _ := store.SelectByPk(context.Background(), local)

	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror.InsertOrReplace(ctx, []schema.Item{{Address: local, Payload: []byte("edited")}})
		return err
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	after, _ := store.SelectByPk(context.Background(), local)
	if after.SyncStatus != schema.Dirty || after.UpdateSequence != before.UpdateSequence {
		t.Errorf("edit = %+v, want dirty with sequence %d", after, before.UpdateSequence)
	}
}

func TestMirror_DeleteMarksDirty(t *testing.T) {
	f := newFixture(t, 3, 3)
	mirror, store := f.newMirror(t, "mirror")
	addrs := insertMirror(t, mirror, "a")

	var n int
	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		var err error
		n, err = mirror.DeleteByPk(ctx, []schema.Address{addrs[0], addrs[0]})
		return err
	})
	if err != nil || n != 1 {
		t.Fatalf("DeleteByPk() = %d, %v", n, err)
	}
	row, _ := store.SelectByPk(context.Background(), addrs[0])
	if !row.IsDeleted || row.SyncStatus != schema.Dirty {
		t.Errorf("row = %+v", row)
	}
}

func TestMirror_DeleteBeforeFirstPushLeavesNothing(t *testing.T) {
	f := newFixture(t, 3, 3)
	insertMaster(t, f.master, "a")
	mirror, store := f.newMirror(t, "mirror")
	addrs := insertMirror(t, mirror, "draft")

	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror.DeleteByPk(ctx, addrs)
		return err
	})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	syncMirror(t, mirror, f.master)
	syncMirror(t, mirror, f.master)

	if row, _ := store.SelectByPk(context.Background(), addrs[0]); row != nil {
		t.Errorf("deleted draft still stored: %+v", row)
	}
	var st sync.Stats
	err = mirror.Read(context.Background(), func(ctx context.Context) error {
		var err error
		st, err = mirror.Stats(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Pushed != 0 || st.Dirty != 0 || st.Live != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	counters, _ := f.masterStore.Counters(context.Background())
	if counters.DeleteCount != 0 {
		t.Errorf("master delete count = %d, want 0", counters.DeleteCount)
	}
	assertSameView(t, f.master, mirror)
}

func TestMirror_PushedDeleteIsPurged(t *testing.T) {
	f := newFixture(t, 3, 3)
	addrs := insertMaster(t, f.master, "a", "b")
	mirror, store := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)

	local := localize(addrs[0], "master")
	err := mirror.Write(context.Background(), func(ctx context.Context) error {
		_, err := mirror.DeleteByPk(ctx, []schema.Address{local})
		return err
	})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	err = f.master.Write(context.Background(), func(ctx context.Context) error {
		return mirror.Write(ctx, func(ctx context.Context) error {
			return mirror.PushAll(ctx, f.master)
		})
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}

	if row, _ := store.SelectByPk(context.Background(), local); row != nil {
		t.Errorf("pushed tombstone still stored: %+v", row)
	}
	syncMirror(t, mirror, f.master)
	assertSameView(t, f.master, mirror)
	if f.events.count(sync.EventResyncStarted, "mirror") != 0 {
		t.Error("unexpected resync after own delete")
	}
}

func TestMirror_Stats(t *testing.T) {
	f := newFixture(t, 3, 3)
	insertMaster(t, f.master, "a", "b")
	mirror, _ := f.newMirror(t, "mirror")
	syncMirror(t, mirror, f.master)
	insertMirror(t, mirror, "c")

	var st sync.Stats
	err := mirror.Read(context.Background(), func(ctx context.Context) error {
		var err error
		st, err = mirror.Stats(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Live != 3 || st.Dirty != 1 || st.Pulled != 2 || st.Role != sync.RoleMirror {
		t.Errorf("unexpected stats %+v", st)
	}
	if len(st.Pull) != 1 || st.Pull["master"].Cursor != 2 {
		t.Errorf("unexpected pull state %+v", st.Pull)
	}
}
