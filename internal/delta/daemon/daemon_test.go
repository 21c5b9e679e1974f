package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/deltarepo/internal/delta/memstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupRepos returns an in-memory master and a mirror of it.
func setupRepos(t *testing.T) (*deltasync.Master, *deltasync.Mirror) {
	t.Helper()

	config := &deltasync.Config{BatchSize: 10, Logger: quietLogger()}
	master := deltasync.NewMaster("master", memstore.New(nil), config)
	mirror := deltasync.NewMirror("laptop", memstore.New(nil), config)
	return master, mirror
}

func testConfig(inbox string) *Config {
	return &Config{
		Inbox:            inbox,
		PushInterval:     20 * time.Millisecond,
		PullInterval:     20 * time.Millisecond,
		DebounceInterval: 10 * time.Millisecond,
		Logger:           quietLogger(),
	}
}

// writeItemFile drops an item file into the inbox.
func writeItemFile(t *testing.T, dir, name string, f *schema.ItemFile) string {
	t.Helper()

	path, err := schema.WriteItemFile(dir, name, f)
	if err != nil {
		t.Fatalf("Failed to write item file: %v", err)
	}
	return path
}

func mirrorItems(t *testing.T, m *deltasync.Mirror) []schema.Item {
	t.Helper()

	var items []schema.Item
	err := m.Read(context.Background(), func(ctx context.Context) error {
		var err error
		items, err = m.List(ctx, true)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to list mirror: %v", err)
	}
	return items
}

func masterLive(t *testing.T, m *deltasync.Master) []schema.Item {
	t.Helper()

	var items []schema.Item
	err := m.Read(context.Background(), func(ctx context.Context) error {
		var err error
		items, err = m.List(ctx, false)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to list master: %v", err)
	}
	return items
}

func TestNew(t *testing.T) {
	master, mirror := setupRepos(t)
	inbox := filepath.Join(t.TempDir(), "inbox")

	tests := []struct {
		name     string
		mirror   *deltasync.Mirror
		upstream deltasync.Upstream
		config   *Config
		wantErr  bool
	}{
		{"valid", mirror, master, testConfig(inbox), false},
		{"inbox only", mirror, nil, testConfig(inbox), false},
		{"nil mirror", nil, master, testConfig(inbox), true},
		{"nothing to do", mirror, nil, testConfig(""), true},
		{"nil config", mirror, master, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.mirror, tt.upstream, nil, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}

	if _, err := os.Stat(inbox); err != nil {
		t.Errorf("inbox was not created: %v", err)
	}
}

func TestDaemon_DrainInbox(t *testing.T) {
	master, mirror := setupRepos(t)
	inbox := t.TempDir()

	d, err := New(mirror, master, nil, testConfig(inbox))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	writeItemFile(t, inbox, "a", &schema.ItemFile{Payload: json.RawMessage(`{"title": "a"}`)})
	writeItemFile(t, inbox, "b", &schema.ItemFile{Payload: json.RawMessage(`{"title": "b"}`)})
	bad := filepath.Join(inbox, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write bad file: %v", err)
	}

	applied, err := d.DrainInbox(context.Background())
	if err != nil {
		t.Fatalf("DrainInbox() failed: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}

	items := mirrorItems(t, mirror)
	if len(items) != 2 {
		t.Fatalf("mirror has %d items, want 2", len(items))
	}
	for _, item := range items {
		if item.SyncStatus != schema.Dirty {
			t.Errorf("%s status = %s, want dirty", item.Address, item.SyncStatus)
		}
		if !item.Address.Repo.IsLocal() {
			t.Errorf("%s should be locally addressed", item.Address)
		}
	}
	if string(items[0].Payload) != `{"title":"a"}` {
		t.Errorf("payload = %s, want compacted JSON", items[0].Payload)
	}

	left, err := schema.ListItemFiles(inbox)
	if err != nil {
		t.Fatalf("ListItemFiles() failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("inbox still holds %v", left)
	}
	if _, err := os.Stat(bad + RejectedSuffix); err != nil {
		t.Errorf("bad file was not set aside: %v", err)
	}
}

func TestDaemon_ApplyDelete(t *testing.T) {
	master, mirror := setupRepos(t)
	inbox := t.TempDir()

	d, err := New(mirror, master, nil, testConfig(inbox))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	ctx := context.Background()
	path := writeItemFile(t, inbox, "new", &schema.ItemFile{Payload: json.RawMessage(`{"n":1}`)})
	if err := d.ApplyFile(ctx, path); err != nil {
		t.Fatalf("ApplyFile() failed: %v", err)
	}
	created := mirrorItems(t, mirror)[0]

	path = writeItemFile(t, inbox, "del", &schema.ItemFile{Item: created.Address.Item, Deleted: true})
	if err := d.ApplyFile(ctx, path); err != nil {
		t.Fatalf("ApplyFile() failed: %v", err)
	}

	items := mirrorItems(t, mirror)
	if len(items) != 1 || !items[0].IsDeleted {
		t.Fatalf("items = %+v, want one tombstone", items)
	}

	// A file that disappeared before it was applied is not an error.
	if err := d.ApplyFile(ctx, filepath.Join(inbox, "gone.json")); err != nil {
		t.Errorf("ApplyFile() on missing file = %v, want nil", err)
	}
}

func TestDaemon_SyncOnce(t *testing.T) {
	master, mirror := setupRepos(t)
	inbox := t.TempDir()

	d, err := New(mirror, master, nil, testConfig(inbox))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	ctx := context.Background()
	writeItemFile(t, inbox, "a", &schema.ItemFile{Payload: json.RawMessage(`{"n":1}`)})
	writeItemFile(t, inbox, "b", &schema.ItemFile{Payload: json.RawMessage(`{"n":2}`)})
	if _, err := d.DrainInbox(ctx); err != nil {
		t.Fatalf("DrainInbox() failed: %v", err)
	}

	if err := d.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce() failed: %v", err)
	}

	if got := len(masterLive(t, master)); got != 2 {
		t.Errorf("master has %d live items, want 2", got)
	}
	for _, item := range mirrorItems(t, mirror) {
		if item.SyncStatus != schema.Pulled {
			t.Errorf("%s status = %s, want pulled", item.Address, item.SyncStatus)
		}
		if item.Address.Repo != "master" {
			t.Errorf("%s should be addressed in the master's name", item.Address)
		}
	}
}

// resyncingPeer refuses every page.
type resyncingPeer struct{}

func (resyncingPeer) ID() schema.RepoPk { return "busy" }

func (resyncingPeer) Page(ctx context.Context, start int64, order deltasync.Order, limit int) (deltasync.Page, error) {
	return deltasync.Page{}, deltasync.ErrResyncInProgress
}

func TestDaemon_PeerErrorsAreLogged(t *testing.T) {
	_, mirror := setupRepos(t)

	var logs strings.Builder
	config := testConfig("")
	config.Logger = log.New(&logs, "", 0)

	d, err := New(mirror, nil, []deltasync.Peer{resyncingPeer{}}, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.Stop()

	if err := d.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce() = %v, want nil for peer failures", err)
	}
	if !strings.Contains(logs.String(), "busy is resyncing") {
		t.Errorf("log = %q, want resync notice", logs.String())
	}
}

func TestDaemon_StartWatchesInbox(t *testing.T) {
	master, mirror := setupRepos(t)
	inbox := t.TempDir()

	// A file present before start is picked up by the initial scan.
	writeItemFile(t, inbox, "early", &schema.ItemFile{Payload: json.RawMessage(`{"n":1}`)})

	d, err := New(mirror, master, nil, testConfig(inbox))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, func() bool { return len(masterLive(t, master)) == 1 })

	writeItemFile(t, inbox, "late", &schema.ItemFile{Payload: json.RawMessage(`{"n":2}`)})
	waitFor(t, func() bool { return len(masterLive(t, master)) == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	master, mirror := setupRepos(t)

	d, err := New(mirror, master, nil, testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}
