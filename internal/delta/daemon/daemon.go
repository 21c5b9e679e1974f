// Package daemon runs a mirror unattended.
//
// The daemon:
// 1. Applies item files dropped into an inbox directory as local edits
// 2. Pushes dirty rows to the upstream repo on a schedule
// 3. Pulls from the upstream and from peer mirrors on a schedule
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// RejectedSuffix is appended to inbox files that could not be applied.
const RejectedSuffix = ".rejected"

// Config holds configuration for the daemon.
type Config struct {
	// Inbox is the directory watched for item files. Empty disables intake.
	Inbox string

	// PushInterval is how often dirty rows are pushed upstream.
	PushInterval time.Duration

	// PullInterval is how often the mirror pulls from upstream and peers.
	PullInterval time.Duration

	// DebounceInterval is how long a changed file must stay quiet before
	// it is applied. This batches rapid rewrites of the same file.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PushInterval:     10 * time.Second,
		PullInterval:     30 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon keeps a mirror in step with its upstream and peers.
type Daemon struct {
	mirror   *deltasync.Mirror
	upstream deltasync.Upstream
	peers    []deltasync.Peer
	config   *Config

	watcher       *InboxWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon for mirror. upstream may be nil for a mirror that
// only pulls from peers.
//
// Use Start() to begin syncing.
func New(mirror *deltasync.Mirror, upstream deltasync.Upstream, peers []deltasync.Peer, config *Config) (*Daemon, error) {
	if mirror == nil {
		return nil, fmt.Errorf("mirror cannot be nil")
	}
	if upstream == nil && len(peers) == 0 && (config == nil || config.Inbox == "") {
		return nil, fmt.Errorf("daemon needs an upstream, a peer or an inbox")
	}
	config = withDefaults(config)

	var watcher *InboxWatcher
	if config.Inbox != "" {
		if err := os.MkdirAll(config.Inbox, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox: %w", err)
		}
		w, err := NewInboxWatcher()
		if err != nil {
			return nil, err
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		mirror:      mirror,
		upstream:    upstream,
		peers:       peers,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func withDefaults(c *Config) *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	out.Inbox = c.Inbox
	if c.PushInterval > 0 {
		out.PushInterval = c.PushInterval
	}
	if c.PullInterval > 0 {
		out.PullInterval = c.PullInterval
	}
	if c.DebounceInterval > 0 {
		out.DebounceInterval = c.DebounceInterval
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	return out
}

// Start applies whatever is already in the inbox, runs one full sync and
// then keeps going on the configured schedule.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon for %s", d.mirror.ID())

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.Inbox); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching inbox: %s", d.config.Inbox)
		if _, err := d.DrainInbox(ctx); err != nil {
			d.config.Logger.Printf("Warning: initial inbox scan failed: %v", err)
		}
		d.wg.Add(2)
		go d.watchInbox()
		go d.processChangeQueue()
	}

	if err := d.SyncOnce(ctx); err != nil {
		d.config.Logger.Printf("Warning: initial sync failed: %v", err)
	}

	d.wg.Add(2)
	go d.loop(d.config.PushInterval, d.push)
	go d.loop(d.config.PullInterval, d.SyncOnce)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for in-flight work. It is safe to
// call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// SyncOnce pushes and pulls against the upstream, then pulls from every
// peer. Peer failures are logged; the first upstream error is returned.
func (d *Daemon) SyncOnce(ctx context.Context) error {
	var firstErr error
	if d.upstream != nil {
		if err := d.mirror.Sync(ctx, d.upstream); err != nil {
			firstErr = fmt.Errorf("sync with %s failed: %w", d.upstream.ID(), err)
			d.config.Logger.Printf("Error: %v", firstErr)
		}
	}
	for _, peer := range d.peers {
		err := d.mirror.SyncFrom(ctx, peer)
		switch {
		case errors.Is(err, deltasync.ErrResyncInProgress):
			d.config.Logger.Printf("Peer %s is resyncing, skipping", peer.ID())
		case err != nil:
			d.config.Logger.Printf("Error pulling from peer %s: %v", peer.ID(), err)
		}
	}
	return firstErr
}

func (d *Daemon) push(ctx context.Context) error {
	if d.upstream == nil {
		return nil
	}
	if err := d.mirror.Publish(ctx, d.upstream); err != nil {
		d.config.Logger.Printf("Error pushing to %s: %v", d.upstream.ID(), err)
		return err
	}
	return nil
}

// loop runs fn every interval until the daemon stops.
func (d *Daemon) loop(interval time.Duration, fn func(ctx context.Context) error) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			_ = fn(d.ctx)
		}
	}
}

// watchInbox queues item files reported by the watcher.
func (d *Daemon) watchInbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case path, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue applies queued files once they have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges(d.ctx)
		}
	}
}

func (d *Daemon) processPendingChanges(ctx context.Context) {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := d.ApplyFile(ctx, path); err != nil {
			d.config.Logger.Printf("Error applying %s: %v", path, err)
		}
	}
}

// DrainInbox applies every item file currently in the inbox and returns
// how many were applied.
func (d *Daemon) DrainInbox(ctx context.Context) (int, error) {
	if d.config.Inbox == "" {
		return 0, nil
	}
	paths, err := schema.ListItemFiles(d.config.Inbox)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, path := range paths {
		if err := d.ApplyFile(ctx, path); err != nil {
			d.config.Logger.Printf("Error applying %s: %v", path, err)
			continue
		}
		applied++
	}
	return applied, nil
}

// ApplyFile applies one item file to the mirror and removes it. A file
// that cannot be parsed is renamed with RejectedSuffix so it is not retried.
// A file that vanished in the meantime is ignored.
func (d *Daemon) ApplyFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	f, err := schema.ReadItemFile(path)
	if err != nil {
		if rerr := os.Rename(path, path+RejectedSuffix); rerr != nil {
			d.config.Logger.Printf("Warning: failed to set aside %s: %v", path, rerr)
		}
		return err
	}

	err = d.mirror.Write(ctx, func(ctx context.Context) error {
		return Apply(ctx, d.mirror, f)
	})
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove applied file: %w", err)
	}
	d.config.Logger.Printf("Applied %s", path)
	return nil
}

// Apply turns f into a local edit on m. ctx must hold m's write scope.
func Apply(ctx context.Context, m *deltasync.Mirror, f *schema.ItemFile) error {
	if f.Deleted {
		_, err := m.DeleteByPk(ctx, []schema.Address{f.Address()})
		return err
	}

	addr := f.Address()
	if f.IsNew() {
		minted, err := m.NewPk(ctx)
		if err != nil {
			return err
		}
		addr = minted
	}
	_, err := m.InsertOrReplace(ctx, []schema.Item{f.ToItem(addr)})
	return err
}
