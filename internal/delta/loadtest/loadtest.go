// Package loadtest drives many mirrors against one master at once.
//
// Each simulated mirror edits its own copy with a seeded random mix of
// inserts, updates and deletes and syncs after every round. When all mirrors
// are done the cluster is drained and every mirror's live set is compared
// with the master's. Small tombstone retention makes the run exercise
// eviction and resync as well as plain delta sync.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/deltarepo/internal/delta/db"
	"github.com/mschirtzinger/deltarepo/internal/delta/memstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// MasterID is the repo id of the simulated master.
const MasterID schema.RepoPk = "master"

// Options controls the shape of a run.
type Options struct {
	Mirrors     int     // Concurrent mirrors
	Rounds      int     // Edit-then-sync rounds per mirror
	OpsPerRound int     // Local edits per round
	DeleteRatio float64 // Share of edits that delete a live item
	UpdateRatio float64 // Share of edits that rewrite a live item

	BatchSize             int
	MaxRetainedTombstones int

	// Seed makes the edit sequence of each mirror reproducible. Interleaving
	// between mirrors still depends on scheduling.
	Seed int64

	// Observer also receives every sync event. May be nil.
	Observer deltasync.Observer

	// Logger for protocol messages. Nil discards them.
	Logger *log.Logger
}

// DefaultOptions returns a small run that still forces evictions.
func DefaultOptions() Options {
	return Options{
		Mirrors:               8,
		Rounds:                10,
		OpsPerRound:           25,
		DeleteRatio:           0.15,
		UpdateRatio:           0.25,
		BatchSize:             50,
		MaxRetainedTombstones: 20,
		Seed:                  42,
	}
}

// LatencyStats captures sync timings from a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalSyncs int
	Errors     int
	Durations  []time.Duration
}

// Report summarizes a run.
type Report struct {
	Sync             *LatencyStats
	Ops              int
	Events           map[deltasync.EventKind]int
	MasterLive       int
	MasterTombstones int
	DeleteCount      int64
	Watermark        int64
	Converged        bool
	Mismatches       []string
	Elapsed          time.Duration
}

// Cluster is one master and its mirrors.
type Cluster struct {
	Master  *deltasync.Master
	Mirrors []*deltasync.Mirror

	counter *eventCounter
	closers []io.Closer
}

func (opts Options) syncConfig(counter *eventCounter) *deltasync.Config {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &deltasync.Config{
		BatchSize:             opts.BatchSize,
		MaxRetainedTombstones: opts.MaxRetainedTombstones,
		Logger:                logger,
		Observer:              deltasync.Observers{counter, opts.Observer},
	}
}

func mirrorID(i int) schema.RepoPk {
	return schema.RepoPk(fmt.Sprintf("mirror-%02d", i+1))
}

// NewMemoryCluster builds a cluster on in-memory stores.
func NewMemoryCluster(opts Options) *Cluster {
	c := &Cluster{counter: newEventCounter()}
	config := opts.syncConfig(c.counter)

	c.Master = deltasync.NewMaster(MasterID, memstore.New(nil), config)
	for i := 0; i < opts.Mirrors; i++ {
		c.Mirrors = append(c.Mirrors, deltasync.NewMirror(mirrorID(i), memstore.New(nil), config))
	}
	return c
}

// NewSQLiteCluster builds a cluster with one SQLite database per repo under
// dir. The caller must Close it.
func NewSQLiteCluster(dir string, opts Options) (*Cluster, error) {
	c := &Cluster{counter: newEventCounter()}
	config := opts.syncConfig(c.counter)

	open := func(name string) (*db.DB, error) {
		database, err := db.Open(filepath.Join(dir, name+".db"))
		if err != nil {
			return nil, err
		}
		if err := database.InitSchema(); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		c.closers = append(c.closers, database)
		return database, nil
	}

	masterDB, err := open(string(MasterID))
	if err != nil {
		return nil, err
	}
	c.Master = deltasync.NewMaster(MasterID, db.NewMasterStore(masterDB, nil), config)

	for i := 0; i < opts.Mirrors; i++ {
		id := mirrorID(i)
		mirrorDB, err := open(string(id))
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Mirrors = append(c.Mirrors, deltasync.NewMirror(id, db.NewMirrorStore(mirrorDB, nil), config))
	}
	return c, nil
}

// Close releases any databases held by the cluster.
func (c *Cluster) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// Events returns how many events of each kind have been observed.
func (c *Cluster) Events() map[deltasync.EventKind]int {
	return c.counter.snapshot()
}

// Run lets every mirror edit and sync concurrently, then drains the cluster
// and checks convergence.
func (c *Cluster) Run(ctx context.Context, opts Options) (*Report, error) {
	started := time.Now()

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, len(c.Mirrors))
	errorsChan := make(chan error, len(c.Mirrors))
	opsChan := make(chan int, len(c.Mirrors))

	for i, mirror := range c.Mirrors {
		wg.Add(1)
		go func(i int, mirror *deltasync.Mirror) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
			durations := make([]time.Duration, 0, opts.Rounds)
			ops := 0

			for round := 0; round < opts.Rounds; round++ {
				n, err := edit(ctx, mirror, rng, round, opts)
				ops += n
				if err != nil {
					errorsChan <- fmt.Errorf("%s round %d edit failed: %w", mirror.ID(), round, err)
					break
				}

				start := time.Now()
				err = mirror.Sync(ctx, c.Master)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("%s round %d sync failed: %w", mirror.ID(), round, err)
					break
				}
			}

			opsChan <- ops
			resultsChan <- durations
		}(i, mirror)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)
	close(opsChan)

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}

	report := &Report{Sync: computeLatencyStats(allDurations)}
	for n := range opsChan {
		report.Ops += n
	}

	if err := c.Drain(ctx); err != nil {
		return nil, err
	}
	mismatches, err := c.Verify(ctx)
	if err != nil {
		return nil, err
	}
	report.Mismatches = mismatches
	report.Converged = len(mismatches) == 0

	err = c.Master.Read(ctx, func(ctx context.Context) error {
		stats, err := c.Master.Stats(ctx)
		if err != nil {
			return err
		}
		report.MasterLive = stats.Live
		report.MasterTombstones = stats.Tombstones
		report.DeleteCount = stats.DeleteCount
		report.Watermark = stats.Watermark
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read master stats: %w", err)
	}

	report.Events = c.Events()
	report.Elapsed = time.Since(started)
	return report, nil
}

// edit applies one round of random local changes to mirror.
func edit(ctx context.Context, mirror *deltasync.Mirror, rng *rand.Rand, round int, opts Options) (int, error) {
	ops := 0
	err := mirror.Write(ctx, func(ctx context.Context) error {
		live, err := mirror.List(ctx, false)
		if err != nil {
			return err
		}

		for j := 0; j < opts.OpsPerRound; j++ {
			payload, err := json.Marshal(map[string]interface{}{
				"mirror": mirror.ID(),
				"round":  round,
				"op":     j,
			})
			if err != nil {
				return err
			}

			roll := rng.Float64()
			switch {
			case len(live) > 0 && roll < opts.DeleteRatio:
				k := rng.Intn(len(live))
				if _, err := mirror.DeleteByPk(ctx, []schema.Address{live[k].Address}); err != nil {
					return err
				}
				live = append(live[:k], live[k+1:]...)

			case len(live) > 0 && roll < opts.DeleteRatio+opts.UpdateRatio:
				k := rng.Intn(len(live))
				stored, err := mirror.InsertOrReplace(ctx, []schema.Item{live[k].WithPayload(payload)})
				if err != nil {
					return err
				}
				live[k] = stored[0]

			default:
				addr, err := mirror.NewPk(ctx)
				if err != nil {
					return err
				}
				stored, err := mirror.InsertOrReplace(ctx, []schema.Item{{Address: addr, Payload: payload}})
				if err != nil {
					return err
				}
				live = append(live, stored[0])
			}
			ops++
		}
		return nil
	})
	return ops, err
}

// Drain syncs every mirror twice in turn. The first pass delivers the last
// edits to the master; the second hands every mirror the final state.
func (c *Cluster) Drain(ctx context.Context) error {
	for pass := 0; pass < 2; pass++ {
		for _, mirror := range c.Mirrors {
			if err := mirror.Sync(ctx, c.Master); err != nil {
				return fmt.Errorf("failed to drain %s: %w", mirror.ID(), err)
			}
		}
	}
	return nil
}

// Verify compares each mirror's live items, in the master's frame, with the
// master's. It returns a description of every difference found, at most
// maxMismatches per mirror.
func (c *Cluster) Verify(ctx context.Context) ([]string, error) {
	const maxMismatches = 10

	var masterItems []schema.Item
	err := c.Master.Read(ctx, func(ctx context.Context) error {
		var err error
		masterItems, err = c.Master.List(ctx, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list master: %w", err)
	}
	want := make(map[schema.Address]string, len(masterItems))
	for _, item := range masterItems {
		want[item.Address] = string(item.Payload)
	}

	var mismatches []string
	for _, mirror := range c.Mirrors {
		var items []schema.Item
		err := mirror.Read(ctx, func(ctx context.Context) error {
			var err error
			items, err = mirror.List(ctx, false)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", mirror.ID(), err)
		}

		var found []string
		seen := make(map[schema.Address]bool, len(items))
		for _, item := range schema.Localize(items, c.Master.ID(), mirror.ID()) {
			seen[item.Address] = true
			payload, ok := want[item.Address]
			switch {
			case !ok:
				found = append(found, fmt.Sprintf("%s: %s is not live on the master", mirror.ID(), item.Address))
			case payload != string(item.Payload):
				found = append(found, fmt.Sprintf("%s: %s payload differs", mirror.ID(), item.Address))
			case item.SyncStatus != schema.Pulled:
				found = append(found, fmt.Sprintf("%s: %s is %s, want pulled", mirror.ID(), item.Address, item.SyncStatus))
			}
		}
		for addr := range want {
			if !seen[addr] {
				found = append(found, fmt.Sprintf("%s: missing %s", mirror.ID(), addr))
			}
		}

		sort.Strings(found)
		if len(found) > maxMismatches {
			found = append(found[:maxMismatches], fmt.Sprintf("%s: ... and more", mirror.ID()))
		}
		mismatches = append(mismatches, found...)
	}
	return mismatches, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalSyncs: len(durations),
		Durations:  sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Sync Latency:\n")
	fmt.Fprintf(w, "  Total Syncs:   %d\n", s.TotalSyncs)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// eventCounter tallies sync events by kind.
type eventCounter struct {
	mu     sync.Mutex
	counts map[deltasync.EventKind]int
}

func newEventCounter() *eventCounter {
	return &eventCounter{counts: make(map[deltasync.EventKind]int)}
}

func (e *eventCounter) Observe(ev deltasync.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[ev.Kind]++
}

func (e *eventCounter) snapshot() map[deltasync.EventKind]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[deltasync.EventKind]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}
