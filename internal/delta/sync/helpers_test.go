package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"testing"

	"github.com/mschirtzinger/deltarepo/internal/delta/memstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// testWriter routes log output through t.Log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

// recorder collects sync events.
type recorder struct {
	events []sync.Event
}

func (r *recorder) Observe(e sync.Event) { r.events = append(r.events, e) }

func (r *recorder) count(kind sync.EventKind, local schema.RepoPk) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && (local == "" || e.Local == local) {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T, batch, retain int, obs sync.Observer) *sync.Config {
	t.Helper()
	return &sync.Config{
		BatchSize:             batch,
		MaxRetainedTombstones: retain,
		Logger:                log.New(testWriter{t}, "[sync] ", 0),
		Observer:              obs,
	}
}

type fixture struct {
	master      *sync.Master
	masterStore *memstore.Store
	config      *sync.Config
	events      *recorder
}

func newFixture(t *testing.T, batch, retain int) *fixture {
	t.Helper()
	events := &recorder{}
	config := testConfig(t, batch, retain, events)
	store := memstore.New(schema.MergeJSONObjects)
	return &fixture{
		master:      sync.NewMaster("master", store, config),
		masterStore: store,
		config:      config,
		events:      events,
	}
}

func (f *fixture) newMirror(t *testing.T, id schema.RepoPk) (*sync.Mirror, *memstore.Store) {
	t.Helper()
	store := memstore.New(schema.MergeJSONObjects)
	return sync.NewMirror(id, store, f.config), store
}

// insertMaster creates one master-authored item per payload and returns the
// addresses in the master's frame.
func insertMaster(t *testing.T, m *sync.Master, payloads ...string) []schema.Address {
	t.Helper()
	var addrs []schema.Address
	err := m.Write(context.Background(), func(ctx context.Context) error {
		var items []schema.Item
		for _, p := range payloads {
			addr, err := m.NewPk(ctx)
			if err != nil {
				return err
			}
			addrs = append(addrs, addr)
			items = append(items, schema.Item{Address: addr, Payload: []byte(p)})
		}
		_, err := m.InsertOrReplace(ctx, items)
		return err
	})
	if err != nil {
		t.Fatalf("master insert failed: %v", err)
	}
	return addrs
}

func deleteMaster(t *testing.T, m *sync.Master, addrs ...schema.Address) {
	t.Helper()
	err := m.Write(context.Background(), func(ctx context.Context) error {
		_, err := m.DeleteByPk(ctx, addrs)
		return err
	})
	if err != nil {
		t.Fatalf("master delete failed: %v", err)
	}
}

func insertMirror(t *testing.T, m *sync.Mirror, payloads ...string) []schema.Address {
	t.Helper()
	var addrs []schema.Address
	err := m.Write(context.Background(), func(ctx context.Context) error {
		var items []schema.Item
		for _, p := range payloads {
			addr, err := m.NewPk(ctx)
			if err != nil {
				return err
			}
			addrs = append(addrs, addr)
			items = append(items, schema.Item{Address: addr, Payload: []byte(p)})
		}
		_, err := m.InsertOrReplace(ctx, items)
		return err
	})
	if err != nil {
		t.Fatalf("mirror insert failed: %v", err)
	}
	return addrs
}

func syncMirror(t *testing.T, mirror *sync.Mirror, upstream sync.Upstream) {
	t.Helper()
	if err := mirror.Sync(context.Background(), upstream); err != nil {
		t.Fatalf("sync %s failed: %v", mirror.ID(), err)
	}
}

type lister interface {
	ID() schema.RepoPk
	Read(ctx context.Context, fn func(ctx context.Context) error) error
	List(ctx context.Context, includeDeleted bool) ([]schema.Item, error)
}

// view returns the live items of repo keyed by global address (the Local
// sentinel replaced by the repo's id) with their payloads.
func view(t *testing.T, repo lister) map[schema.Address]string {
	t.Helper()
	out := make(map[schema.Address]string)
	err := repo.Read(context.Background(), func(ctx context.Context) error {
		items, err := repo.List(ctx, false)
		if err != nil {
			return err
		}
		for _, item := range items {
			addr := item.Address
			if addr.Repo == schema.Local {
				addr.Repo = repo.ID()
			}
			out[addr] = string(item.Payload)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list %s failed: %v", repo.ID(), err)
	}
	return out
}

func assertSameView(t *testing.T, want, got lister) {
	t.Helper()
	w, g := view(t, want), view(t, got)
	if len(w) != len(g) {
		t.Errorf("%s has %d items, %s has %d", want.ID(), len(w), got.ID(), len(g))
	}
	for addr, payload := range w {
		if gp, ok := g[addr]; !ok {
			t.Errorf("%s is missing %s", got.ID(), addr)
		} else if gp != payload {
			t.Errorf("%s: %s payload = %q, want %q", got.ID(), addr, gp, payload)
		}
	}
}

func payloads(t *testing.T, repo lister) map[string]bool {
	t.Helper()
	out := make(map[string]bool)
	for _, p := range view(t, repo) {
		out[p] = true
	}
	return out
}

// mustContract runs fn and returns the *sync.ContractError it panics with.
func mustContract(t *testing.T, fn func()) *sync.ContractError {
	t.Helper()
	var got *sync.ContractError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("expected contract violation panic")
			}
			err, ok := r.(error)
			if !ok || !errors.As(err, &got) {
				t.Fatalf("panic value %v (%T) is not a *sync.ContractError", r, r)
			}
		}()
		fn()
	}()
	return got
}

func letters(from, to byte) []string {
	var out []string
	for c := from; c <= to; c++ {
		out = append(out, fmt.Sprintf("%c", c))
	}
	return out
}

// snapshot returns every row of the mirror keyed by its local address.
func snapshot(t *testing.T, m *sync.Mirror) map[schema.Address]schema.Item {
	t.Helper()
	out := make(map[schema.Address]schema.Item)
	err := m.Read(context.Background(), func(ctx context.Context) error {
		items, err := m.List(ctx, true)
		for _, item := range items {
			out[item.Address] = item
		}
		return err
	})
	if err != nil {
		t.Fatalf("list %s failed: %v", m.ID(), err)
	}
	return out
}

// localize converts a master-frame address into a mirror's frame.
func localize(addr schema.Address, masterID schema.RepoPk) schema.Address {
	if addr.Repo == schema.Local {
		addr.Repo = masterID
	}
	return addr
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("bad json %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("bad json %s: %v", b, err)
	}
	return reflect.DeepEqual(va, vb)
}

// hookedRemote serves the master's pages out of band, as a network client
// would, and runs after once each page has been read.
type hookedRemote struct {
	master *sync.Master
	after  func()
	fail   error
}

func (r *hookedRemote) ID() schema.RepoPk { return r.master.ID() }

func (r *hookedRemote) Page(ctx context.Context, start int64, order sync.Order, limit int) (sync.Page, error) {
	if r.fail != nil {
		return sync.Page{}, r.fail
	}
	var page sync.Page
	err := r.master.Read(ctx, func(ctx context.Context) error {
		var err error
		page, err = r.master.Page(ctx, start, order, limit)
		return err
	})
	if err == nil && r.after != nil {
		r.after()
	}
	return page, err
}

// ambiguousTarget applies a push and then, once, reports failure, like a
// connection dropped before the response arrived.
type ambiguousTarget struct {
	*sync.Master
	failOnce bool
}

func (a *ambiguousTarget) Push(ctx context.Context, items []schema.Item) error {
	if err := a.Master.Push(ctx, items); err != nil {
		return err
	}
	if a.failOnce {
		a.failOnce = false
		return errors.New("connection reset after write")
	}
	return nil
}

type failingTarget struct{}

func (failingTarget) ID() schema.RepoPk { return "upstream" }

func (failingTarget) Page(ctx context.Context, start int64, order sync.Order, limit int) (sync.Page, error) {
	return sync.Page{}, errors.New("unreachable")
}

func (failingTarget) Push(ctx context.Context, items []schema.Item) error {
	return errors.New("unreachable")
}
