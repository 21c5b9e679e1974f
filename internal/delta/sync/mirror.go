package sync

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/deltarepo/internal/delta/guard"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Mirror is a partial, possibly offline replica. Local writes mark rows
// dirty; Push and Pull exchange them with an upstream repo. A Mirror is
// itself a Peer, so other mirrors can pull from it.
type Mirror struct {
	id      schema.RepoPk
	adapter MirrorAdapter
	lock    *guard.Lock
	config  *Config
	pusher  *Pusher
	puller  *Puller
}

// NewMirror returns a Mirror over adapter.
func NewMirror(id schema.RepoPk, adapter MirrorAdapter, config *Config) *Mirror {
	config = config.withDefaults()
	return &Mirror{
		id:      id,
		adapter: adapter,
		lock:    guard.New("mirror " + string(id)),
		config:  config,
		pusher:  NewPusher(adapter, config),
		puller:  NewPuller(adapter, config),
	}
}

// ID returns the mirror's repo identity.
func (m *Mirror) ID() schema.RepoPk { return m.id }

// Lock returns the guard protecting the mirror's state.
func (m *Mirror) Lock() *guard.Lock { return m.lock }

// Read runs fn holding the shared scope.
func (m *Mirror) Read(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.lock.Read(ctx, fn)
}

// Write runs fn holding the exclusive scope.
func (m *Mirror) Write(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.lock.Write(ctx, fn)
}

// NewPk mints the address of a new locally-authored item.
func (m *Mirror) NewPk(ctx context.Context) (schema.Address, error) {
	m.lock.MustWrite(ctx)
	pk, err := m.adapter.NextPk(ctx)
	if err != nil {
		return schema.Address{}, fmt.Errorf("failed to mint item pk: %w", err)
	}
	return schema.Address{Repo: schema.Local, Item: pk}, nil
}

// InsertOrReplace stores local edits as dirty rows. An edit without an
// update sequence keeps the one already stored, as a merge hint for
// upstream.
func (m *Mirror) InsertOrReplace(ctx context.Context, items []schema.Item) ([]schema.Item, error) {
	m.lock.MustWrite(ctx)
	out := make([]schema.Item, 0, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			violate("mirror insert", fmt.Errorf("%w: %v", ErrInvalidItem, err))
		}
		item = item.WithStatus(schema.Dirty)
		if !item.HasSequence() {
			existing, err := m.adapter.SelectByPk(ctx, item.Address)
			if err != nil {
				return nil, fmt.Errorf("failed to look up %s: %w", item.Address, err)
			}
			if existing != nil {
				item = item.WithSequence(existing.UpdateSequence)
			}
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := m.adapter.InsertOrReplace(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to store %d items: %w", len(out), err)
	}
	return out, nil
}

// DeleteByPk marks the live rows at addrs deleted and dirty. It returns how
// many rows changed.
func (m *Mirror) DeleteByPk(ctx context.Context, addrs []schema.Address) (int, error) {
	m.lock.MustWrite(ctx)
	var tombs []schema.Item
	seen := make(map[schema.Address]bool, len(addrs))
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		existing, err := m.adapter.SelectByPk(ctx, addr)
		if err != nil {
			return 0, fmt.Errorf("failed to look up %s: %w", addr, err)
		}
		if existing == nil || existing.IsDeleted {
			continue
		}
		tombs = append(tombs, existing.WithDeleted(true).WithStatus(schema.Dirty))
	}
	if len(tombs) == 0 {
		return 0, nil
	}
	if err := m.adapter.InsertOrReplace(ctx, tombs); err != nil {
		return 0, fmt.Errorf("failed to store %d deletions: %w", len(tombs), err)
	}
	return len(tombs), nil
}

// Push sends one batch of dirty rows to upstream.
func (m *Mirror) Push(ctx context.Context, upstream Upstream) (bool, error) {
	m.lock.MustWrite(ctx)
	return m.pusher.Push(ctx, upstream, m.id, upstream.ID())
}

// PushAll pushes until no dirty rows remain.
func (m *Mirror) PushAll(ctx context.Context, upstream Upstream) error {
	m.lock.MustWrite(ctx)
	return m.pusher.PushAll(ctx, upstream, m.id, upstream.ID())
}

// Pull applies one page from peer. The mirror must not hold dirty rows.
func (m *Mirror) Pull(ctx context.Context, peer Peer) (bool, error) {
	m.lock.MustWrite(ctx)
	return m.puller.Pull(ctx, peer, m.id, peer.ID())
}

// PullAll pulls until peer reports no more work.
func (m *Mirror) PullAll(ctx context.Context, peer Peer) error {
	m.lock.MustWrite(ctx)
	return m.puller.PullAll(ctx, peer, m.id, peer.ID())
}

// PullMerge applies one page from peer, merging into dirty rows instead of
// refusing to run.
func (m *Mirror) PullMerge(ctx context.Context, peer Peer) (bool, error) {
	m.lock.MustWrite(ctx)
	return m.puller.WithDirtyMerge().Pull(ctx, peer, m.id, peer.ID())
}

// PullMergeAll is PullMerge until peer reports no more work.
func (m *Mirror) PullMergeAll(ctx context.Context, peer Peer) error {
	m.lock.MustWrite(ctx)
	return m.puller.WithDirtyMerge().PullAll(ctx, peer, m.id, peer.ID())
}

// Sync pushes every dirty row to upstream and then pulls until drained.
// When upstream is an in-process repo its write scope is taken first, then
// the mirror's, so no other caller can interleave with the exchange.
func (m *Mirror) Sync(ctx context.Context, upstream Upstream) error {
	return m.exchange(ctx, upstream, func(ctx context.Context) error {
		if err := m.pusher.PushAll(ctx, upstream, m.id, upstream.ID()); err != nil {
			return err
		}
		return m.puller.PullAll(ctx, upstream, m.id, upstream.ID())
	})
}

// Publish pushes every dirty row to upstream, taking scopes like Sync.
func (m *Mirror) Publish(ctx context.Context, upstream Upstream) error {
	return m.exchange(ctx, upstream, func(ctx context.Context) error {
		return m.pusher.PushAll(ctx, upstream, m.id, upstream.ID())
	})
}

// SyncFrom pulls everything from peer, holding peer's write scope when it
// is an in-process repo. Dirty rows are merged, not pushed.
func (m *Mirror) SyncFrom(ctx context.Context, peer Peer) error {
	return m.exchange(ctx, peer, func(ctx context.Context) error {
		return m.puller.WithDirtyMerge().PullAll(ctx, peer, m.id, peer.ID())
	})
}

// exchange runs fn under the remote's write scope, when it has one, and
// then the mirror's.
func (m *Mirror) exchange(ctx context.Context, remote any, fn func(ctx context.Context) error) error {
	run := func(ctx context.Context) error {
		return m.lock.Write(ctx, fn)
	}
	if l, ok := remote.(interface{ Lock() *guard.Lock }); ok {
		return l.Lock().Write(ctx, run)
	}
	return run(ctx)
}

// Page serves the mirror's pulled rows to other mirrors. The delete count
// and watermark aggregate the pull progress against every remote. It fails
// with ErrResyncInProgress while a resync against any remote is pending,
// since the pulled set is incomplete then.
func (m *Mirror) Page(ctx context.Context, start int64, order Order, limit int) (Page, error) {
	m.lock.MustRead(ctx)
	if limit <= 0 {
		limit = m.config.BatchSize
	}
	states, err := m.adapter.PullStates(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("failed to load pull states: %w", err)
	}
	if states.Resyncing() {
		return Page{}, ErrResyncInProgress
	}
	items, err := m.adapter.PageByUpdateStamp(ctx, PageQuery{
		Start:  start,
		Order:  order,
		Limit:  limit,
		Filter: Filter{Statuses: []schema.SyncStatus{schema.Pulled}},
	})
	if err != nil {
		return Page{}, fmt.Errorf("failed to read page: %w", err)
	}
	return Page{Items: items, DeleteCount: states.DeleteCount(), Watermark: states.Watermark()}, nil
}

// Get returns the item at addr, or nil.
func (m *Mirror) Get(ctx context.Context, addr schema.Address) (*schema.Item, error) {
	m.lock.MustRead(ctx)
	return m.adapter.SelectByPk(ctx, addr)
}

// List returns the stored items ordered by address.
func (m *Mirror) List(ctx context.Context, includeDeleted bool) ([]schema.Item, error) {
	m.lock.MustRead(ctx)
	f := Filter{Deleted: OnlyLive}
	if includeDeleted {
		f.Deleted = AnyDeleted
	}
	return m.adapter.List(ctx, f)
}

// Stats summarises the mirror's state.
func (m *Mirror) Stats(ctx context.Context) (Stats, error) {
	m.lock.MustRead(ctx)
	st := Stats{Repo: m.id, Role: RoleMirror}

	counts := []struct {
		dst *int
		f   Filter
	}{
		{&st.Live, Filter{Deleted: OnlyLive}},
		{&st.Tombstones, Filter{Deleted: OnlyDeleted}},
		{&st.Dirty, Filter{Statuses: []schema.SyncStatus{schema.Dirty}}},
		{&st.Pushed, Filter{Statuses: []schema.SyncStatus{schema.Pushed}}},
		{&st.Pulled, Filter{Statuses: []schema.SyncStatus{schema.Pulled}}},
	}
	for _, c := range counts {
		n, err := m.adapter.Count(ctx, c.f)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to count items: %w", err)
		}
		*c.dst = n
	}

	states, err := m.adapter.PullStates(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load pull states: %w", err)
	}
	st.Pull = states
	st.DeleteCount = states.DeleteCount()
	st.Watermark = states.Watermark()
	return st, nil
}
