package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/mschirtzinger/deltarepo/internal/delta/guard"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Master is the canonical repo. It stamps every accepted write with a fresh
// update sequence, keeps a bounded window of tombstones and serves pages to
// pullers.
//
// Every method asserts its scope on Lock; wrap calls in Read or Write.
type Master struct {
	id      schema.RepoPk
	adapter MasterAdapter
	lock    *guard.Lock
	config  *Config

	// lastStamp is the last sequence handed out by this process.
	lastStamp int64
}

// NewMaster returns a Master over adapter.
func NewMaster(id schema.RepoPk, adapter MasterAdapter, config *Config) *Master {
	return &Master{
		id:      id,
		adapter: adapter,
		lock:    guard.New("master " + string(id)),
		config:  config.withDefaults(),
	}
}

// ID returns the master's repo identity.
func (m *Master) ID() schema.RepoPk { return m.id }

// Lock returns the guard protecting the master's state.
func (m *Master) Lock() *guard.Lock { return m.lock }

// Read runs fn holding the shared scope.
func (m *Master) Read(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.lock.Read(ctx, fn)
}

// Write runs fn holding the exclusive scope.
func (m *Master) Write(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.lock.Write(ctx, fn)
}

// NewPk mints the address of a new master-authored item.
func (m *Master) NewPk(ctx context.Context) (schema.Address, error) {
	m.lock.MustWrite(ctx)
	pk, err := m.adapter.NextPk(ctx)
	if err != nil {
		return schema.Address{}, fmt.Errorf("failed to mint item pk: %w", err)
	}
	return schema.Address{Repo: schema.Local, Item: pk}, nil
}

// InsertOrReplace merges items into their stored copies, stamps them in
// order and stores them as pulled. Passing a deleted item is a contract
// violation; deletions go through DeleteByPk. The stored row is always live,
// whatever the merge says: a write over a tombstone revives the item.
func (m *Master) InsertOrReplace(ctx context.Context, items []schema.Item) ([]schema.Item, error) {
	m.lock.MustWrite(ctx)
	for _, item := range items {
		if item.IsDeleted {
			violate("master insert", fmt.Errorf("%w: %s", ErrDeletedInsert, item.Address))
		}
		if err := item.Validate(); err != nil {
			violate("master insert", fmt.Errorf("%w: %v", ErrInvalidItem, err))
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	pending := make(map[schema.Address]int, len(items))
	out := make([]schema.Item, 0, len(items))
	for _, item := range items {
		existing, err := m.lookup(ctx, item.Address, pending, out)
		if err != nil {
			return nil, err
		}
		seq, err := m.nextStamp(ctx)
		if err != nil {
			return nil, err
		}
		merged := m.adapter.Merge(existing, item).
			WithAddress(item.Address).
			WithSequence(seq).
			WithStatus(schema.Pulled).
			WithDeleted(false)

		if i, ok := pending[item.Address]; ok {
			out[i] = merged
		} else {
			pending[item.Address] = len(out)
			out = append(out, merged)
		}
	}

	if err := m.adapter.InsertOrReplace(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to store %d items: %w", len(out), err)
	}
	return out, nil
}

// DeleteByPk tombstones the live rows at addrs, bumps the delete count and
// evicts tombstones beyond the retention bound. It returns how many rows
// were tombstoned.
func (m *Master) DeleteByPk(ctx context.Context, addrs []schema.Address) (int, error) {
	m.lock.MustWrite(ctx)

	pending := make(map[schema.Address]int, len(addrs))
	var tombs []schema.Item
	for _, addr := range addrs {
		existing, err := m.lookup(ctx, addr, pending, tombs)
		if err != nil {
			return 0, err
		}
		if existing == nil || existing.IsDeleted {
			continue
		}
		seq, err := m.nextStamp(ctx)
		if err != nil {
			return 0, err
		}
		pending[addr] = len(tombs)
		tombs = append(tombs, existing.WithDeleted(true).WithSequence(seq).WithStatus(schema.Pulled))
	}
	if len(tombs) == 0 {
		return 0, nil
	}

	if err := m.adapter.InsertOrReplace(ctx, tombs); err != nil {
		return 0, fmt.Errorf("failed to store %d tombstones: %w", len(tombs), err)
	}
	if _, err := m.adapter.AddDeleteCount(ctx, int64(len(tombs))); err != nil {
		return 0, fmt.Errorf("failed to bump delete count: %w", err)
	}
	if _, err := m.evict(ctx); err != nil {
		return len(tombs), err
	}
	return len(tombs), nil
}

// Push is the push endpoint: deleted items are routed through DeleteByPk,
// the rest through InsertOrReplace.
func (m *Master) Push(ctx context.Context, items []schema.Item) error {
	m.lock.MustWrite(ctx)
	var live []schema.Item
	var deleted []schema.Address
	for _, item := range items {
		if item.IsDeleted {
			deleted = append(deleted, item.Address)
		} else {
			live = append(live, item)
		}
	}
	if _, err := m.InsertOrReplace(ctx, live); err != nil {
		return err
	}
	if _, err := m.DeleteByPk(ctx, deleted); err != nil {
		return err
	}
	return nil
}

// Page is the pull endpoint. The page and the counters are read under the
// same scope.
func (m *Master) Page(ctx context.Context, start int64, order Order, limit int) (Page, error) {
	m.lock.MustRead(ctx)
	if limit <= 0 {
		limit = m.config.BatchSize
	}
	items, err := m.adapter.PageByUpdateStamp(ctx, PageQuery{Start: start, Order: order, Limit: limit})
	if err != nil {
		return Page{}, fmt.Errorf("failed to read page: %w", err)
	}
	counters, err := m.adapter.Counters(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("failed to read counters: %w", err)
	}
	return Page{Items: items, DeleteCount: counters.DeleteCount, Watermark: counters.Watermark}, nil
}

// Get returns the item at addr, tombstones included, or nil.
func (m *Master) Get(ctx context.Context, addr schema.Address) (*schema.Item, error) {
	m.lock.MustRead(ctx)
	return m.adapter.SelectByPk(ctx, addr)
}

// List returns the stored items ordered by address.
func (m *Master) List(ctx context.Context, includeDeleted bool) ([]schema.Item, error) {
	m.lock.MustRead(ctx)
	f := Filter{Deleted: OnlyLive}
	if includeDeleted {
		f.Deleted = AnyDeleted
	}
	return m.adapter.List(ctx, f)
}

// Stats summarises the master's state.
func (m *Master) Stats(ctx context.Context) (Stats, error) {
	m.lock.MustRead(ctx)
	live, err := m.adapter.Count(ctx, Filter{Deleted: OnlyLive})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count items: %w", err)
	}
	deleted, err := m.adapter.Count(ctx, Filter{Deleted: OnlyDeleted})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count tombstones: %w", err)
	}
	counters, err := m.adapter.Counters(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read counters: %w", err)
	}
	return Stats{
		Repo:         m.id,
		Role:         RoleMaster,
		Live:         live,
		Tombstones:   deleted,
		Pulled:       live + deleted,
		DeleteCount:  counters.DeleteCount,
		Watermark:    counters.Watermark,
		LastSequence: counters.LastSequence,
	}, nil
}

// lookup finds the current version of addr, preferring items staged
// earlier in the same batch.
func (m *Master) lookup(ctx context.Context, addr schema.Address, pending map[schema.Address]int, staged []schema.Item) (*schema.Item, error) {
	if i, ok := pending[addr]; ok {
		item := staged[i]
		return &item, nil
	}
	existing, err := m.adapter.SelectByPk(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", addr, err)
	}
	return existing, nil
}

func (m *Master) nextStamp(ctx context.Context) (int64, error) {
	seq, err := m.adapter.NextUpdateStamp(ctx)
	if errors.Is(err, ErrSequenceExhausted) {
		violate("master stamp", err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to compute next update stamp: %w", err)
	}
	if seq <= 0 || seq <= m.lastStamp {
		violate("master stamp", fmt.Errorf("adapter returned sequence %d after %d", seq, m.lastStamp))
	}
	m.lastStamp = seq
	return seq, nil
}
