// Package memstore keeps a delta repo in memory. It implements both the
// master and the mirror adapter and is used by tests, simulations and the
// load tester.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// Store is an in-memory adapter. The zero value is not usable; call New.
type Store struct {
	mu    sync.Mutex
	items map[schema.Address]schema.Item
	merge schema.MergeFunc

	nextPk      int64
	lastSeq     int64
	deleteCount int64
	watermark   int64
	pull        deltasync.PullStates
}

var (
	_ deltasync.MasterAdapter = (*Store)(nil)
	_ deltasync.MirrorAdapter = (*Store)(nil)
)

// New returns an empty store using merge for conflict resolution.
// A nil merge means schema.TakeIncoming.
func New(merge schema.MergeFunc) *Store {
	if merge == nil {
		merge = schema.TakeIncoming
	}
	return &Store{
		items: make(map[schema.Address]schema.Item),
		merge: merge,
		pull:  make(deltasync.PullStates),
	}
}

// SetLastSequence moves the sequence counter, for exhaustion tests.
func (s *Store) SetLastSequence(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = seq
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) PageByUpdateStamp(ctx context.Context, q deltasync.PageQuery) ([]schema.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schema.Item
	for _, item := range s.items {
		if !q.Matches(item) {
			continue
		}
		if q.Order == deltasync.Desc {
			if item.UpdateSequence > q.Start {
				continue
			}
		} else if item.UpdateSequence < q.Start {
			continue
		}
		out = append(out, item.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UpdateSequence != b.UpdateSequence {
			if q.Order == deltasync.Desc {
				return a.UpdateSequence > b.UpdateSequence
			}
			return a.UpdateSequence < b.UpdateSequence
		}
		return lessAddress(a.Address, b.Address)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) SelectByPk(ctx context.Context, addr schema.Address) (*schema.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[addr]
	if !ok {
		return nil, nil
	}
	item = item.Clone()
	return &item, nil
}

func (s *Store) InsertOrReplace(ctx context.Context, items []schema.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items[item.Address] = item.Clone()
	}
	return nil
}

func (s *Store) DeleteByPk(ctx context.Context, addrs []schema.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range addrs {
		delete(s.items, addr)
	}
	return nil
}

func (s *Store) NextPk(ctx context.Context) (schema.ItemPk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPk++
	return schema.ItemPk(s.nextPk), nil
}

func (s *Store) Count(ctx context.Context, f deltasync.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if f.Matches(item) {
			n++
		}
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, f deltasync.Filter) ([]schema.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Item
	for _, item := range s.items {
		if f.Matches(item) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessAddress(out[i].Address, out[j].Address) })
	return out, nil
}

func (s *Store) Merge(existing *schema.Item, incoming schema.Item) schema.Item {
	return s.merge(existing, incoming)
}

func (s *Store) NextUpdateStamp(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeq == math.MaxInt64 {
		return 0, deltasync.ErrSequenceExhausted
	}
	s.lastSeq++
	return s.lastSeq, nil
}

func (s *Store) Counters(ctx context.Context) (deltasync.MasterCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deltasync.MasterCounters{
		DeleteCount:  s.deleteCount,
		Watermark:    s.watermark,
		LastSequence: s.lastSeq,
	}, nil
}

func (s *Store) AddDeleteCount(ctx context.Context, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCount += n
	return s.deleteCount, nil
}

func (s *Store) SetWatermark(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.watermark {
		s.watermark = seq
	}
	return nil
}

func (s *Store) SelectDirtyItemsToPush(ctx context.Context, limit int) ([]schema.Item, error) {
	items, err := s.List(ctx, deltasync.Filter{Statuses: []schema.SyncStatus{schema.Dirty}})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) HasDirty(ctx context.Context) (bool, error) {
	n, err := s.Count(ctx, deltasync.Filter{Statuses: []schema.SyncStatus{schema.Dirty}})
	return n > 0, err
}

func (s *Store) MarkPulledAsPushed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for addr, item := range s.items {
		if item.SyncStatus == schema.Pulled {
			s.items[addr] = item.WithStatus(schema.Pushed)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeletePushedThrough(ctx context.Context, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for addr, item := range s.items {
		if item.SyncStatus == schema.Pushed && item.UpdateSequence <= seq {
			delete(s.items, addr)
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkPushedAsPulled(ctx context.Context, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for addr, item := range s.items {
		if item.SyncStatus == schema.Pushed && item.UpdateSequence > seq {
			s.items[addr] = item.WithStatus(schema.Pulled)
			n++
		}
	}
	return n, nil
}

func (s *Store) PullState(ctx context.Context, remote schema.RepoPk) (deltasync.PullState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pull[remote], nil
}

func (s *Store) SavePullState(ctx context.Context, remote schema.RepoPk, state deltasync.PullState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pull[remote] = state
	return nil
}

func (s *Store) PullStates(ctx context.Context) (deltasync.PullStates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(deltasync.PullStates, len(s.pull))
	for id, st := range s.pull {
		out[id] = st
	}
	return out, nil
}

func lessAddress(a, b schema.Address) bool {
	if a.Repo != b.Repo {
		return a.Repo < b.Repo
	}
	return a.Item < b.Item
}
