package sync

import (
	"context"
	"sort"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Order is the direction of a page by update sequence.
type Order int

const (
	// Asc returns items with sequence >= start, lowest first.
	Asc Order = iota
	// Desc returns items with sequence <= start, highest first.
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "desc"
	}
	return "asc"
}

// DeletedFilter restricts a query by tombstone flag.
type DeletedFilter int

const (
	AnyDeleted DeletedFilter = iota
	OnlyLive
	OnlyDeleted
)

// Filter selects stored items.
type Filter struct {
	Deleted DeletedFilter

	// Statuses restricts the sync status; empty means any.
	Statuses []schema.SyncStatus
}

// Matches reports whether item passes the filter.
func (f Filter) Matches(item schema.Item) bool {
	switch f.Deleted {
	case OnlyLive:
		if item.IsDeleted {
			return false
		}
	case OnlyDeleted:
		if !item.IsDeleted {
			return false
		}
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if item.SyncStatus == s {
			return true
		}
	}
	return false
}

// PageQuery is a page request against a store, ordered by update sequence.
type PageQuery struct {
	Start int64
	Order Order
	Limit int
	Filter
}

// Page is what a pull endpoint returns: items in ascending sequence order
// plus the endpoint's deletion bookkeeping at the time of the read.
type Page struct {
	Items []schema.Item `json:"items" msgpack:"items"`

	// DeleteCount is the number of deletions the endpoint has ever recorded.
	DeleteCount int64 `json:"delete_count" msgpack:"delete_count"`

	// Watermark is the highest sequence of a tombstone the endpoint no
	// longer retains. A puller whose cursor is below it has missed a deletion.
	Watermark int64 `json:"watermark" msgpack:"watermark"`
}

// Remote is a pull endpoint.
type Remote interface {
	Page(ctx context.Context, start int64, order Order, limit int) (Page, error)
}

// PushTarget is a push endpoint. Items arrive in the target's frame.
type PushTarget interface {
	Push(ctx context.Context, items []schema.Item) error
}

// Peer is a repo that can be pulled from.
type Peer interface {
	ID() schema.RepoPk
	Remote
}

// Upstream is a repo a mirror pushes to and pulls from.
type Upstream interface {
	Peer
	PushTarget
}

// Store is the storage both master and mirror adapters provide.
//
// InsertOrReplace must be atomic per call. PageByUpdateStamp must return
// results strictly sorted by sequence without duplicates.
type Store interface {
	// PageByUpdateStamp returns up to q.Limit items matching q.Filter with
	// sequence >= q.Start (Asc) or <= q.Start (Desc).
	PageByUpdateStamp(ctx context.Context, q PageQuery) ([]schema.Item, error)

	// SelectByPk returns the item at addr, or nil when there is none.
	SelectByPk(ctx context.Context, addr schema.Address) (*schema.Item, error)

	// InsertOrReplace stores items, replacing rows with the same address.
	InsertOrReplace(ctx context.Context, items []schema.Item) error

	// DeleteByPk physically removes rows. Missing rows are ignored.
	DeleteByPk(ctx context.Context, addrs []schema.Address) error

	// NextPk mints the next ItemPk for items authored by this repo.
	NextPk(ctx context.Context) (schema.ItemPk, error)

	// Count returns the number of rows matching f.
	Count(ctx context.Context, f Filter) (int, error)

	// List returns all rows matching f ordered by address.
	List(ctx context.Context, f Filter) ([]schema.Item, error)

	// Merge resolves a write against the stored copy (nil when absent).
	Merge(existing *schema.Item, incoming schema.Item) schema.Item
}

// MasterCounters is the persisted bookkeeping of a master.
type MasterCounters struct {
	DeleteCount  int64
	Watermark    int64
	LastSequence int64
}

// MasterAdapter is the storage behind a Master.
type MasterAdapter interface {
	Store

	// NextUpdateStamp returns a sequence strictly greater than every
	// sequence returned before, surviving restarts. It returns
	// ErrSequenceExhausted when no such value exists.
	NextUpdateStamp(ctx context.Context) (int64, error)

	Counters(ctx context.Context) (MasterCounters, error)

	// AddDeleteCount adds n to the delete count and returns the new value.
	AddDeleteCount(ctx context.Context, n int64) (int64, error)

	// SetWatermark records the highest evicted tombstone sequence.
	SetWatermark(ctx context.Context, seq int64) error
}

// PullState is a mirror's persisted pull progress against one remote.
type PullState struct {
	// Cursor is the highest sequence applied from the remote.
	Cursor int64 `json:"cursor" yaml:"cursor"`

	// DeleteTally counts the tombstones applied, to compare with the
	// remote's delete count.
	DeleteTally int64 `json:"delete_tally" yaml:"delete_tally"`

	// LastDeleteSequence is the highest tombstone sequence applied.
	LastDeleteSequence int64 `json:"last_delete_sequence" yaml:"last_delete_sequence"`

	Resyncing      bool  `json:"resyncing" yaml:"resyncing"`
	ResyncBaseline int64 `json:"resync_baseline,omitempty" yaml:"resync_baseline,omitempty"`
}

// PullStates holds a mirror's pull progress keyed by remote.
type PullStates map[schema.RepoPk]PullState

// DeleteCount is the delete count the mirror serves to its own pullers:
// every tombstone applied from any remote. A mirror removes tombstones on
// arrival, so its pullers can only notice deletions through this count.
func (ps PullStates) DeleteCount() int64 {
	var n int64
	for _, st := range ps {
		n += st.DeleteTally
	}
	return n
}

// Watermark is the highest tombstone sequence applied from any remote.
func (ps PullStates) Watermark() int64 {
	var w int64
	for _, st := range ps {
		w = max(w, st.LastDeleteSequence)
	}
	return w
}

// Resyncing reports whether a resync against any remote is pending.
func (ps PullStates) Resyncing() bool {
	for _, st := range ps {
		if st.Resyncing {
			return true
		}
	}
	return false
}

// Remotes returns the remote ids in sorted order.
func (ps PullStates) Remotes() []schema.RepoPk {
	ids := make([]schema.RepoPk, 0, len(ps))
	for id := range ps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MirrorAdapter is the storage behind a Mirror.
type MirrorAdapter interface {
	Store

	// SelectDirtyItemsToPush returns up to limit dirty items.
	SelectDirtyItemsToPush(ctx context.Context, limit int) ([]schema.Item, error)

	HasDirty(ctx context.Context) (bool, error)

	// MarkPulledAsPushed demotes every pulled row and returns how many.
	MarkPulledAsPushed(ctx context.Context) (int, error)

	// DeletePushedThrough removes the pushed rows with an update sequence
	// of at most seq and returns how many.
	DeletePushedThrough(ctx context.Context, seq int64) (int, error)

	// MarkPushedAsPulled promotes the pushed rows with an update sequence
	// above seq and returns how many.
	MarkPushedAsPulled(ctx context.Context, seq int64) (int, error)

	// PullState returns the progress against remote, or the zero state.
	PullState(ctx context.Context, remote schema.RepoPk) (PullState, error)
	SavePullState(ctx context.Context, remote schema.RepoPk, state PullState) error

	// PullStates returns the progress against every remote pulled so far.
	PullStates(ctx context.Context) (PullStates, error)
}
