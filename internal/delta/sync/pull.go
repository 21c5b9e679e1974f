package sync

import (
	"context"
	"fmt"
	"math"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Puller applies pages from a remote to a mirror store.
//
// Each Pull call handles one page. Progress lives in the store's PullState
// for that remote, so a failed call can simply be repeated and pulls from
// different remotes never compare each other's counts. After the last page
// of a pass the puller compares the deletions it applied with the remote's
// delete count; a mismatch means tombstones were evicted before this store
// saw them and starts a resync: every pulled row is demoted to pushed, the
// cursor is reset, and once a clean pass completes whatever is still pushed
// up to the remote's horizon is removed.
type Puller struct {
	adapter    MirrorAdapter
	config     *Config
	mergeDirty bool
}

// NewPuller returns a strict puller: it refuses to run while the store has
// dirty rows.
func NewPuller(adapter MirrorAdapter, config *Config) *Puller {
	return &Puller{adapter: adapter, config: config.withDefaults()}
}

// WithDirtyMerge returns a puller that merges incoming items into dirty
// rows instead of refusing to run.
func (p *Puller) WithDirtyMerge() *Puller {
	cp := *p
	cp.mergeDirty = true
	return &cp
}

// Pull applies one page from remote and reports whether more work is
// pending. localID and remoteID frame the addresses (see schema.Localize).
func (p *Puller) Pull(ctx context.Context, remote Remote, localID, remoteID schema.RepoPk) (bool, error) {
	if !p.mergeDirty {
		dirty, err := p.adapter.HasDirty(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to check for dirty rows: %w", err)
		}
		if dirty {
			violate("pull", ErrDirtyPull)
		}
	}

	state, err := p.adapter.PullState(ctx, remoteID)
	if err != nil {
		return false, fmt.Errorf("failed to load pull state: %w", err)
	}

	start := state.Cursor
	if start < math.MaxInt64 {
		start++
	}
	batch := p.config.BatchSize
	page, err := remote.Page(ctx, start, Asc, batch)
	if err != nil {
		return false, fmt.Errorf("failed to fetch page from %s after %d: %w", remoteID, state.Cursor, err)
	}

	next, upserts, removals, err := p.merge(ctx, state, schema.Localize(page.Items, localID, remoteID))
	if err != nil {
		return false, err
	}

	if len(upserts) > 0 {
		if err := p.adapter.InsertOrReplace(ctx, upserts); err != nil {
			return false, fmt.Errorf("failed to store pulled items: %w", err)
		}
	}
	if len(removals) > 0 {
		if err := p.adapter.DeleteByPk(ctx, removals); err != nil {
			return false, fmt.Errorf("failed to remove deleted items: %w", err)
		}
	}
	if len(upserts)+len(removals) > 0 {
		p.config.emit(Event{
			Kind:        EventPulled,
			Local:       localID,
			Remote:      remoteID,
			Count:       len(upserts) + len(removals),
			Deleted:     int(next.DeleteTally - state.DeleteTally),
			DeleteTally: next.DeleteTally,
			DeleteCount: page.DeleteCount,
		})
	}

	if len(page.Items) >= batch {
		if err := p.adapter.SavePullState(ctx, remoteID, next); err != nil {
			return false, fmt.Errorf("failed to save pull state: %w", err)
		}
		return true, nil
	}

	return p.finishPass(ctx, next, page, localID, remoteID)
}

// PullAll calls Pull until it reports no more work.
func (p *Puller) PullAll(ctx context.Context, remote Remote, localID, remoteID schema.RepoPk) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := p.Pull(ctx, remote, localID, remoteID)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// merge decides what each incoming item does to the local store.
func (p *Puller) merge(ctx context.Context, state PullState, incoming []schema.Item) (PullState, []schema.Item, []schema.Address, error) {
	next := state
	var upserts []schema.Item
	var removals []schema.Address

	for _, in := range incoming {
		if in.UpdateSequence <= state.Cursor {
			continue
		}
		if in.UpdateSequence > next.Cursor {
			next.Cursor = in.UpdateSequence
		}
		if in.IsDeleted {
			next.DeleteTally++
			if in.UpdateSequence > next.LastDeleteSequence {
				next.LastDeleteSequence = in.UpdateSequence
			}
		}

		existing, err := p.adapter.SelectByPk(ctx, in.Address)
		if err != nil {
			return state, nil, nil, fmt.Errorf("failed to look up %s: %w", in.Address, err)
		}

		var result schema.Item
		if existing != nil && existing.SyncStatus == schema.Dirty {
			// The remote version is the base and the local edit is written
			// over it, so the dirty side wins every field both touched.
			base := in
			result = p.adapter.Merge(&base, *existing).
				WithAddress(in.Address).
				WithSequence(in.UpdateSequence).
				WithStatus(schema.Dirty)
		} else {
			result = in.WithStatus(schema.Pulled)
		}

		if result.IsDeleted && result.SyncStatus == schema.Pulled {
			removals = append(removals, result.Address)
		} else {
			upserts = append(upserts, result)
		}
	}

	return next, upserts, removals, nil
}

// finishPass runs after the last page of a pass and decides whether a
// resync starts, restarts or completes.
func (p *Puller) finishPass(ctx context.Context, next PullState, page Page, localID, remoteID schema.RepoPk) (bool, error) {
	logger := p.config.Logger

	if next.Resyncing {
		if page.DeleteCount != next.ResyncBaseline {
			logger.Printf("resync from %s restarted: delete count moved from %d to %d during the pass",
				remoteID, next.ResyncBaseline, page.DeleteCount)
			if err := p.beginResync(ctx, &next, page, remoteID); err != nil {
				return false, err
			}
			p.config.emit(Event{Kind: EventResyncRestarted, Local: localID, Remote: remoteID,
				DeleteTally: next.DeleteTally, DeleteCount: page.DeleteCount, Watermark: page.Watermark})
			return true, nil
		}

		// The pass covered everything the remote holds, evicted range included.
		next.Cursor = max(next.Cursor, page.Watermark)
		next.LastDeleteSequence = max(next.LastDeleteSequence, page.Watermark)
		purged, err := p.adapter.DeletePushedThrough(ctx, next.Cursor)
		if err != nil {
			return false, fmt.Errorf("failed to purge unconfirmed rows: %w", err)
		}
		// Rows past the horizon are newer than anything the remote holds,
		// so it cannot confirm them. Another pending resync still can.
		pending, err := p.resyncPending(ctx, remoteID)
		if err != nil {
			return false, err
		}
		if !pending {
			if _, err := p.adapter.MarkPushedAsPulled(ctx, next.Cursor); err != nil {
				return false, fmt.Errorf("failed to restore rows past %d: %w", next.Cursor, err)
			}
		}
		next.Resyncing = false
		next.ResyncBaseline = 0
		next.DeleteTally = page.DeleteCount
		if err := p.adapter.SavePullState(ctx, remoteID, next); err != nil {
			return false, fmt.Errorf("failed to save pull state: %w", err)
		}

		logger.Printf("resync from %s complete: purged %d rows", remoteID, purged)
		p.config.emit(Event{Kind: EventResyncCompleted, Local: localID, Remote: remoteID, Count: purged,
			DeleteTally: next.DeleteTally, DeleteCount: page.DeleteCount, Watermark: page.Watermark})
		return false, nil
	}

	if next.DeleteTally != page.DeleteCount || next.Cursor < page.Watermark {
		logger.Printf("resync from %s started: applied %d deletions, remote reports %d (cursor %d, watermark %d)",
			remoteID, next.DeleteTally, page.DeleteCount, next.Cursor, page.Watermark)
		tally := next.DeleteTally
		if err := p.beginResync(ctx, &next, page, remoteID); err != nil {
			return false, err
		}
		p.config.emit(Event{Kind: EventResyncStarted, Local: localID, Remote: remoteID,
			DeleteTally: tally, DeleteCount: page.DeleteCount, Watermark: page.Watermark})
		return true, nil
	}

	if err := p.adapter.SavePullState(ctx, remoteID, next); err != nil {
		return false, fmt.Errorf("failed to save pull state: %w", err)
	}
	return false, nil
}

func (p *Puller) beginResync(ctx context.Context, next *PullState, page Page, remoteID schema.RepoPk) error {
	if _, err := p.adapter.MarkPulledAsPushed(ctx); err != nil {
		return fmt.Errorf("failed to mark pulled rows for revalidation: %w", err)
	}
	// Resyncs pending against other remotes lost the rows they had
	// confirmed so far and start their pass over.
	states, err := p.adapter.PullStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pull states: %w", err)
	}
	for id, st := range states {
		if id == remoteID || !st.Resyncing || st.Cursor == 0 {
			continue
		}
		st.Cursor = 0
		if err := p.adapter.SavePullState(ctx, id, st); err != nil {
			return fmt.Errorf("failed to save pull state for %s: %w", id, err)
		}
	}
	next.Resyncing = true
	next.ResyncBaseline = page.DeleteCount
	next.Cursor = 0
	if err := p.adapter.SavePullState(ctx, remoteID, *next); err != nil {
		return fmt.Errorf("failed to save pull state: %w", err)
	}
	return nil
}

// resyncPending reports whether a resync against a remote other than
// remoteID is still pending.
func (p *Puller) resyncPending(ctx context.Context, remoteID schema.RepoPk) (bool, error) {
	states, err := p.adapter.PullStates(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load pull states: %w", err)
	}
	delete(states, remoteID)
	return states.Resyncing(), nil
}
