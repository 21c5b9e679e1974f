package sync

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Pusher sends dirty rows of a mirror store to a push target.
//
// Rows are only marked pushed locally once the target accepted them, so a
// failed call leaves them dirty and the same batch goes out again next time.
// Accepted tombstones are removed outright: the target either tombstones the
// item or never held it, and in both cases nothing is left to pull back.
// Conflict resolution is the target's job.
type Pusher struct {
	adapter MirrorAdapter
	config  *Config
}

// NewPusher returns a Pusher over adapter.
func NewPusher(adapter MirrorAdapter, config *Config) *Pusher {
	return &Pusher{adapter: adapter, config: config.withDefaults()}
}

// Push sends one batch of dirty rows and reports whether a full batch went
// out, in which case more dirty rows may remain.
func (p *Pusher) Push(ctx context.Context, target PushTarget, localID, remoteID schema.RepoPk) (bool, error) {
	batch := p.config.BatchSize
	dirty, err := p.adapter.SelectDirtyItemsToPush(ctx, batch)
	if err != nil {
		return false, fmt.Errorf("failed to select dirty items: %w", err)
	}
	if len(dirty) == 0 {
		return false, nil
	}

	pushed := make([]schema.Item, len(dirty))
	for i, item := range dirty {
		pushed[i] = item.WithStatus(schema.Pushed)
	}

	if err := target.Push(ctx, schema.Localize(pushed, remoteID, localID)); err != nil {
		return false, fmt.Errorf("failed to push %d items to %s: %w", len(pushed), remoteID, err)
	}

	var live []schema.Item
	var gone []schema.Address
	for _, item := range pushed {
		if item.IsDeleted {
			gone = append(gone, item.Address)
		} else {
			live = append(live, item)
		}
	}
	if len(live) > 0 {
		if err := p.adapter.InsertOrReplace(ctx, live); err != nil {
			return false, fmt.Errorf("failed to mark %d items pushed: %w", len(live), err)
		}
	}
	if len(gone) > 0 {
		if err := p.adapter.DeleteByPk(ctx, gone); err != nil {
			return false, fmt.Errorf("failed to drop %d pushed tombstones: %w", len(gone), err)
		}
	}

	p.config.emit(Event{Kind: EventPushed, Local: localID, Remote: remoteID, Count: len(pushed)})
	return len(dirty) >= batch, nil
}

// PushAll calls Push until no full batch remains.
func (p *Pusher) PushAll(ctx context.Context, target PushTarget, localID, remoteID schema.RepoPk) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := p.Push(ctx, target, localID, remoteID)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
