package sync

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// evict removes the oldest tombstones until at most MaxRetainedTombstones
// remain, advancing the watermark to the highest evicted sequence.
func (m *Master) evict(ctx context.Context) (int, error) {
	limit := m.config.MaxRetainedTombstones
	evicted := 0
	var watermark int64

	for {
		n, err := m.adapter.Count(ctx, Filter{Deleted: OnlyDeleted})
		if err != nil {
			return evicted, fmt.Errorf("failed to count tombstones: %w", err)
		}
		excess := n - limit
		if excess <= 0 {
			break
		}

		oldest, err := m.adapter.PageByUpdateStamp(ctx, PageQuery{
			Order:  Asc,
			Limit:  min(excess, m.config.BatchSize),
			Filter: Filter{Deleted: OnlyDeleted},
		})
		if err != nil {
			return evicted, fmt.Errorf("failed to page tombstones: %w", err)
		}
		if len(oldest) == 0 {
			break
		}

		watermark = oldest[len(oldest)-1].UpdateSequence
		// Raise the watermark before the rows disappear so no reader can
		// see a missing tombstone without it.
		if err := m.adapter.SetWatermark(ctx, watermark); err != nil {
			return evicted, fmt.Errorf("failed to advance watermark: %w", err)
		}
		addrs := schema.Addresses(oldest)
		if err := m.adapter.DeleteByPk(ctx, addrs); err != nil {
			return evicted, fmt.Errorf("failed to evict %d tombstones: %w", len(addrs), err)
		}
		evicted += len(addrs)
	}

	if evicted > 0 {
		m.config.Logger.Printf("Evicted %d tombstones from %s (watermark %d)", evicted, m.id, watermark)
		m.config.emit(Event{Kind: EventEvicted, Local: m.id, Count: evicted, Watermark: watermark})
	}
	return evicted, nil
}
