package db

import (
	"context"
	"fmt"
	"math"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// MasterStore is the SQLite master adapter.
type MasterStore struct {
	Store
}

var _ deltasync.MasterAdapter = (*MasterStore)(nil)

// NewMasterStore returns a master adapter over db. A nil merge means
// last-writer-wins.
func NewMasterStore(db *DB, merge schema.MergeFunc) *MasterStore {
	return &MasterStore{Store: newStore(db, merge)}
}

// NextUpdateStamp bumps and returns the persisted sequence counter.
func (s *MasterStore) NextUpdateStamp(ctx context.Context) (int64, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	last, err := counter(ctx, tx, counterLastSequence)
	if err != nil {
		return 0, err
	}
	if last == math.MaxInt64 {
		return 0, deltasync.ErrSequenceExhausted
	}
	if err := setCounter(ctx, tx, counterLastSequence, last+1); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return last + 1, nil
}

// SetLastSequence overwrites the sequence counter. It exists for imports
// and tests; moving it backwards breaks every mirror.
func (s *MasterStore) SetLastSequence(ctx context.Context, seq int64) error {
	return setCounter(ctx, s.db.conn, counterLastSequence, seq)
}

func (s *MasterStore) Counters(ctx context.Context) (deltasync.MasterCounters, error) {
	var c deltasync.MasterCounters
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT name, value FROM counters WHERE name IN (?, ?, ?)`,
		counterDeleteCount, counterWatermark, counterLastSequence)
	if err != nil {
		return c, fmt.Errorf("failed to read counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return c, fmt.Errorf("failed to scan counter: %w", err)
		}
		switch name {
		case counterDeleteCount:
			c.DeleteCount = value
		case counterWatermark:
			c.Watermark = value
		case counterLastSequence:
			c.LastSequence = value
		}
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("error iterating counters: %w", err)
	}
	return c, nil
}

func (s *MasterStore) AddDeleteCount(ctx context.Context, n int64) (int64, error) {
	var v int64
	err := s.db.conn.QueryRowContext(ctx, `
	INSERT INTO counters (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = value + excluded.value
	RETURNING value
	`, counterDeleteCount, n).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to bump delete count: %w", err)
	}
	return v, nil
}

// SetWatermark raises the watermark to seq; it never moves backwards.
func (s *MasterStore) SetWatermark(ctx context.Context, seq int64) error {
	_, err := s.db.conn.ExecContext(ctx, `
	INSERT INTO counters (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)
	`, counterWatermark, seq)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}
