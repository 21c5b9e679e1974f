package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// MirrorStore is the SQLite mirror adapter. Pull progress is kept as JSON
// in the meta table, one key per remote.
type MirrorStore struct {
	Store
}

var _ deltasync.MirrorAdapter = (*MirrorStore)(nil)

// NewMirrorStore returns a mirror adapter over db. merge resolves pulled
// items against dirty rows; nil means the incoming item wins.
func NewMirrorStore(db *DB, merge schema.MergeFunc) *MirrorStore {
	return &MirrorStore{Store: newStore(db, merge)}
}

func (s *MirrorStore) SelectDirtyItemsToPush(ctx context.Context, limit int) ([]schema.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE sync_status = ?` + orderByAddress
	args := []any{schema.Dirty.String()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select dirty items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *MirrorStore) HasDirty(ctx context.Context) (bool, error) {
	var exists int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM items WHERE sync_status = ?)`, schema.Dirty.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for dirty items: %w", err)
	}
	return exists != 0, nil
}

func (s *MirrorStore) MarkPulledAsPushed(ctx context.Context) (int, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE items SET sync_status = ? WHERE sync_status = ?`,
		schema.Pushed.String(), schema.Pulled.String())
	if err != nil {
		return 0, fmt.Errorf("failed to mark pulled items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *MirrorStore) DeletePushedThrough(ctx context.Context, seq int64) (int, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM items WHERE sync_status = ? AND update_sequence <= ?`, schema.Pushed.String(), seq)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pushed items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *MirrorStore) MarkPushedAsPulled(ctx context.Context, seq int64) (int, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE items SET sync_status = ? WHERE sync_status = ? AND update_sequence > ?`,
		schema.Pulled.String(), schema.Pushed.String(), seq)
	if err != nil {
		return 0, fmt.Errorf("failed to mark pushed items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *MirrorStore) PullState(ctx context.Context, remote schema.RepoPk) (deltasync.PullState, error) {
	var state deltasync.PullState
	raw, err := s.db.GetMeta(ctx, MetaPullState+string(remote))
	if err != nil || raw == "" {
		return state, err
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return state, fmt.Errorf("failed to decode pull state for %s: %w", remote, err)
	}
	return state, nil
}

func (s *MirrorStore) SavePullState(ctx context.Context, remote schema.RepoPk, state deltasync.PullState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode pull state: %w", err)
	}
	return s.db.SetMeta(ctx, MetaPullState+string(remote), string(raw))
}

func (s *MirrorStore) PullStates(ctx context.Context) (deltasync.PullStates, error) {
	raw, err := s.db.ListMeta(ctx, MetaPullState)
	if err != nil {
		return nil, err
	}
	states := make(deltasync.PullStates, len(raw))
	for remote, value := range raw {
		var state deltasync.PullState
		if err := json.Unmarshal([]byte(value), &state); err != nil {
			return nil, fmt.Errorf("failed to decode pull state for %s: %w", remote, err)
		}
		states[schema.RepoPk(remote)] = state
	}
	return states, nil
}
