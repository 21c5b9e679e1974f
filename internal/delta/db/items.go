package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

const (
	counterNextPk       = "next_pk"
	counterLastSequence = "last_sequence"
	counterDeleteCount  = "delete_count"
	counterWatermark    = "watermark"
	itemColumns         = `repo_pk, item_pk, update_sequence, sync_status, is_deleted, payload`
	orderBySequenceAsc  = ` ORDER BY update_sequence ASC, repo_pk ASC, item_pk ASC`
	orderBySequenceDesc = ` ORDER BY update_sequence DESC, repo_pk ASC, item_pk ASC`
	orderByAddress      = ` ORDER BY repo_pk ASC, item_pk ASC`
)

// Store implements the item operations shared by master and mirror
// adapters.
type Store struct {
	db    *DB
	merge schema.MergeFunc
}

func newStore(db *DB, merge schema.MergeFunc) Store {
	if merge == nil {
		merge = schema.TakeIncoming
	}
	return Store{db: db, merge: merge}
}

// DB returns the database behind the store.
func (s *Store) DB() *DB { return s.db }

func (s *Store) PageByUpdateStamp(ctx context.Context, q deltasync.PageQuery) ([]schema.Item, error) {
	conditions, args := filterConditions(q.Filter)
	order := orderBySequenceAsc
	if q.Order == deltasync.Desc {
		conditions = append(conditions, "update_sequence <= ?")
		order = orderBySequenceDesc
	} else {
		conditions = append(conditions, "update_sequence >= ?")
	}
	args = append(args, q.Start)

	query := `SELECT ` + itemColumns + ` FROM items WHERE ` + strings.Join(conditions, " AND ") + order
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to page items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *Store) SelectByPk(ctx context.Context, addr schema.Address) (*schema.Item, error) {
	return selectByPk(ctx, s.db.conn, addr)
}

func (s *Store) InsertOrReplace(ctx context.Context, items []schema.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertItems(ctx, tx, items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) DeleteByPk(ctx context.Context, addrs []schema.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM items WHERE repo_pk = ? AND item_pk = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, addr := range addrs {
		if _, err := stmt.ExecContext(ctx, string(addr.Repo), int64(addr.Item)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", addr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) NextPk(ctx context.Context) (schema.ItemPk, error) {
	var pk int64
	err := s.db.conn.QueryRowContext(ctx, `
	INSERT INTO counters (name, value) VALUES (?, 1)
	ON CONFLICT(name) DO UPDATE SET value = value + 1
	RETURNING value
	`, counterNextPk).Scan(&pk)
	if err != nil {
		return 0, fmt.Errorf("failed to mint item pk: %w", err)
	}
	return schema.ItemPk(pk), nil
}

func (s *Store) Count(ctx context.Context, f deltasync.Filter) (int, error) {
	conditions, args := filterConditions(f)
	query := `SELECT COUNT(*) FROM items`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	var n int
	if err := s.db.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, f deltasync.Filter) ([]schema.Item, error) {
	conditions, args := filterConditions(f)
	query := `SELECT ` + itemColumns + ` FROM items`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += orderByAddress

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *Store) Merge(existing *schema.Item, incoming schema.Item) schema.Item {
	return s.merge(existing, incoming)
}

// filterConditions translates f into SQL conditions and their arguments.
func filterConditions(f deltasync.Filter) ([]string, []any) {
	var conditions []string
	var args []any

	switch f.Deleted {
	case deltasync.OnlyLive:
		conditions = append(conditions, "is_deleted = 0")
	case deltasync.OnlyDeleted:
		conditions = append(conditions, "is_deleted = 1")
	}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, st.String())
		}
		conditions = append(conditions, "sync_status IN ("+strings.Join(placeholders, ", ")+")")
	}

	return conditions, args
}

func upsertItems(ctx context.Context, q querier, items []schema.Item) error {
	query := `
	INSERT INTO items (` + itemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(repo_pk, item_pk) DO UPDATE SET
		update_sequence = excluded.update_sequence,
		sync_status = excluded.sync_status,
		is_deleted = excluded.is_deleted,
		payload = excluded.payload
	`
	for _, item := range items {
		_, err := q.ExecContext(ctx, query,
			string(item.Address.Repo),
			int64(item.Address.Item),
			item.UpdateSequence,
			item.SyncStatus.String(),
			boolToInt(item.IsDeleted),
			item.Payload,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert item %s: %w", item.Address, err)
		}
	}
	return nil
}

func selectByPk(ctx context.Context, q querier, addr schema.Address) (*schema.Item, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE repo_pk = ? AND item_pk = ?`,
		string(addr.Repo), int64(addr.Item))
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", addr, err)
	}
	return item, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*schema.Item, error) {
	var item schema.Item
	var repo, status string
	var itemPk int64
	var deleted int

	if err := row.Scan(&repo, &itemPk, &item.UpdateSequence, &status, &deleted, &item.Payload); err != nil {
		return nil, err
	}
	st, err := schema.ParseSyncStatus(status)
	if err != nil {
		return nil, fmt.Errorf("row %s/%d: %w", repo, itemPk, err)
	}
	item.Address = schema.Address{Repo: schema.RepoPk(repo), Item: schema.ItemPk(itemPk)}
	item.SyncStatus = st
	item.IsDeleted = deleted != 0
	return &item, nil
}

// scanItems is a helper function to scan multiple items from query results.
func scanItems(rows *sql.Rows) ([]schema.Item, error) {
	var items []schema.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
