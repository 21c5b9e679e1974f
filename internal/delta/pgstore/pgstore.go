// Package pgstore keeps a delta master in PostgreSQL through GORM, for
// masters shared by several server processes or too large for SQLite.
//
// Counters are updated with row locks so NextUpdateStamp stays strictly
// increasing across connections.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

const (
	counterNextPk       = "next_pk"
	counterLastSequence = "last_sequence"
	counterDeleteCount  = "delete_count"
	counterWatermark    = "watermark"
)

// itemRow is the delta_items table.
type itemRow struct {
	RepoPk         string `gorm:"primaryKey;column:repo_pk"`
	ItemPk         int64  `gorm:"primaryKey;column:item_pk;autoIncrement:false"`
	UpdateSequence int64  `gorm:"column:update_sequence;not null;index:idx_delta_items_sequence"`
	SyncStatus     string `gorm:"column:sync_status;not null"`
	IsDeleted      bool   `gorm:"column:is_deleted;not null;index"`
	Payload        []byte `gorm:"column:payload"`
}

func (itemRow) TableName() string { return "delta_items" }

// counterRow is the delta_counters table.
type counterRow struct {
	Name  string `gorm:"primaryKey;column:name"`
	Value int64  `gorm:"column:value;not null"`
}

func (counterRow) TableName() string { return "delta_counters" }

// Config holds connection settings.
type Config struct {
	// DSN is a PostgreSQL connection string.
	DSN string

	// Merge resolves writes against stored items (default: last writer wins).
	Merge schema.MergeFunc

	// Logger receives slow-query and error reports (default: stderr logger)
	Logger *log.Logger
}

// Store is a master adapter over PostgreSQL.
type Store struct {
	db    *gorm.DB
	merge schema.MergeFunc
}

var _ deltasync.MasterAdapter = (*Store)(nil)

// Open connects to PostgreSQL and migrates the schema.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[pgstore] ", log.LstdFlags)
	}
	if config.Merge == nil {
		config.Merge = schema.TakeIncoming
	}

	db, err := gorm.Open(postgres.Open(config.DSN), &gorm.Config{
		Logger: logger.New(config.Logger, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&itemRow{}, &counterRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db, merge: config.Merge}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) PageByUpdateStamp(ctx context.Context, q deltasync.PageQuery) ([]schema.Item, error) {
	tx := applyFilter(s.db.WithContext(ctx).Model(&itemRow{}), q.Filter)
	if q.Order == deltasync.Desc {
		tx = tx.Where("update_sequence <= ?", q.Start).
			Order("update_sequence DESC, repo_pk ASC, item_pk ASC")
	} else {
		tx = tx.Where("update_sequence >= ?", q.Start).
			Order("update_sequence ASC, repo_pk ASC, item_pk ASC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []itemRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to page items: %w", err)
	}
	return toItems(rows)
}

func (s *Store) SelectByPk(ctx context.Context, addr schema.Address) (*schema.Item, error) {
	var row itemRow
	err := s.db.WithContext(ctx).
		Where("repo_pk = ? AND item_pk = ?", string(addr.Repo), int64(addr.Item)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", addr, err)
	}
	item, err := row.toItem()
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) InsertOrReplace(ctx context.Context, items []schema.Item) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]itemRow, len(items))
	for i, item := range items {
		rows[i] = fromItem(item)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "repo_pk"}, {Name: "item_pk"}},
		UpdateAll: true,
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %d items: %w", len(rows), err)
	}
	return nil
}

func (s *Store) DeleteByPk(ctx context.Context, addrs []schema.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, addr := range addrs {
			err := tx.Where("repo_pk = ? AND item_pk = ?", string(addr.Repo), int64(addr.Item)).
				Delete(&itemRow{}).Error
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", addr, err)
			}
		}
		return nil
	})
}

func (s *Store) NextPk(ctx context.Context) (schema.ItemPk, error) {
	v, err := s.addCounter(ctx, counterNextPk, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to mint item pk: %w", err)
	}
	return schema.ItemPk(v), nil
}

func (s *Store) Count(ctx context.Context, f deltasync.Filter) (int, error) {
	var n int64
	if err := applyFilter(s.db.WithContext(ctx).Model(&itemRow{}), f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return int(n), nil
}

func (s *Store) List(ctx context.Context, f deltasync.Filter) ([]schema.Item, error) {
	var rows []itemRow
	err := applyFilter(s.db.WithContext(ctx).Model(&itemRow{}), f).
		Order("repo_pk ASC, item_pk ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return toItems(rows)
}

func (s *Store) Merge(existing *schema.Item, incoming schema.Item) schema.Item {
	return s.merge(existing, incoming)
}

// NextUpdateStamp bumps the sequence counter under a row lock.
func (s *Store) NextUpdateStamp(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&counterRow{Name: counterLastSequence}).Error; err != nil {
			return err
		}
		var row counterRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", counterLastSequence).Take(&row).Error; err != nil {
			return err
		}
		if row.Value == math.MaxInt64 {
			return deltasync.ErrSequenceExhausted
		}
		next = row.Value + 1
		return tx.Model(&counterRow{}).Where("name = ?", counterLastSequence).Update("value", next).Error
	})
	if errors.Is(err, deltasync.ErrSequenceExhausted) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to compute next update stamp: %w", err)
	}
	return next, nil
}

func (s *Store) Counters(ctx context.Context) (deltasync.MasterCounters, error) {
	var c deltasync.MasterCounters
	var rows []counterRow
	err := s.db.WithContext(ctx).
		Where("name IN ?", []string{counterDeleteCount, counterWatermark, counterLastSequence}).
		Find(&rows).Error
	if err != nil {
		return c, fmt.Errorf("failed to read counters: %w", err)
	}
	for _, row := range rows {
		switch row.Name {
		case counterDeleteCount:
			c.DeleteCount = row.Value
		case counterWatermark:
			c.Watermark = row.Value
		case counterLastSequence:
			c.LastSequence = row.Value
		}
	}
	return c, nil
}

func (s *Store) AddDeleteCount(ctx context.Context, n int64) (int64, error) {
	v, err := s.addCounter(ctx, counterDeleteCount, n)
	if err != nil {
		return 0, fmt.Errorf("failed to bump delete count: %w", err)
	}
	return v, nil
}

// SetWatermark raises the watermark to seq; it never moves backwards.
func (s *Store) SetWatermark(ctx context.Context, seq int64) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value": gorm.Expr("GREATEST(delta_counters.value, EXCLUDED.value)"),
		}),
	}).Create(&counterRow{Name: counterWatermark, Value: seq}).Error
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// addCounter adds n to a named counter and returns the new value.
func (s *Store) addCounter(ctx context.Context, name string, n int64) (int64, error) {
	var v int64
	err := s.db.WithContext(ctx).Raw(`
	INSERT INTO delta_counters (name, value) VALUES (?, ?)
	ON CONFLICT (name) DO UPDATE SET value = delta_counters.value + EXCLUDED.value
	RETURNING value
	`, name, n).Scan(&v).Error
	return v, err
}

func applyFilter(tx *gorm.DB, f deltasync.Filter) *gorm.DB {
	switch f.Deleted {
	case deltasync.OnlyLive:
		tx = tx.Where("is_deleted = ?", false)
	case deltasync.OnlyDeleted:
		tx = tx.Where("is_deleted = ?", true)
	}
	if len(f.Statuses) > 0 {
		names := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			names[i] = st.String()
		}
		tx = tx.Where("sync_status IN ?", names)
	}
	return tx
}

func fromItem(item schema.Item) itemRow {
	return itemRow{
		RepoPk:         string(item.Address.Repo),
		ItemPk:         int64(item.Address.Item),
		UpdateSequence: item.UpdateSequence,
		SyncStatus:     item.SyncStatus.String(),
		IsDeleted:      item.IsDeleted,
		Payload:        item.Payload,
	}
}

func (r itemRow) toItem() (schema.Item, error) {
	st, err := schema.ParseSyncStatus(r.SyncStatus)
	if err != nil {
		return schema.Item{}, fmt.Errorf("row %s/%d: %w", r.RepoPk, r.ItemPk, err)
	}
	return schema.Item{
		Address:        schema.Address{Repo: schema.RepoPk(r.RepoPk), Item: schema.ItemPk(r.ItemPk)},
		UpdateSequence: r.UpdateSequence,
		SyncStatus:     st,
		IsDeleted:      r.IsDeleted,
		Payload:        r.Payload,
	}, nil
}

func toItems(rows []itemRow) ([]schema.Item, error) {
	items := make([]schema.Item, 0, len(rows))
	for _, r := range rows {
		item, err := r.toItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
