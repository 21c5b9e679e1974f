// Package jsonl moves repo contents in and out of JSON Lines files, one item
// per line. Exports are used for backups and for seeding new repos.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

// Record is one exported item.
//
// Payload holds the item's payload when it is valid JSON; any other payload
// is carried base64-encoded in RawPayload.
type Record struct {
	Repo       schema.RepoPk   `json:"repo"`
	Item       schema.ItemPk   `json:"item"`
	Sequence   int64           `json:"seq,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RawPayload []byte          `json:"payload_base64,omitempty"`
}

// Address returns the record's address. An empty repo means Local.
func (r Record) Address() schema.Address {
	repo := r.Repo
	if repo == "" {
		repo = schema.Local
	}
	return schema.Address{Repo: repo, Item: r.Item}
}

// RecordFromItem converts item into its exported form.
func RecordFromItem(item schema.Item) Record {
	rec := Record{
		Repo:     item.Address.Repo,
		Item:     item.Address.Item,
		Sequence: item.UpdateSequence,
		Deleted:  item.IsDeleted,
	}
	if len(item.Payload) > 0 {
		if json.Valid(item.Payload) {
			rec.Payload = json.RawMessage(item.Payload)
		} else {
			rec.RawPayload = item.Payload
		}
	}
	return rec
}

// ToItem converts r into a dirty item without a sequence, the form a local
// edit takes.
func (r Record) ToItem() schema.Item {
	item := schema.Item{Address: r.Address(), SyncStatus: schema.Dirty, IsDeleted: r.Deleted}
	switch {
	case len(r.Payload) > 0:
		item.Payload = []byte(r.Payload)
	case len(r.RawPayload) > 0:
		item.Payload = r.RawPayload
	}
	return item
}

// Source is a repo that can be exported.
type Source interface {
	Read(ctx context.Context, fn func(ctx context.Context) error) error
	List(ctx context.Context, includeDeleted bool) ([]schema.Item, error)
}

// Target is a repo that can be imported into. Master and Mirror both
// qualify.
type Target interface {
	Write(ctx context.Context, fn func(ctx context.Context) error) error
	NewPk(ctx context.Context) (schema.Address, error)
	InsertOrReplace(ctx context.Context, items []schema.Item) ([]schema.Item, error)
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	IncludeDeleted bool // Also write tombstones
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Items      int
	Tombstones int
}

// Export writes every item of src to w, one JSON object per line, in
// address order.
func Export(ctx context.Context, w io.Writer, src Source, opts ExportOptions) (*ExportResult, error) {
	var items []schema.Item
	err := src.Read(ctx, func(ctx context.Context) error {
		var err error
		items, err = src.List(ctx, opts.IncludeDeleted)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	result := &ExportResult{}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, item := range items {
		if err := enc.Encode(RecordFromItem(item)); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", item.Address, err)
		}
		if item.IsDeleted {
			result.Tombstones++
		} else {
			result.Items++
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return result, nil
}

// ExportFile is Export into a file at path, replaced atomically.
func ExportFile(ctx context.Context, path string, src Source, opts ExportOptions) (*ExportResult, error) {
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}

	result, err := Export(ctx, f, src, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close export file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Decode reads records from r until EOF.
func Decode(r io.Reader) ([]Record, error) {
	var records []Record
	decoder := json.NewDecoder(r)
	line := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", line+1, err)
		}
		line++

		if rec.Item <= 0 {
			return nil, fmt.Errorf("record %d: item must be positive (got %d)", line, rec.Item)
		}
		records = append(records, rec)
	}

	return records, nil
}

// FromJSONL reads a JSONL file and returns its records
func FromJSONL(path string) ([]Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return Decode(file)
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Count without writing
	Backup    bool   // Copy the input aside first
	BatchSize int    // Items per write (default 500)
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Imported      int
	Remapped      int
	Skipped       int
	BackupCreated string
}

// Import loads a JSONL file into dst as local edits.
//
// Tombstones are skipped. Records addressed to the exporting repo itself
// are given fresh item keys in dst, so they cannot collide with keys dst
// mints later. Records addressed to other repos keep their address.
func Import(ctx context.Context, dst Target, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	records, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var live []Record
	for _, rec := range records {
		if rec.Deleted {
			result.Skipped++
			continue
		}
		live = append(live, rec)
	}

	if opts.DryRun {
		for _, rec := range live {
			if rec.Address().Repo.IsLocal() {
				result.Remapped++
			}
		}
		result.Imported = len(live)
		return result, nil
	}

	for start := 0; start < len(live); start += batchSize {
		end := min(start+batchSize, len(live))
		err := dst.Write(ctx, func(ctx context.Context) error {
			items := make([]schema.Item, 0, end-start)
			for _, rec := range live[start:end] {
				item := rec.ToItem()
				if item.Address.Repo.IsLocal() {
					addr, err := dst.NewPk(ctx)
					if err != nil {
						return err
					}
					item.Address = addr
					result.Remapped++
				}
				items = append(items, item)
			}
			_, err := dst.InsertOrReplace(ctx, items)
			return err
		})
		if err != nil {
			return result, fmt.Errorf("failed to import records %d-%d: %w", start+1, end, err)
		}
		result.Imported += end - start
	}

	return result, nil
}
