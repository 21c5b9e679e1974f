package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ItemFile is the JSON form of a local edit dropped into a daemon's inbox.
type ItemFile struct {
	Repo    RepoPk          `json:"repo,omitempty"`
	Item    ItemPk          `json:"item,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the file describes a usable edit.
func (f *ItemFile) Validate() error {
	if f.Item < 0 {
		return fmt.Errorf("item must not be negative (got %d)", f.Item)
	}
	if f.Item == 0 && f.Deleted {
		return fmt.Errorf("a delete needs an item")
	}
	if f.Item == 0 && f.Repo != "" && !f.Repo.IsLocal() {
		return fmt.Errorf("new items can only be minted locally (repo %q)", f.Repo)
	}
	if len(f.Payload) > 0 && !json.Valid(f.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// IsNew reports whether the receiving repo has to mint an address.
func (f *ItemFile) IsNew() bool {
	return f.Item == 0
}

// Address returns the address the file refers to. An empty repo means Local.
func (f *ItemFile) Address() Address {
	repo := f.Repo
	if repo == "" {
		repo = Local
	}
	return Address{Repo: repo, Item: f.Item}
}

// ToItem converts the file into a dirty item at addr.
// The payload is stored in compact form.
func (f *ItemFile) ToItem(addr Address) Item {
	item := Item{
		Address:    addr,
		SyncStatus: Dirty,
		IsDeleted:  f.Deleted,
	}
	if len(f.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, f.Payload); err == nil {
			item.Payload = buf.Bytes()
		} else {
			item.Payload = bytes.Clone(f.Payload)
		}
	}
	return item
}

// ReadItemFile reads and validates an item file.
func ReadItemFile(path string) (*ItemFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read item file %s: %w", path, err)
	}

	var f ItemFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse item file %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid item file %s: %w", path, err)
	}

	return &f, nil
}

// WriteItemFile writes f into dir under name (a .json suffix is added when
// missing) and returns the full path.
func WriteItemFile(dir, name string, f *ItemFile) (string, error) {
	if err := f.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid item file: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create inbox directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal item file: %w", err)
	}

	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	path := filepath.Join(dir, name)
	// Write to a temp name first so a watcher never sees a half-written file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write item file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move item file into place: %w", err)
	}
	return path, nil
}

// IsItemFile reports whether path names an item file.
func IsItemFile(path string) bool {
	return strings.HasSuffix(path, ".json")
}

// ListItemFiles returns the item files in dir sorted by name.
// A missing directory yields no files.
func ListItemFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read inbox directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !IsItemFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}
