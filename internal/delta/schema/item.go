package schema

import (
	"bytes"
	"fmt"
	"strings"
)

// SyncStatus is the state of an item relative to the repo it syncs with.
type SyncStatus int

const (
	// Dirty items were created or modified locally and not sent yet.
	Dirty SyncStatus = iota

	// Pushed items were sent upstream; the canonical copy has not come back.
	Pushed

	// Pulled items match the upstream copy.
	Pulled
)

// String returns the lowercase name of the status.
func (s SyncStatus) String() string {
	switch s {
	case Dirty:
		return "dirty"
	case Pushed:
		return "pushed"
	case Pulled:
		return "pulled"
	default:
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
}

// ParseSyncStatus is the inverse of SyncStatus.String.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch strings.ToLower(s) {
	case "dirty":
		return Dirty, nil
	case "pushed":
		return Pushed, nil
	case "pulled":
		return Pulled, nil
	}
	return 0, fmt.Errorf("unknown sync status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s SyncStatus) MarshalText() ([]byte, error) {
	if s < Dirty || s > Pulled {
		return nil, fmt.Errorf("invalid sync status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SyncStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSyncStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Item is one versioned record.
//
// UpdateSequence is assigned by the master when it settles the record; zero
// means no repo has stamped it yet. Payload is opaque to the sync engine and
// only interpreted by merge functions.
type Item struct {
	Address        Address    `json:"address" msgpack:"address"`
	UpdateSequence int64      `json:"update_sequence,omitempty" msgpack:"seq"`
	SyncStatus     SyncStatus `json:"sync_status" msgpack:"status"`
	IsDeleted      bool       `json:"is_deleted,omitempty" msgpack:"deleted"`
	Payload        []byte     `json:"payload,omitempty" msgpack:"payload"`
}

// HasSequence reports whether the item was ever stamped.
func (i Item) HasSequence() bool {
	return i.UpdateSequence != 0
}

// WithAddress returns a copy of i at address a.
func (i Item) WithAddress(a Address) Item {
	i.Address = a
	return i
}

// WithSequence returns a copy of i stamped with seq.
func (i Item) WithSequence(seq int64) Item {
	i.UpdateSequence = seq
	return i
}

// WithStatus returns a copy of i with status s.
func (i Item) WithStatus(s SyncStatus) Item {
	i.SyncStatus = s
	return i
}

// WithDeleted returns a copy of i with the tombstone flag set to deleted.
func (i Item) WithDeleted(deleted bool) Item {
	i.IsDeleted = deleted
	return i
}

// WithPayload returns a copy of i carrying payload.
func (i Item) WithPayload(payload []byte) Item {
	i.Payload = payload
	return i
}

// Clone returns a copy of i that shares no memory with it.
func (i Item) Clone() Item {
	if i.Payload != nil {
		i.Payload = bytes.Clone(i.Payload)
	}
	return i
}

// Equal reports whether two items carry the same address, version and content.
func (i Item) Equal(o Item) bool {
	return i.Address == o.Address &&
		i.UpdateSequence == o.UpdateSequence &&
		i.SyncStatus == o.SyncStatus &&
		i.IsDeleted == o.IsDeleted &&
		bytes.Equal(i.Payload, o.Payload)
}

// Validate checks the fields every stored item must have.
func (i Item) Validate() error {
	if i.Address.Repo == "" {
		return fmt.Errorf("address repo is required")
	}
	if i.Address.Item <= 0 {
		return fmt.Errorf("address item must be positive (got %d)", i.Address.Item)
	}
	if i.SyncStatus < Dirty || i.SyncStatus > Pulled {
		return fmt.Errorf("invalid sync status %d", int(i.SyncStatus))
	}
	if i.UpdateSequence < 0 {
		return fmt.Errorf("update sequence must not be negative (got %d)", i.UpdateSequence)
	}
	return nil
}

// Addresses returns the addresses of items in order.
func Addresses(items []Item) []Address {
	out := make([]Address, len(items))
	for i, item := range items {
		out[i] = item.Address
	}
	return out
}
