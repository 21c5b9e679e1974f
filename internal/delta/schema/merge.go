package schema

import (
	"encoding/json"
	"fmt"
)

// MergeFunc resolves a write against the stored copy of an item.
// existing is nil when the address is new. The returned item's address,
// sequence and status are overwritten by the caller.
type MergeFunc func(existing *Item, incoming Item) Item

// TakeIncoming is last-writer-wins: the incoming item replaces the stored one.
func TakeIncoming(existing *Item, incoming Item) Item {
	return incoming
}

// MergeJSONObjects merges payloads that are JSON objects field by field.
// Top-level fields of incoming win; fields only present in existing are kept.
// The deleted flag is incoming's, like every other field it carries.
// Non-object payloads fall back to TakeIncoming.
func MergeJSONObjects(existing *Item, incoming Item) Item {
	if existing == nil || len(existing.Payload) == 0 {
		return incoming
	}
	var base, over map[string]json.RawMessage
	if err := json.Unmarshal(existing.Payload, &base); err != nil || base == nil {
		return incoming
	}
	if len(incoming.Payload) > 0 {
		if err := json.Unmarshal(incoming.Payload, &over); err != nil || over == nil {
			return incoming
		}
	}
	for k, v := range over {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return incoming
	}
	return incoming.WithPayload(merged)
}

// MergeByName returns the merge function registered under name.
func MergeByName(name string) (MergeFunc, error) {
	switch name {
	case "", "incoming":
		return TakeIncoming, nil
	case "json":
		return MergeJSONObjects, nil
	}
	return nil, fmt.Errorf("unknown merge strategy %q (want incoming or json)", name)
}
