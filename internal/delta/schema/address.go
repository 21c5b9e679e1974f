package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RepoPk identifies a repo (master or mirror) in the replication graph.
type RepoPk string

// Local is the RepoPk a repo uses for records it minted itself.
// It never leaves the owning repo; Localize replaces it on the way out.
const Local RepoPk = "@local"

// NewRepoPk mints a fresh repo identity.
func NewRepoPk() RepoPk {
	return RepoPk(uuid.NewString())
}

// IsLocal reports whether r is the Local sentinel.
func (r RepoPk) IsLocal() bool {
	return r == Local
}

// ItemPk is a repo-local, monotonically increasing key.
type ItemPk int64

// Address is the global primary key of an item.
// Two items with equal addresses are the same logical item.
type Address struct {
	Repo RepoPk `json:"repo" msgpack:"repo"`
	Item ItemPk `json:"item" msgpack:"item"`
}

// String renders the address as repo/item.
func (a Address) String() string {
	return fmt.Sprintf("%s/%d", a.Repo, a.Item)
}

// ParseAddress parses the repo/item form produced by Address.String.
// A bare number is read as an item minted by the local repo.
func ParseAddress(s string) (Address, error) {
	repo, item := string(Local), s
	if i := strings.LastIndex(s, "/"); i >= 0 {
		repo, item = s[:i], s[i+1:]
	}
	if repo == "" {
		return Address{}, fmt.Errorf("address %q has an empty repo", s)
	}
	n, err := strconv.ParseInt(item, 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("address %q has an invalid item: %w", s, err)
	}
	if n <= 0 {
		return Address{}, fmt.Errorf("address %q: item must be positive", s)
	}
	return Address{Repo: RepoPk(repo), Item: ItemPk(n)}, nil
}

// Localize rewrites item addresses from the frame of remoteID into the
// frame of localID and returns new items; the input is left untouched.
//
// Addresses tagged Local (minted by the remote) become remoteID, and
// addresses tagged localID (our own records, as the remote knows them)
// become Local. Addresses tagged remoteID cannot appear in a batch coming
// from remoteID; they are mapped to localID so the rewrite is a permutation
// and Localize(Localize(items, a, b), b, a) returns the original items.
//
// Pulling uses Localize(items, local, remote). Pushing uses
// Localize(items, remote, local).
//
// Passing equal ids, or the Local sentinel as either id, panics.
func Localize(items []Item, localID, remoteID RepoPk) []Item {
	if localID == remoteID || localID.IsLocal() || remoteID.IsLocal() || localID == "" || remoteID == "" {
		panic(fmt.Sprintf("schema: invalid localization pair (%q, %q)", localID, remoteID))
	}
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = item.WithAddress(LocalizeAddress(item.Address, localID, remoteID))
	}
	return out
}

// LocalizeAddress applies the Localize rewrite to a single address.
func LocalizeAddress(a Address, localID, remoteID RepoPk) Address {
	switch a.Repo {
	case Local:
		a.Repo = remoteID
	case localID:
		a.Repo = Local
	case remoteID:
		a.Repo = localID
	}
	return a
}
