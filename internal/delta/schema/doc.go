// Package schema defines the record format exchanged between delta repos.
//
// # Overview
//
// Every record lives at an Address, a (RepoPk, ItemPk) pair that is unique
// across the whole replication graph. A repo refers to the records it minted
// itself with the Local sentinel instead of its own RepoPk, so its storage
// never depends on which identity it was given. Localize rewrites addresses
// when items cross from one repo to another.
//
// # Sync status
//
// Items carry one of three statuses relative to the upstream repo:
//
//   - dirty  - edited locally, not yet sent upstream
//   - pushed - sent upstream, waiting for the canonical copy to come back
//   - pulled - matches (a possibly merged version of) the upstream copy
//
// Deleted items stay around as tombstones (IsDeleted=true) until the owning
// repo's retention policy removes them.
//
// # Drop-box files
//
// Local edits can also be handed to a running daemon as JSON files:
//
//	{
//	  "repo": "@local",
//	  "item": 42,
//	  "deleted": false,
//	  "payload": {"title": "buy milk"}
//	}
//
// An item value of 0 asks the receiving repo to mint a fresh address.
package schema
