// Package sync implements the delta-synchronization protocol between one
// master and any number of mirrors.
//
// Overview
//
// The master owns the canonical copy of every item. It stamps each accepted
// write with a strictly increasing update sequence and keeps deleted items
// as tombstones for a bounded window. Mirrors keep a partial replica, take
// local edits as dirty rows, push them upstream and pull back everything
// newer than their cursor, one page at a time.
//
// Architecture
//
//	  Mirror                               Master
//	  ------                               ------
//	  InsertOrReplace / DeleteByPk         InsertOrReplace / DeleteByPk
//	        |  (dirty rows)                       |
//	      Pusher ---- Push(items) ------------> merge, stamp, pulled
//	                                              |
//	      Puller <--- Page(cursor+1) ---------- items + delete count
//	        |                                   + watermark
//	  apply, advance cursor,
//	  compare deletion tally
//
// Missed deletions
//
// A master evicts its oldest tombstones once more than
// Config.MaxRetainedTombstones exist. A mirror that polls too rarely can
// therefore miss a deletion. It notices because the number of tombstones it
// applied no longer matches the master's delete count (or its cursor is
// below the master's watermark). It then resyncs: pulled rows are demoted to
// pushed, the cursor restarts at zero, and rows still pushed after a clean
// pass are removed. A resync is normal control flow; it is logged and
// reported to the Observer, never returned as an error.
//
// Usage
//
//	master := sync.NewMaster(masterID, masterStore, cfg)
//	mirror := sync.NewMirror(mirrorID, mirrorStore, cfg)
//
//	err := mirror.Write(ctx, func(ctx context.Context) error {
//	    addr, err := mirror.NewPk(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    _, err = mirror.InsertOrReplace(ctx, []schema.Item{{Address: addr, Payload: data}})
//	    return err
//	})
//
//	// push dirty rows, then pull until drained
//	err = mirror.Sync(ctx, master)
//
// Error Handling
//
// Storage and transport failures are returned and the call can be repeated
// as is. Caller bugs (pulling with dirty rows, inserting a deleted item into
// the master, running out of sequence numbers, missing guard scopes) panic
// with *ContractError or *guard.ScopeError.
//
// Concurrency
//
// Each repo has one guard.Lock. All methods assert the scope they need, so
// callers wrap them in Read or Write. Mirror.Sync takes the upstream's
// write scope before its own when the upstream is in-process.
package sync
