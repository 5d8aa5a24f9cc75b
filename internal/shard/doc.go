// Package shard partitions the records an execution node holds.
//
// # Overview
//
// Every record sift can search lives in exactly one shard. The number of
// shards is fixed for the life of a cluster; the coordinator decides which
// node owns each shard and every node keeps one Shard value per shard it
// owns. A shard is a thin layer over a storage.Store that knows about data
// sources, JSON records and operation counters.
//
// # Record Layout
//
// A record belongs to one data source and is stored as JSON under
// "<data source>/<record key>":
//
//	data source   record key     storage key
//	access-logs   req-00         access-logs/req-00
//	access-logs   req-01         access-logs/req-01
//	audit         evt-9          audit/evt-9
//
// A data source uuid may not contain "/" and neither part may be empty, so
// the layout is unambiguous and one data source is one key prefix.
//
// # Key Distribution
//
// Records are assigned to shards by hashing their key (xxhash modulo the
// shard count):
//
//	shard = xxhash64(key) % numShards
//
// The coordinator uses ForKey to route ingestion and each node only stores
// what it owns; OwnsKey applies the same function on the node side. The data
// source is not part of the hash, so the same key of two data sources lands
// on the same shard.
//
// # Scanning
//
// Search tasks read a shard through Scan, which visits the records of one
// data source in key order. Numbers decode as json.Number so that integers
// round-trip exactly. Records that fail to decode are skipped and reported
// back to the caller as ErrCorruptRecord, combined with multierr; the scan
// itself carries on. An error returned by the visitor, or a cancelled
// context, stops the scan at once.
//
//	err := sh.Scan(ctx, "access-logs", func(key string, rec Record) error {
//	    if task.Matches(rec) {
//	        acc.Add(rec)
//	    }
//	    return nil
//	})
//
// # States
//
//	┌────────┐  SetState(Draining)  ┌──────────┐
//	│ active │─────────────────────▶│ draining │
//	└────────┘                      └──────────┘
//
// Only active shards are scanned by new tasks. Reads and writes are not
// gated by state.
//
// # Statistics
//
// Every shard keeps atomic operation counters for monitoring; reading them
// never blocks writers. GetStats combines them with the store's key and
// byte counts, and Info adds the shard id and state for the node's /info
// endpoint.
//
// # Thread Safety
//
// Shard methods are safe for concurrent use. State changes take a short
// lock; counters are atomic; concurrency of the records themselves is the
// store's concern.
package shard
