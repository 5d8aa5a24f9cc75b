// Package storage provides the raw key-value storage behind each node shard.
//
// # Overview
//
// Store is the smallest interface a shard needs: point reads and writes, a
// prefix scan in key order, and size statistics. Keys are opaque strings
// and values opaque bytes; the shard package decides what they mean.
//
// # Key Layout
//
// The shard package lays out records as "<data source uuid>/<record key>"
// so that all records of one data source can be visited with a prefix Scan:
//
//	Scan("access-logs/", fn)
//	  access-logs/req-00  ✓
//	  access-logs/req-01  ✓
//	  audit/evt-9         ✗ (other prefix)
//
// # Copy Semantics
//
// Values are stored and returned as copies, so callers can never alias the
// store's memory. A caller may reuse its buffer right after Put, and may
// modify what Get or Scan hand back without affecting the store.
//
// # MemoryStore
//
// MemoryStore is the only implementation. It keeps everything in a map
// guarded by a sync.RWMutex:
//
//   - Get takes the read lock and clones the value
//   - Put and Delete take the write lock and adjust the byte count by the
//     difference, so Stats never walks the map
//   - Scan collects the matching keys and values under the read lock, sorts
//     the keys, releases the lock, and only then calls the visitor
//
// Because the visitor runs without the lock, it may write to the same store;
// writes made during a scan are not seen by that scan.
//
// # Errors
//
// Get returns ErrKeyNotFound for a missing key. Delete of a missing key is a
// no-op. Scan returns the first error its visitor returns and stops there.
//
// # Usage
//
//	store := NewMemoryStore()
//	_ = store.Put("access-logs/req-00", []byte(`{"host":"alpha"}`))
//	_ = store.Scan("access-logs/", func(key string, value []byte) error {
//	    fmt.Println(key, len(value))
//	    return nil
//	})
//	stats := store.Stats() // {Keys: 1, Bytes: 16}
package storage
