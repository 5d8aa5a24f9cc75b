package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"github.com/dreamware/sift/internal/storage"
)

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving searches
	ShardStateActive ShardState = "active"
	// ShardStateDraining means the shard accepts no new searches
	ShardStateDraining ShardState = "draining"
)

var (
	// ErrCorruptRecord is reported for stored values that are not JSON objects
	ErrCorruptRecord = errors.New("shard: corrupt record")
	// ErrInvalidKey is returned for empty data source or record keys
	ErrInvalidKey = errors.New("shard: invalid key")
)

// Record is one searchable document.
type Record map[string]any

// Shard is a partition of the records held by a node.
type Shard struct {
	Store storage.Store // The storage backend for this shard
	Stats *ShardStats   // Operation statistics
	State ShardState    // Current shard state
	ID    int           // Unique shard identifier
	mu    sync.RWMutex  // Protects state changes
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     `json:"ops"`     // Operation counts
	Storage storage.StoreStats `json:"storage"` // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 `json:"gets"`    // Number of get operations
	Puts    uint64 `json:"puts"`    // Number of put operations
	Deletes uint64 `json:"deletes"` // Number of delete operations
	Scans   uint64 `json:"scans"`   // Number of scans started
	Scanned uint64 `json:"scanned"` // Records visited by scans
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	State    ShardState     `json:"state"`     // Current state
	Ops      OperationStats `json:"ops"`       // Operation counts
	ID       int            `json:"id"`        // Shard identifier
	KeyCount int            `json:"key_count"` // Number of stored records
	ByteSize int            `json:"byte_size"` // Total encoded size in bytes
}

// NewShard creates a new shard with in-memory storage
func NewShard(id int) *Shard {
	return &Shard{
		ID:    id,
		Store: storage.NewMemoryStore(),
		State: ShardStateActive,
		Stats: &ShardStats{},
	}
}

// recordKey lays out a record under its data source, so a data source can be
// scanned by prefix.
func recordKey(dataSource, key string) (string, error) {
	if dataSource == "" || key == "" || strings.Contains(dataSource, "/") {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, dataSource, key)
	}
	return dataSource + "/" + key, nil
}

// Put stores a record of a data source, replacing any record with the same
// key. Increments the put counter.
//
// Parameters:
//   - dataSource: Data source uuid; must not contain "/"
//   - key: Record key, unique within the data source
//   - rec: Record fields; stored as JSON
//
// Returns:
//   - error: ErrInvalidKey for an empty or malformed key, or an encoding error
func (s *Shard) Put(dataSource, key string, rec Record) error {
	k, err := recordKey(dataSource, key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("shard: encode %s: %w", k, err)
	}
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.Put(k, b)
}

// Get retrieves a record of a data source.
func (s *Shard) Get(dataSource, key string) (Record, error) {
	k, err := recordKey(dataSource, key)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	b, err := s.Store.Get(k)
	if err != nil {
		return nil, err
	}
	return decode(k, b)
}

// Delete removes a record of a data source.
func (s *Shard) Delete(dataSource, key string) error {
	k, err := recordKey(dataSource, key)
	if err != nil {
		return err
	}
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(k)
}

// Scan calls fn for every record of a data source in key order. Corrupt
// records are skipped and reported together in the returned error; an error
// from fn or a done ctx stops the scan and is returned as is.
//
// Parameters:
//   - ctx: Checked before every record
//   - dataSource: Data source whose records are visited
//   - fn: Receives the record key without the data source prefix
//
// Example:
//
//	err := sh.Scan(ctx, "access-logs", func(key string, rec Record) error {
//	    acc.Add(rec)
//	    return nil
//	})
//	if errors.Is(err, ErrCorruptRecord) {
//	    // some records were skipped, the rest were visited
//	}
func (s *Shard) Scan(ctx context.Context, dataSource string, fn func(key string, rec Record) error) error {
	atomic.AddUint64(&s.Stats.Ops.Scans, 1)
	prefix := dataSource + "/"

	var corrupt error
	err := s.Store.Scan(prefix, func(k string, b []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		atomic.AddUint64(&s.Stats.Ops.Scanned, 1)
		rec, err := decode(k, b)
		if err != nil {
			corrupt = multierr.Append(corrupt, err)
			return nil
		}
		return fn(strings.TrimPrefix(k, prefix), rec)
	})
	if err != nil {
		return err
	}
	return corrupt
}

// decode keeps numbers as json.Number so integer values survive untouched.
func decode(key string, b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil || rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptRecord, key)
	}
	return rec, nil
}

// OwnsKey determines if this shard owns a given record key
func (s *Shard) OwnsKey(key string, numShards int) bool {
	return numShards > 0 && ForKey(key, numShards) == s.ID
}

// ForKey returns the shard a record key hashes to. The coordinator routes
// ingestion with it and nodes check ownership with OwnsKey; both must agree,
// so the hash is fixed to xxhash.
//
// Example:
//
//	ForKey("req-42", 8) // same shard on every process
func ForKey(key string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(numShards))
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&s.Stats.Ops.Deletes),
			Scans:   atomic.LoadUint64(&s.Stats.Ops.Scans),
			Scanned: atomic.LoadUint64(&s.Stats.Ops.Scanned),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	stats := s.GetStats()
	return ShardInfo{
		ID:       s.ID,
		State:    s.GetState(),
		Ops:      stats.Ops,
		KeyCount: stats.Storage.Keys,
		ByteSize: stats.Storage.Bytes,
	}
}

// GetState returns the shard state
func (s *Shard) GetState() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}
