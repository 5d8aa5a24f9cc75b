package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/shard"
)

// ErrUnassignedShard is returned when a record key routes to a shard that no
// node owns yet.
var ErrUnassignedShard = errors.New("coordinator: shard not assigned")

// ShardAssignment records which node owns a shard.
type ShardAssignment struct {
	NodeID  string `json:"node_id"`  // Owning node
	ShardID int    `json:"shard_id"` // Shard in [0, NumShards)
}

// ShardRegistry maps shards to nodes for record ingestion. Records route to
// a shard by key hash and to the node that owns that shard. Assignments are
// sticky: once a shard is owned it keeps its owner until that owner is
// removed, so re-ingesting a key always lands on the same node.
type ShardRegistry struct {
	assignments map[int]string // Shard id to owning node id
	mu          sync.RWMutex   // Protects assignments
	numShards   int            // Fixed for the registry's lifetime
}

// NewShardRegistry creates a registry for a fixed number of shards.
func NewShardRegistry(numShards int) *ShardRegistry {
	if numShards <= 0 {
		numShards = 1
	}
	return &ShardRegistry{
		assignments: make(map[int]string),
		numShards:   numShards,
	}
}

// NumShards returns the shard count.
func (r *ShardRegistry) NumShards() int { return r.numShards }

// AssignShard sets the owner of a shard.
func (r *ShardRegistry) AssignShard(shardID int, nodeID string) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[shardID] = nodeID
	return nil
}

// AssignUnowned hands every unowned shard to the given nodes round robin and
// returns the new assignments.
//
// Parameters:
//   - nodes: Candidate owners, in the order they take turns
//
// Returns:
//   - []ShardAssignment: Only the assignments made by this call
func (r *ShardRegistry) AssignUnowned(nodes []string) []ShardAssignment {
	if len(nodes) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ShardAssignment
	next := 0
	for id := 0; id < r.numShards; id++ {
		if _, ok := r.assignments[id]; ok {
			continue
		}
		r.assignments[id] = nodes[next]
		out = append(out, ShardAssignment{ShardID: id, NodeID: nodes[next]})
		next = (next + 1) % len(nodes)
	}
	return out
}

// ReleaseNode drops every assignment owned by the node and returns the
// released shard ids.
func (r *ShardRegistry) ReleaseNode(nodeID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []int
	for id, owner := range r.assignments {
		if owner == nodeID {
			delete(r.assignments, id)
			released = append(released, id)
		}
	}
	slices.Sort(released)
	return released
}

// Assignments returns all assignments ordered by shard id.
func (r *ShardRegistry) Assignments() []ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShardAssignment, 0, len(r.assignments))
	for id, node := range r.assignments {
		out = append(out, ShardAssignment{ShardID: id, NodeID: node})
	}
	slices.SortFunc(out, func(a, b ShardAssignment) int { return a.ShardID - b.ShardID })
	return out
}

// NodeShards returns the shards owned by a node, sorted.
func (r *ShardRegistry) NodeShards(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int
	for id, owner := range r.assignments {
		if owner == nodeID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Route returns the shard and node a record key is stored on.
//
// Parameters:
//   - key: Record key; hashed with shard.ForKey
//
// Returns:
//   - int: Shard the key belongs to
//   - string: Node that owns the shard
//   - error: ErrUnassignedShard while no node owns the shard
//
// Example:
//
//	shardID, nodeID, err := registry.Route("req-42")
//	if errors.Is(err, ErrUnassignedShard) {
//	    // no node has registered yet
//	}
func (r *ShardRegistry) Route(key string) (int, string, error) {
	id := shard.ForKey(key, r.numShards)
	r.mu.RLock()
	node, ok := r.assignments[id]
	r.mu.RUnlock()
	if !ok {
		return id, "", fmt.Errorf("%w: %d", ErrUnassignedShard, id)
	}
	return id, node, nil
}
