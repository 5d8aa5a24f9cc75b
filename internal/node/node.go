package node

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/shard"
)

// Node holds the shards assigned to one execution node and the executor
// that searches them.
type Node struct {
	shards   map[int]*shard.Shard
	executor *Executor
	logger   *zap.Logger

	ID string

	mu sync.RWMutex
}

// NewNode creates a node with no shards.
func NewNode(id string, logger *zap.Logger, batchSize int) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		ID:     id,
		shards: make(map[int]*shard.Shard),
		logger: logger.With(zap.String("node", id)),
	}
	n.executor = NewExecutor(ExecutorConfig{
		Shards:    n.Shards,
		Logger:    n.logger,
		BatchSize: batchSize,
	})
	return n
}

// AddShard adds or replaces a shard.
func (n *Node) AddShard(s *shard.Shard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[s.ID] = s
}

// GetShard returns the shard with the given id, or nil.
func (n *Node) GetShard(id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[id]
}

// EnsureShard returns the shard with the given id, creating it on first use.
// The coordinator routes records by key, so a node learns which shards it
// owns from the writes it receives.
func (n *Node) EnsureShard(id int) *shard.Shard {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.shards[id]
	if !ok {
		n.logger.Info("creating shard", zap.Int("shard", id))
		s = shard.NewShard(id)
		n.shards[id] = s
	}
	return s
}

// Shards returns the node's shards ordered by id.
func (n *Node) Shards() []*shard.Shard {
	n.mu.RLock()
	out := make([]*shard.Shard, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s)
	}
	n.mu.RUnlock()
	slices.SortFunc(out, func(a, b *shard.Shard) int { return a.ID - b.ID })
	return out
}

// Info describes the node and its shards.
func (n *Node) Info() Info {
	info := Info{ID: n.ID, Running: n.executor.Running()}
	for _, s := range n.Shards() {
		info.Shards = append(info.Shards, s.Info())
	}
	return info
}

// Executor returns the node's task executor.
func (n *Node) Executor() *Executor { return n.executor }

// Info is the JSON view of a node.
type Info struct {
	ID      string            `json:"id"`
	Shards  []shard.ShardInfo `json:"shards"`
	Running []string          `json:"running"`
}
