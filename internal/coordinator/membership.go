package coordinator

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/cluster"
)

// Membership is the coordinator's view of the cluster: the registered nodes,
// their health and the shards they own. It serves as the node source for new
// searches and as the address resolver for the HTTP dispatcher.
type Membership struct {
	health *HealthMonitor     // Optional; nil treats every node as healthy
	shards *ShardRegistry     // Shard ownership for ingestion
	logger *zap.Logger
	nodes  []cluster.NodeInfo // Registered nodes in registration order
	mu     sync.RWMutex       // Protects nodes
}

// NewMembership creates an empty membership. health may be nil, in which
// case every registered node is considered healthy.
func NewMembership(shards *ShardRegistry, health *HealthMonitor, logger *zap.Logger) *Membership {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Membership{shards: shards, health: health, logger: logger}
}

// Register adds a node or updates its address. New nodes receive any shard
// that has no owner yet; shards that already have an owner stay put.
//
// Parameters:
//   - node: Identifier and base URL the node reported at startup
//
// Example:
//
//	membership.Register(cluster.NodeInfo{ID: "node-1", Addr: "http://10.0.0.5:8081"})
//	shards := membership.Shards().NodeShards("node-1")
func (m *Membership) Register(node cluster.NodeInfo) {
	m.mu.Lock()
	idx := slices.IndexFunc(m.nodes, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
	if idx >= 0 {
		m.nodes[idx] = node
		m.mu.Unlock()
		m.logger.Info("node re-registered", zap.String("node", node.ID), zap.String("addr", node.Addr))
		return
	}
	m.nodes = append(m.nodes, node)
	ids := m.idsLocked()
	m.mu.Unlock()

	m.logger.Info("node registered", zap.String("node", node.ID), zap.String("addr", node.Addr))
	for _, a := range m.shards.AssignUnowned(ids) {
		m.logger.Info("shard assigned", zap.Int("shard", a.ShardID), zap.String("node", a.NodeID))
	}
}

// Remove drops a node. Its shards are handed to the remaining nodes; records
// it held stay on it and are no longer searched.
func (m *Membership) Remove(id string) bool {
	m.mu.Lock()
	idx := slices.IndexFunc(m.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.nodes = slices.Delete(m.nodes, idx, idx+1)
	ids := m.idsLocked()
	m.mu.Unlock()

	released := m.shards.ReleaseNode(id)
	m.shards.AssignUnowned(ids)
	m.logger.Warn("node removed", zap.String("node", id), zap.Ints("released_shards", released))
	return true
}

// Nodes returns the registered nodes.
func (m *Membership) Nodes() []cluster.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.nodes)
}

// Addr returns the base URL of a registered node.
func (m *Membership) Addr(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := slices.IndexFunc(m.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return "", false
	}
	return m.nodes[idx].Addr, true
}

// HealthyNodes returns the ids of registered nodes that are not known to be
// unhealthy, sorted. A node that registered but has not been checked yet is
// eligible.
//
// Returns:
//   - []string: Target nodes for a new search; may be empty
func (m *Membership) HealthyNodes() []string {
	m.mu.RLock()
	ids := m.idsLocked()
	m.mu.RUnlock()
	if m.health == nil {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		if h := m.health.GetNodeHealth(id); h == nil || h.Status != StatusUnhealthy {
			out = append(out, id)
		}
	}
	return out
}

// Shards returns the shard registry.
func (m *Membership) Shards() *ShardRegistry { return m.shards }

func (m *Membership) idsLocked() []string {
	ids := make([]string, len(m.nodes))
	for i, n := range m.nodes {
		ids[i] = n.ID
	}
	slices.Sort(ids)
	return ids
}
