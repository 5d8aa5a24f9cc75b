package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/sift/internal/cluster"
)

// HealthStatus is the health state of a node as seen by the monitor.
type HealthStatus string

const (
	// StatusUnknown means the node has not been checked yet
	StatusUnknown HealthStatus = "unknown"
	// StatusHealthy means the last check succeeded
	StatusHealthy HealthStatus = "healthy"
	// StatusUnhealthy means MaxFailures consecutive checks failed
	StatusUnhealthy HealthStatus = "unhealthy"
)

// NodeHealth tracks the health of one node.
type NodeHealth struct {
	LastCheck        time.Time    `json:"last_check"`        // When the last check finished
	LastHealthy      time.Time    `json:"last_healthy"`      // When the node last passed a check
	NodeID           string       `json:"node_id"`           // Node identifier
	Status           HealthStatus `json:"status"`            // Current status
	ConsecutiveFails int          `json:"consecutive_fails"` // Failed checks since the last success
}

// HealthMonitor polls the /health endpoint of every registered node. A node
// is unhealthy after MaxFailures consecutive failed checks and healthy again
// after one successful check. New searches skip unhealthy nodes.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                      // Current health per node
	httpClient  *http.Client                                // Client for /health requests
	checkFunc   func(ctx context.Context, addr string) error // Performs one check
	onUnhealthy func(nodeID string)                         // Run when a node turns unhealthy
	onHealthy   func(nodeID string)                         // Run when a node turns healthy
	logger      *zap.Logger
	ctx         context.Context    // Cancelled by Stop
	cancel      context.CancelFunc // Stops the monitor
	interval    time.Duration      // Time between check rounds
	mu          sync.RWMutex       // Protects nodes
	wg          sync.WaitGroup     // Tracks Start for Stop
	maxFailures int                // Failures before a node is unhealthy
}

// HealthConfig configures a HealthMonitor.
type HealthConfig struct {
	Logger      *zap.Logger
	Interval    time.Duration // Time between check rounds (default 5s)
	Timeout     time.Duration // Timeout of one /health request (default 2s)
	MaxFailures int           // Consecutive failures before a node is unhealthy (default 3)
}

// NewHealthMonitor creates a monitor. Zero config fields take defaults:
// 5s interval, 2s timeout, 3 failures.
//
// Parameters:
//   - cfg: Check interval, request timeout, failure threshold and logger
//
// Returns:
//   - *HealthMonitor: Monitor ready to Start
//
// Example:
//
//	monitor := NewHealthMonitor(HealthConfig{Interval: time.Second, Logger: logger})
//	go monitor.Start(ctx, membership.Nodes)
//	defer monitor.Stop()
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    cfg.Interval,
		maxFailures: cfg.MaxFailures,
		logger:      cfg.Logger,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback run when a node turns unhealthy. The
// callback runs in its own goroutine.
//
// Example:
//
//	monitor.SetOnUnhealthy(func(nodeID string) {
//	    logger.Warn("node excluded from new searches", zap.String("node", nodeID))
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetOnHealthy sets the callback run when a node turns healthy, including
// its first successful check.
func (h *HealthMonitor) SetOnHealthy(callback func(nodeID string)) {
	h.onHealthy = callback
}

// SetCheckFunction replaces the HTTP health check. Used by tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start checks all nodes returned by nodeProvider every interval until ctx
// is done or Stop is called. It blocks. The first round runs immediately.
//
// Parameters:
//   - ctx: Stops the monitor when cancelled
//   - nodeProvider: Returns the nodes to check; called once per round
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.CheckAll(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping")
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopped")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckAll checks every node once and forgets nodes that are no longer
// listed.
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Info("node removed from health monitoring", zap.String("node", id))
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()
	previous := health.Status

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("health check failed",
			zap.String("node", node.ID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max_failures", h.maxFailures),
			zap.Error(err))
		if health.ConsecutiveFails >= h.maxFailures {
			health.Status = StatusUnhealthy
			if previous != StatusUnhealthy {
				h.logger.Warn("node marked unhealthy", zap.String("node", node.ID))
				if h.onUnhealthy != nil {
					go h.onUnhealthy(node.ID)
				}
			}
		}
		return
	}

	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	if previous != StatusHealthy {
		if previous == StatusUnhealthy {
			h.logger.Info("node recovered", zap.String("node", node.ID))
		}
		if h.onHealthy != nil {
			go h.onHealthy(node.ID)
		}
	}
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health, or nil if the node has
// never been checked.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns a copy of every node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}

// IsHealthy reports whether the node passed its last check.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
