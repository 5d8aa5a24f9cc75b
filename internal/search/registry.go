package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/metrics"
)

// ErrUnknownCollector is returned when a callback names a collector that is
// not registered, usually because it was already terminated.
var ErrUnknownCollector = errors.New("search: unknown collector")

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger       *zap.Logger
	Now          func() time.Time
	KeepAliveTTL time.Duration // zero disables reaping
	ReapInterval time.Duration
}

type registryEntry struct {
	collector *Collector
	touched   time.Time
}

// Registry maps collector ids to running collectors so node callbacks can
// be routed to them. It also tracks a keep-alive timestamp per collector and
// terminates collectors that nobody reads anymore.
type Registry struct {
	entries  map[string]*registryEntry
	logger   *zap.Logger
	now      func() time.Time
	ttl      time.Duration
	interval time.Duration
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	return &Registry{
		entries:  make(map[string]*registryEntry),
		logger:   cfg.Logger,
		now:      cfg.Now,
		ttl:      cfg.KeepAliveTTL,
		interval: cfg.ReapInterval,
	}
}

// Register adds a collector, replacing any collector with the same id.
func (r *Registry) Register(c *Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c.ID()]; !ok {
		metrics.ActiveCollectors.Inc()
	}
	r.entries[c.ID()] = &registryEntry{collector: c, touched: r.now()}
}

// Lookup returns the collector with the given id.
func (r *Registry) Lookup(id string) (*Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.collector, true
}

// Remove drops a collector. It does not terminate it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		delete(r.entries, id)
		metrics.ActiveCollectors.Dec()
	}
}

// Touch refreshes the keep-alive timestamp of a collector.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		e.touched = r.now()
	}
	return ok
}

// Len returns the number of registered collectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CollectorInfo describes a registered collector for monitoring.
type CollectorInfo struct {
	ID       string      `json:"id"`
	QueryKey string      `json:"query_key"`
	State    string      `json:"state"`
	Touched  time.Time   `json:"touched"`
	Nodes    []NodeState `json:"nodes"`
}

// List describes every registered collector, sorted by id.
func (r *Registry) List() []CollectorInfo {
	r.mu.RLock()
	entries := make([]registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *e)
	}
	r.mu.RUnlock()

	out := make([]CollectorInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, CollectorInfo{
			ID:       e.collector.ID(),
			QueryKey: e.collector.Task().QueryKey,
			State:    e.collector.State().String(),
			Touched:  e.touched,
			Nodes:    e.collector.Nodes(),
		})
	}
	slices.SortFunc(out, func(a, b CollectorInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Deliver routes a node result to its collector.
func (r *Registry) Deliver(id, node string, res *NodeResult) error {
	c, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	}
	c.OnSuccess(node, res)
	return nil
}

// Fail routes a node failure to its collector.
func (r *Registry) Fail(id, node string, err error) error {
	c, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	}
	c.OnFailure(node, err)
	return nil
}

// Reap terminates collectors whose keep-alive is older than the TTL and
// returns how many were terminated.
func (r *Registry) Reap() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	var stale []*Collector
	r.mu.RLock()
	for _, e := range r.entries {
		if e.touched.Before(cutoff) {
			stale = append(stale, e.collector)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Info("terminating abandoned collector", zap.String("collector_id", c.ID()))
		c.Terminate()
	}
	return len(stale)
}

// Run reaps abandoned collectors every reap interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Debug("reaped collectors", zap.Int("count", n))
			}
		}
	}
}
