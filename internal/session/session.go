// Package session keeps per-client query state between polls.
//
// A client never holds a connection open; it polls. The Registry maps a
// session id to that session's ActiveQueries and drops sessions that stop
// polling, terminating their collectors on the way out.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/metrics"
)

const (
	// DefaultIdleTTL is how long a session survives without polls.
	DefaultIdleTTL = time.Minute
	// DefaultMaxSessions bounds the number of sessions held at once.
	DefaultMaxSessions = 1000
)

// ErrSessionClosed is returned when adding a query to an evicted session.
var ErrSessionClosed = errors.New("session: session closed")

// ID derives a session id from a user token and a client instance id.
func ID(token, instance string) string {
	h := xxhash.New()
	_, _ = h.WriteString(token)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(instance)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ActiveQueries is the set of queries one session is running, by query key.
// Safe for concurrent use.
type ActiveQueries struct {
	queries map[string]*ActiveQuery
	logger  *zap.Logger
	id      string
	closed  bool
	mu      sync.Mutex
}

func newActiveQueries(id string, logger *zap.Logger) *ActiveQueries {
	return &ActiveQueries{
		id:      id,
		queries: make(map[string]*ActiveQuery),
		logger:  logger.With(zap.String("session", id)),
	}
}

// ID returns the session id.
func (a *ActiveQueries) ID() string { return a.id }

// Get returns the query with the given key.
func (a *ActiveQueries) Get(key string) (*ActiveQuery, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queries[key]
	return q, ok
}

// Add stores a query, destroying any query it replaces.
func (a *ActiveQueries) Add(key string, q *ActiveQuery) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrSessionClosed
	}
	old := a.queries[key]
	a.queries[key] = q
	a.mu.Unlock()

	if old != nil && old != q {
		old.Destroy()
	}
	return nil
}

// DestroyUnused removes and destroys every query whose key is not in live,
// returning the removed keys in sorted order.
func (a *ActiveQueries) DestroyUnused(live map[string]bool) []string {
	a.mu.Lock()
	var gone []*ActiveQuery
	var keys []string
	for k, q := range a.queries {
		if !live[k] {
			gone = append(gone, q)
			keys = append(keys, k)
			delete(a.queries, k)
		}
	}
	a.mu.Unlock()

	for _, q := range gone {
		q.Destroy()
	}
	if len(keys) > 0 {
		slices.Sort(keys)
		a.logger.Debug("destroyed unused queries", zap.Strings("keys", keys))
	}
	return keys
}

// Keys returns the query keys in sorted order.
func (a *ActiveQueries) Keys() []string {
	a.mu.Lock()
	keys := maps.Keys(a.queries)
	a.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of queries.
func (a *ActiveQueries) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queries)
}

// Destroy destroys every query and closes the session to new queries.
func (a *ActiveQueries) Destroy() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	gone := maps.Values(a.queries)
	a.queries = make(map[string]*ActiveQuery)
	a.mu.Unlock()

	for _, q := range gone {
		q.Destroy()
	}
	a.logger.Debug("session destroyed", zap.Int("queries", len(gone)))
}

// Registry holds the sessions of all clients. Sessions idle for longer than
// the TTL, or pushed out by the size bound, are destroyed. Safe for
// concurrent use.
type Registry struct {
	cache  *expirable.LRU[string, *ActiveQueries]
	logger *zap.Logger
	mu     sync.Mutex
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger      *zap.Logger
	IdleTTL     time.Duration
	MaxSessions int
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	r := &Registry{logger: cfg.Logger}
	r.cache = expirable.NewLRU[string, *ActiveQueries](cfg.MaxSessions, r.evicted, cfg.IdleTTL)
	return r
}

// evicted runs under the cache lock and must not call back into the cache.
func (r *Registry) evicted(id string, a *ActiveQueries) {
	metrics.ActiveSessions.Dec()
	metrics.SessionEvictions.Inc()
	r.logger.Debug("session evicted", zap.String("session", id))
	a.Destroy()
}

// Get returns the session's queries, creating them if the session is new or
// expired. Every call refreshes the session's idle timer.
func (r *Registry) Get(id string) *ActiveQueries {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.cache.Get(id)
	if !ok {
		// drop an expired entry the sweeper has not reached yet
		r.cache.Remove(id)
		a = newActiveQueries(id, r.logger)
		metrics.ActiveSessions.Inc()
	}
	r.cache.Add(id, a)
	return a
}

// Peek returns the session's queries without creating or refreshing them.
func (r *Registry) Peek(id string) (*ActiveQueries, bool) {
	return r.cache.Peek(id)
}

// Remove destroys a session.
func (r *Registry) Remove(id string) bool {
	return r.cache.Remove(id)
}

// Len returns the number of sessions, including expired ones not yet swept.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close destroys every session.
func (r *Registry) Close() {
	r.cache.Purge()
}
