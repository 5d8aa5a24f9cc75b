package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/metrics"
	"github.com/dreamware/sift/internal/resultstore"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("search: collector already started")
	// ErrTerminated is returned when starting a terminated collector
	ErrTerminated = errors.New("search: collector terminated")
	// ErrUnknownComponent is returned by Data for a key the query does not have
	ErrUnknownComponent = errors.New("search: unknown component")
)

// State is the lifecycle state of a Collector.
type State int

const (
	StateCreated State = iota
	StateDispatched
	StateReceiving
	StateCompleting
	StateComplete
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatched:
		return "dispatched"
	case StateReceiving:
		return "receiving"
	case StateCompleting:
		return "completing"
	case StateComplete:
		return "complete"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// NodeState is a point-in-time view of one target node.
type NodeState struct {
	LastSeen  time.Time `json:"last_seen"`
	Node      string    `json:"node"`
	Errors    []string  `json:"errors,omitempty"`
	Remaining bool      `json:"remaining"`
}

type nodeState struct {
	lastSeen  time.Time
	errs      error
	remaining bool
}

// CollectorConfig configures a Collector. Task, Handler and Dispatcher are required.
type CollectorConfig struct {
	Task         Task
	Nodes        []string
	Handler      *coprocessor.ResultHandler
	Dispatcher   Dispatcher
	Registry     *Registry  // optional, routes callbacks by id
	Canceller    *Canceller // optional, receives cancellations on Terminate
	Fields       map[coprocessor.Key][]format.Field
	DrainTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Collector executes one search task across a set of nodes and merges the
// results they report into the query's coprocessors.
//
// Lifecycle: created, dispatched, receiving, completing, complete. Terminate
// moves any non-terminal collector to terminated; callbacks arriving after
// that are ignored.
type Collector struct {
	handler    *coprocessor.ResultHandler
	dispatcher Dispatcher
	registry   *Registry
	canceller  *Canceller
	completion *Completion
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time
	nodes      map[string]*nodeState
	fields     map[coprocessor.Key][]format.Field
	task       Task
	names      []string
	drain      time.Duration
	remaining  int
	state      State
	terminated bool
	mu         sync.Mutex
}

// NewCollector creates a collector in the created state.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Task.ID == "" {
		return nil, errors.New("search: collector requires a task id")
	}
	if cfg.Handler == nil || cfg.Dispatcher == nil {
		return nil, errors.New("search: collector requires a result handler and a dispatcher")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		task:       cfg.Task,
		handler:    cfg.Handler,
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		canceller:  cfg.Canceller,
		fields:     cfg.Fields,
		completion: NewCompletion(),
		drain:      cfg.DrainTimeout,
		now:        cfg.Now,
		ctx:        ctx,
		cancel:     cancel,
		nodes:      make(map[string]*nodeState, len(cfg.Nodes)),
		logger:     cfg.Logger.With(zap.String("collector_id", cfg.Task.ID), zap.String("query_key", cfg.Task.QueryKey)),
	}
	started := c.now()
	for _, n := range cfg.Nodes {
		if _, dup := c.nodes[n]; dup {
			continue
		}
		c.nodes[n] = &nodeState{lastSeen: started, remaining: true}
		c.names = append(c.names, n)
	}
	slices.Sort(c.names)
	c.remaining = len(c.names)
	return c, nil
}

// ID returns the collector id, which is also the task id.
func (c *Collector) ID() string { return c.task.ID }

// Task returns the task the collector executes.
func (c *Collector) Task() Task { return c.task }

// Start registers the collector and submits its task to the target nodes.
// It returns once the task is submitted.
func (c *Collector) Start() error {
	c.mu.Lock()
	switch {
	case c.terminated:
		c.mu.Unlock()
		return ErrTerminated
	case c.state != StateCreated:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateDispatched
	empty := c.remaining == 0
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.Register(c)
	}
	if empty {
		c.logger.Warn("no target nodes, completing immediately")
		c.mu.Lock()
		c.state = StateCompleting
		c.mu.Unlock()
		c.complete()
		return nil
	}

	c.logger.Debug("dispatching task", zap.Strings("nodes", c.names))
	if err := c.dispatcher.Dispatch(c.ctx, c.task, c.names, c); err != nil {
		c.logger.Warn("dispatch failed", zap.Error(err))
		for _, n := range c.names {
			c.OnFailure(n, fmt.Errorf("dispatch: %w", err))
		}
	}
	return nil
}

// OnSuccess merges one result message from a node.
func (c *Collector) OnSuccess(node string, res *NodeResult) {
	if res == nil {
		return
	}
	c.mu.Lock()
	ns, ok := c.nodes[node]
	if c.terminated || !ok {
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("result from unexpected node", zap.String("node", node))
		}
		return
	}
	ns.lastSeen = c.now()
	for _, msg := range res.Errors {
		ns.errs = multierr.Append(ns.errs, errors.New(msg))
	}
	if c.state == StateDispatched {
		c.state = StateReceiving
	}
	// counted before unlocking, so a completion racing this merge drains it
	c.handler.Begin()
	c.mu.Unlock()

	if err := c.handler.Handle(res.Payloads); err != nil {
		c.logger.Warn("merge failed", zap.String("node", node), zap.Error(err))
		c.recordError(node, err)
	}
	// must end before finishNode, whose completion drains the handler
	c.handler.End()
	metrics.PayloadMerges.Add(float64(len(res.Payloads)))

	if res.Complete {
		c.finishNode(node)
	}
}

// OnFailure records a node failure and stops waiting for that node. Results
// already merged from other nodes stay visible.
func (c *Collector) OnFailure(node string, err error) {
	if err == nil {
		err = errors.New("unknown failure")
	}
	c.mu.Lock()
	_, ok := c.nodes[node]
	done := c.terminated
	c.mu.Unlock()
	if done || !ok {
		return
	}

	c.logger.Warn("node failed", zap.String("node", node), zap.Error(err))
	metrics.NodeFailures.WithLabelValues(node).Inc()
	c.recordError(node, err)
	c.finishNode(node)
}

func (c *Collector) recordError(node string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok := c.nodes[node]; ok {
		ns.errs = multierr.Append(ns.errs, err)
	}
}

// finishNode moves a node from remaining to complete at most once. The call
// that takes the counter to zero completes the collector.
func (c *Collector) finishNode(node string) {
	c.mu.Lock()
	ns, ok := c.nodes[node]
	if !ok || !ns.remaining || c.terminated {
		c.mu.Unlock()
		return
	}
	ns.remaining = false
	ns.lastSeen = c.now()
	c.remaining--
	last := c.remaining == 0
	if last {
		c.state = StateCompleting
	}
	c.mu.Unlock()

	if last {
		c.complete()
	}
}

func (c *Collector) complete() {
	if !c.handler.Drain(c.drain) {
		c.logger.Warn("merges still pending after drain timeout", zap.Duration("timeout", c.drain))
	}
	c.mu.Lock()
	if c.state == StateCompleting {
		c.state = StateComplete
	}
	c.mu.Unlock()
	if c.completion.Complete() {
		c.logger.Debug("search complete")
	}
}

// Terminate stops the collector. It is idempotent: the first call removes the
// collector from the registry, cancels local dispatch and hands a
// cancellation for the nodes still working to the canceller.
func (c *Collector) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	started := c.state != StateCreated
	if c.state != StateComplete {
		c.state = StateTerminated
	}
	var pending []string
	for _, n := range c.names {
		if c.nodes[n].remaining {
			pending = append(pending, n)
		}
	}
	c.mu.Unlock()

	c.cancel()
	if c.registry != nil {
		c.registry.Remove(c.task.ID)
	}
	if started && len(pending) > 0 && c.canceller != nil {
		c.canceller.Enqueue(CancelRequest{TaskID: c.task.ID, Nodes: pending})
	}
	c.completion.Complete()
	c.logger.Debug("collector terminated", zap.Int("pending_nodes", len(pending)))
}

// Destroy is an alias of Terminate.
func (c *Collector) Destroy() { c.Terminate() }

// Completion returns the collector's completion latch.
func (c *Collector) Completion() *Completion { return c.completion }

// IsComplete reports whether the collector completed or was terminated.
func (c *Collector) IsComplete() bool { return c.completion.IsComplete() }

// AwaitCompletion blocks until the collector completes or ctx is done.
func (c *Collector) AwaitCompletion(ctx context.Context) error {
	return c.completion.Await(ctx)
}

// AwaitCompletionTimeout blocks until the collector completes or d elapses,
// reporting whether it completed.
func (c *Collector) AwaitCompletionTimeout(d time.Duration) bool {
	return c.completion.AwaitTimeout(d)
}

// State returns the lifecycle state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Nodes returns per-node liveness, sorted by node name.
func (c *Collector) Nodes() []NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeState, 0, len(c.names))
	for _, n := range c.names {
		ns := c.nodes[n]
		st := NodeState{Node: n, LastSeen: ns.lastSeen, Remaining: ns.remaining}
		for _, err := range multierr.Errors(ns.errs) {
			st.Errors = append(st.Errors, err.Error())
		}
		out = append(out, st)
	}
	return out
}

// Errors lists node errors as "node: message", sorted by node name.
func (c *Collector) Errors() []string {
	var out []string
	for _, ns := range c.Nodes() {
		for _, msg := range ns.Errors {
			out = append(out, ns.Node+": "+msg)
		}
	}
	return out
}

// Data returns the current snapshot of a component's result store. Reading
// data counts as a keep-alive.
func (c *Collector) Data(key coprocessor.Key) (*resultstore.Snapshot, error) {
	c.KeepAlive()
	cp, ok := c.handler.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, key)
	}
	return cp.Snapshot(), nil
}

// Fields returns the typed field layout of a component, if known.
func (c *Collector) Fields(key coprocessor.Key) []format.Field {
	return c.fields[key]
}

// Keys returns the component keys of the query.
func (c *Collector) Keys() []coprocessor.Key {
	return c.handler.Keys()
}

// Settings returns the settings of a component.
func (c *Collector) Settings(key coprocessor.Key) (coprocessor.Settings, bool) {
	cp, ok := c.handler.Get(key)
	if !ok {
		return coprocessor.Settings{}, false
	}
	return cp.Settings(), true
}

// KeepAlive refreshes the collector's entry in the registry.
func (c *Collector) KeepAlive() {
	if c.registry != nil {
		c.registry.Touch(c.task.ID)
	}
}
