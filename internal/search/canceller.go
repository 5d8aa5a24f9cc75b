package search

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/sift/internal/metrics"
)

// CancelRequest asks nodes to stop work on a task.
type CancelRequest struct {
	TaskID string
	Nodes  []string
}

// Canceller delivers task cancellations to nodes from its own goroutine.
//
// Enqueue never blocks and never fails, whatever state the caller is in.
// Each cancellation runs on a fresh context bounded by the canceller's
// timeout, so a finished or cancelled query context cannot stop it.
type Canceller struct {
	dispatcher Dispatcher
	logger     *zap.Logger
	wake       chan struct{}
	queue      []CancelRequest
	timeout    time.Duration
	mu         sync.Mutex
}

// NewCanceller creates a canceller. Call Run to start delivering.
func NewCanceller(d Dispatcher, timeout time.Duration, logger *zap.Logger) *Canceller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Canceller{
		dispatcher: d,
		logger:     logger,
		timeout:    timeout,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue schedules a cancellation.
func (c *Canceller) Enqueue(req CancelRequest) {
	c.mu.Lock()
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued cancellations.
func (c *Canceller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run delivers queued cancellations until ctx is done.
func (c *Canceller) Run(ctx context.Context) {
	for {
		c.flush()
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
	}
}

func (c *Canceller) flush() {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, req := range batch {
		c.deliver(req)
	}
}

func (c *Canceller) deliver(req CancelRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.dispatcher.Cancel(ctx, req.TaskID, req.Nodes); err != nil {
		metrics.Cancellations.WithLabelValues("error").Inc()
		c.logger.Warn("cancellation failed",
			zap.String("task_id", req.TaskID),
			zap.Strings("nodes", req.Nodes),
			zap.Error(err))
		return
	}
	metrics.Cancellations.WithLabelValues("ok").Inc()
	c.logger.Debug("cancellation delivered", zap.String("task_id", req.TaskID), zap.Strings("nodes", req.Nodes))
}
