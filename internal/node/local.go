package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/sift/internal/search"
)

// ErrUnknownNode is reported for tasks dispatched to a node the dispatcher
// does not know.
var ErrUnknownNode = errors.New("node: unknown node")

// LocalDispatcher runs tasks on in-process executors, one per node name.
// Each node's result stream is delivered to the callback from its own
// goroutine.
type LocalDispatcher struct {
	nodes  map[string]*Executor
	logger *zap.Logger
}

// NewLocalDispatcher creates a dispatcher over the given executors.
func NewLocalDispatcher(nodes map[string]*Executor, logger *zap.Logger) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDispatcher{nodes: nodes, logger: logger}
}

// Dispatch starts the task on every node and returns immediately.
func (d *LocalDispatcher) Dispatch(ctx context.Context, task search.Task, nodes []string, cb search.Callback) error {
	for _, name := range nodes {
		ex, ok := d.nodes[name]
		if !ok {
			go cb.OnFailure(name, fmt.Errorf("%w: %s", ErrUnknownNode, name))
			continue
		}
		go func(name string, ex *Executor) {
			err := ex.Run(ctx, task, func(res *search.NodeResult) error {
				cb.OnSuccess(name, res)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				cb.OnFailure(name, err)
			}
		}(name, ex)
	}
	return nil
}

// Cancel stops the task on the given nodes.
func (d *LocalDispatcher) Cancel(_ context.Context, taskID string, nodes []string) error {
	for _, name := range nodes {
		if ex, ok := d.nodes[name]; ok && ex.Cancel(taskID) {
			d.logger.Debug("task cancelled", zap.String("node", name), zap.String("task_id", taskID))
		}
	}
	return nil
}
