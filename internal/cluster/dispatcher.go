package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sift/internal/search"
)

// ErrUnknownNode is reported for nodes the resolver has no address for.
var ErrUnknownNode = errors.New("cluster: unknown node")

// Resolver maps node ids to base URLs.
type Resolver interface {
	Addr(node string) (string, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(node string) (string, bool)

// Addr calls f.
func (f ResolverFunc) Addr(node string) (string, bool) { return f(node) }

// DispatcherConfig configures an HTTPDispatcher.
type DispatcherConfig struct {
	Resolver    Resolver    // Node id to base URL
	Logger      *zap.Logger
	ResultsURL  string // where nodes post their result stream
	Parallelism int    // Concurrent node requests per call (default 16)
}

// HTTPDispatcher submits search tasks to execution nodes over HTTP. Nodes
// acknowledge the submission and stream results back asynchronously to the
// configured results URL.
type HTTPDispatcher struct {
	resolver   Resolver    // Looks up node addresses per call
	logger     *zap.Logger
	resultsURL string // Sent with every SearchRequest
	limit      int    // Bound on concurrent node requests
}

// NewHTTPDispatcher creates a dispatcher.
//
// Parameters:
//   - cfg: Resolver and ResultsURL are required
//
// Returns:
//   - *HTTPDispatcher: Ready to Dispatch and Cancel
//   - error: When a required field is missing
//
// Example:
//
//	d, err := NewHTTPDispatcher(DispatcherConfig{
//	    Resolver:   membership,
//	    ResultsURL: "http://coordinator:8080/cluster/results",
//	})
func NewHTTPDispatcher(cfg DispatcherConfig) (*HTTPDispatcher, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("cluster: dispatcher requires a resolver")
	}
	if cfg.ResultsURL == "" {
		return nil, errors.New("cluster: dispatcher requires a results url")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 16
	}
	return &HTTPDispatcher{
		resolver:   cfg.Resolver,
		logger:     cfg.Logger,
		resultsURL: cfg.ResultsURL,
		limit:      cfg.Parallelism,
	}, nil
}

// Dispatch posts the task to every node. Nodes that cannot be reached or
// reject the task are reported through cb.OnFailure.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, task search.Task, nodes []string, cb search.Callback) error {
	req := SearchRequest{Task: task, ResultsURL: d.resultsURL}
	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, name := range nodes {
		g.Go(func() error {
			addr, ok := d.resolver.Addr(name)
			if !ok {
				cb.OnFailure(name, fmt.Errorf("%w: %s", ErrUnknownNode, name))
				return nil
			}
			if err := PostJSON(ctx, endpoint(addr, "/search"), req, nil); err != nil {
				cb.OnFailure(name, fmt.Errorf("submit task: %w", err))
				return nil
			}
			d.logger.Debug("task submitted", zap.String("node", name), zap.String("task_id", task.ID))
			return nil
		})
	}
	return g.Wait()
}

// Cancel posts a cancellation to every node and returns the combined errors.
func (d *HTTPDispatcher) Cancel(ctx context.Context, taskID string, nodes []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(d.limit)
	for _, name := range nodes {
		g.Go(func() error {
			addr, ok := d.resolver.Addr(name)
			if !ok {
				// a node that left the cluster has nothing left to cancel
				return nil
			}
			var resp CancelResponse
			err := PostJSON(ctx, endpoint(addr, "/search/cancel"), CancelRequest{TaskID: taskID}, &resp)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Deliver routes the envelope to its collector in reg.
func (env ResultEnvelope) Deliver(reg *search.Registry) error {
	if env.Error != "" {
		return reg.Fail(env.TaskID, env.Node, errors.New(env.Error))
	}
	return reg.Deliver(env.TaskID, env.Node, env.Result)
}

func endpoint(addr, path string) string {
	return strings.TrimSuffix(addr, "/") + path
}
