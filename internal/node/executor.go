// Package node executes search tasks against the shards an execution node
// holds and streams coprocessor payload deltas back.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/metrics"
	"github.com/dreamware/sift/internal/search"
	"github.com/dreamware/sift/internal/shard"
)

// DefaultBatchSize is the number of matching records folded into one delta.
const DefaultBatchSize = 500

// ErrDuplicateTask is returned when a task id is already running on the node.
var ErrDuplicateTask = errors.New("node: task already running")

// Sink receives the result stream of one task, in order.
type Sink func(res *search.NodeResult) error

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Shards    func() []*shard.Shard
	Logger    *zap.Logger
	BatchSize int
}

// Executor runs search tasks over a node's shards. Each matching record is
// folded into one accumulator per coprocessor; a delta is sent every
// BatchSize matching records and a final message marks the task complete.
type Executor struct {
	shards  func() []*shard.Shard
	logger  *zap.Logger
	running map[string]context.CancelFunc
	batch   int
	mu      sync.Mutex
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Executor{
		shards:  cfg.Shards,
		logger:  cfg.Logger,
		batch:   cfg.BatchSize,
		running: make(map[string]context.CancelFunc),
	}
}

// Run executes a task, sending its result stream to sink. It returns
// ctx.Err() if the task was cancelled, in which case no final message is
// sent. Corrupt records are reported in the final message, not as an error.
func (e *Executor) Run(ctx context.Context, task search.Task, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.track(task.ID, cancel); err != nil {
		return err
	}
	defer e.untrack(task.ID)

	log := e.logger.With(zap.String("task_id", task.ID), zap.String("data_source", task.DataSource))
	accs := make([]*coprocessor.Accumulator, len(task.Coprocessors))
	for i, s := range task.Coprocessors {
		accs[i] = coprocessor.NewAccumulator(s)
	}

	var (
		pending int
		scanned int
		sendErr error
		recErrs error
	)
	flush := func(complete bool) error {
		res := &search.NodeResult{Complete: complete}
		for _, acc := range accs {
			if p := acc.Flush(); p != nil {
				if res.Payloads == nil {
					res.Payloads = make(map[coprocessor.Key]*coprocessor.Payload, len(accs))
				}
				res.Payloads[p.Key] = p
			}
		}
		if complete {
			for _, err := range multierr.Errors(recErrs) {
				res.Errors = append(res.Errors, err.Error())
			}
		}
		if res.Payloads == nil && !complete {
			return nil
		}
		pending = 0
		return sink(res)
	}

	shards := e.shards()
	slices.SortFunc(shards, func(a, b *shard.Shard) int { return a.ID - b.ID })
	for _, sh := range shards {
		if sh.GetState() != shard.ShardStateActive {
			continue
		}
		err := sh.Scan(ctx, task.DataSource, func(_ string, rec shard.Record) error {
			scanned++
			if !task.Matches(rec) {
				return nil
			}
			for _, acc := range accs {
				acc.Add(rec)
			}
			pending++
			if pending >= e.batch {
				if err := flush(false); err != nil {
					sendErr = err
					return err
				}
			}
			return nil
		})
		switch {
		case ctx.Err() != nil:
			metrics.RowsScanned.Add(float64(scanned))
			log.Debug("task cancelled", zap.Int("scanned", scanned))
			return ctx.Err()
		case sendErr != nil:
			return fmt.Errorf("node: send result: %w", sendErr)
		case err != nil:
			recErrs = multierr.Append(recErrs, fmt.Errorf("shard %d: %w", sh.ID, err))
		}
	}

	metrics.RowsScanned.Add(float64(scanned))
	if err := flush(true); err != nil {
		return fmt.Errorf("node: send result: %w", err)
	}
	log.Debug("task complete", zap.Int("scanned", scanned))
	return nil
}

// Cancel stops a running task. It reports whether the task was running.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the ids of running tasks, sorted.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (e *Executor) track(id string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.running[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	e.running[id] = cancel
	return nil
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}
