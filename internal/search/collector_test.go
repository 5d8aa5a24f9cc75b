package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/resultstore"
)

// fakeDispatcher records dispatches and cancellations without doing any work.
type fakeDispatcher struct {
	dispatchErr error
	cancelCtx   []context.Context
	dispatched  []Task
	cancelled   []CancelRequest
	mu          sync.Mutex
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, task Task, nodes []string, cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, task)
	return d.dispatchErr
}

func (d *fakeDispatcher) Cancel(ctx context.Context, taskID string, nodes []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, CancelRequest{TaskID: taskID, Nodes: nodes})
	d.cancelCtx = append(d.cancelCtx, ctx)
	return nil
}

func (d *fakeDispatcher) cancellations() []CancelRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CancelRequest(nil), d.cancelled...)
}

var testCoprocessor = coprocessor.Settings{
	Key:     "by-region",
	Kind:    coprocessor.KindTable,
	GroupBy: []string{"region"},
	Metrics: []coprocessor.Metric{{Field: "latency", Agg: coprocessor.AggSum}},
}

func newTestCollector(t *testing.T, d Dispatcher, reg *Registry, canc *Canceller, nodes ...string) *Collector {
	t.Helper()
	h, err := coprocessor.NewResultHandler([]coprocessor.Settings{testCoprocessor})
	require.NoError(t, err)
	c, err := NewCollector(CollectorConfig{
		Task:         Task{ID: "task-1", QueryKey: "q1", DataSource: "ds", Coprocessors: []coprocessor.Settings{testCoprocessor}},
		Nodes:        nodes,
		Handler:      h,
		Dispatcher:   d,
		Registry:     reg,
		Canceller:    canc,
		DrainTimeout: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func regionPayload(rows ...map[string]any) map[coprocessor.Key]*coprocessor.Payload {
	acc := coprocessor.NewAccumulator(testCoprocessor)
	for _, r := range rows {
		acc.Add(r)
	}
	return map[coprocessor.Key]*coprocessor.Payload{testCoprocessor.Key: acc.Flush()}
}

func TestCompletionMonotonic(t *testing.T) {
	c := NewCompletion()
	assert.False(t, c.IsComplete())
	assert.False(t, c.AwaitTimeout(10*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Await(context.Background()))
		}()
	}

	assert.True(t, c.Complete())
	assert.False(t, c.Complete(), "second Complete must not flip the latch again")
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.True(t, c.IsComplete())
		assert.True(t, c.AwaitTimeout(0))
		assert.NoError(t, c.Await(context.Background()))
	}
}

func TestCompletionAwaitContext(t *testing.T) {
	c := NewCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Await(ctx), context.DeadlineExceeded)
}

// TestCollectorPartialFailure covers one node succeeding while the other fails.
func TestCollectorPartialFailure(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestCollector(t, d, nil, nil, "node-a", "node-b")
	require.NoError(t, c.Start())
	assert.Equal(t, StateDispatched, c.State())
	require.Len(t, d.dispatched, 1)

	c.OnSuccess("node-a", &NodeResult{
		Payloads: regionPayload(
			map[string]any{"region": "eu", "latency": 10.0},
			map[string]any{"region": "us", "latency": 5.0},
		),
		Complete: true,
	})
	assert.False(t, c.IsComplete(), "node-b has not reported yet")
	assert.Equal(t, StateReceiving, c.State())

	c.OnFailure("node-b", errors.New("disk full"))

	assert.True(t, c.AwaitCompletionTimeout(time.Second))
	assert.Equal(t, StateComplete, c.State())
	assert.Equal(t, []string{"node-b: disk full"}, c.Errors())

	snap, err := c.Data(testCoprocessor.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu", "us"}, snap.Children(resultstore.Root).Keys())
	eu, ok := snap.Item("eu")
	require.True(t, ok)
	assert.Equal(t, int64(1), eu.Values[1])
}

func TestCollectorNodeErrorsAreAdditive(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a")
	require.NoError(t, c.Start())

	c.OnSuccess("node-a", &NodeResult{Errors: []string{"bad record 7"}})
	c.OnSuccess("node-a", &NodeResult{Errors: []string{"bad record 9"}, Complete: true})

	assert.True(t, c.IsComplete())
	assert.Equal(t, []string{"node-a: bad record 7", "node-a: bad record 9"}, c.Errors())
	nodes := c.Nodes()
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].Remaining)
}

// TestCollectorMalformedPayload checks a payload that does not fit the
// coprocessor becomes an error of the node that sent it.
func TestCollectorMalformedPayload(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a")
	require.NoError(t, c.Start())

	bad := coprocessor.NewPayload(testCoprocessor.Key)
	bad.Groups["eu"] = &coprocessor.GroupState{Path: []string{"eu"}, Count: 1}
	c.OnSuccess("node-a", &NodeResult{Payloads: map[coprocessor.Key]*coprocessor.Payload{testCoprocessor.Key: bad}})
	c.OnSuccess("node-a", &NodeResult{Payloads: regionPayload(map[string]any{"region": "us", "latency": 2.0}), Complete: true})

	require.True(t, c.IsComplete())
	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "node-a: ")
	assert.Contains(t, errs[0], "metric count mismatch")

	snap, err := c.Data(testCoprocessor.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{"us"}, snap.Children(resultstore.Root).Keys())
}

// TestCollectorCompletionWaitsForAdmittedMerge holds a merge in flight while
// the last node fails and checks completion waits for that merge.
func TestCollectorCompletionWaitsForAdmittedMerge(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a", "node-b")
	c.drain = 5 * time.Second
	require.NoError(t, c.Start())
	c.OnFailure("node-b", errors.New("refused"))

	c.handler.Begin()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.OnFailure("node-a", errors.New("timeout"))
	}()
	assert.False(t, c.AwaitCompletionTimeout(50*time.Millisecond), "completion must wait for the merge")

	c.handler.End()
	assert.True(t, c.AwaitCompletionTimeout(time.Second))
	<-done
}

func TestCollectorAllNodesFail(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a", "node-b")
	require.NoError(t, c.Start())

	c.OnFailure("node-a", errors.New("timeout"))
	c.OnFailure("node-b", errors.New("refused"))

	assert.True(t, c.IsComplete())
	assert.Len(t, c.Errors(), 2)
	snap, err := c.Data(testCoprocessor.Key)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestCollectorDispatchErrorFailsEveryNode(t *testing.T) {
	d := &fakeDispatcher{dispatchErr: errors.New("no route")}
	c := newTestCollector(t, d, nil, nil, "node-a", "node-b")
	require.NoError(t, c.Start())

	assert.True(t, c.IsComplete())
	assert.Len(t, c.Errors(), 2)
	assert.Contains(t, c.Errors()[0], "no route")
}

func TestCollectorLifecycleErrors(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a")
	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)

	other := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a")
	other.Terminate()
	assert.ErrorIs(t, other.Start(), ErrTerminated)
}

func TestCollectorNoNodesCompletesImmediately(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil)
	require.NoError(t, c.Start())
	assert.True(t, c.IsComplete())
	assert.Equal(t, StateComplete, c.State())
}

func TestCollectorDuplicateCompletionIgnored(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a", "node-b")
	require.NoError(t, c.Start())

	c.OnSuccess("node-a", &NodeResult{Complete: true})
	c.OnSuccess("node-a", &NodeResult{Complete: true})
	c.OnFailure("node-a", errors.New("late"))
	assert.False(t, c.IsComplete(), "node-a must only count once")

	c.OnSuccess("node-b", &NodeResult{Complete: true})
	assert.True(t, c.IsComplete())
}

// TestCollectorConcurrentCallbacks has many nodes reporting at once and
// checks every payload lands and completion fires.
func TestCollectorConcurrentCallbacks(t *testing.T) {
	const n = 32
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("node-%02d", i)
	}
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, nodes...)
	require.NoError(t, c.Start())

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			c.OnSuccess(node, &NodeResult{Payloads: regionPayload(map[string]any{"region": "eu", "latency": 1.0})})
			c.OnSuccess(node, &NodeResult{Payloads: regionPayload(map[string]any{"region": "eu", "latency": 1.0}), Complete: true})
		}(node)
	}
	wg.Wait()

	require.True(t, c.AwaitCompletionTimeout(time.Second))
	snap, err := c.Data(testCoprocessor.Key)
	require.NoError(t, err)
	eu, ok := snap.Item("eu")
	require.True(t, ok)
	assert.Equal(t, int64(2*n), eu.Values[1])
}

func TestCollectorTerminate(t *testing.T) {
	d := &fakeDispatcher{}
	reg := NewRegistry(RegistryConfig{Logger: zaptest.NewLogger(t)})
	canc := NewCanceller(d, time.Second, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go canc.Run(ctx)

	c := newTestCollector(t, d, reg, canc, "node-a", "node-b")
	require.NoError(t, c.Start())
	_, ok := reg.Lookup(c.ID())
	require.True(t, ok)

	c.OnSuccess("node-a", &NodeResult{Complete: true})
	c.Terminate()
	c.Terminate()

	assert.Equal(t, StateTerminated, c.State())
	assert.True(t, c.IsComplete(), "waiters must be released on terminate")
	_, ok = reg.Lookup(c.ID())
	assert.False(t, ok)

	assert.Eventually(t, func() bool { return len(d.cancellations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, CancelRequest{TaskID: "task-1", Nodes: []string{"node-b"}}, d.cancellations()[0])

	// late callbacks are no-ops
	c.OnSuccess("node-b", &NodeResult{Payloads: regionPayload(map[string]any{"region": "eu"}), Complete: true})
	snap, err := c.Data(testCoprocessor.Key)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
	assert.Len(t, d.cancellations(), 1)
}

func TestCollectorTerminateAfterComplete(t *testing.T) {
	d := &fakeDispatcher{}
	canc := NewCanceller(d, time.Second, nil)
	c := newTestCollector(t, d, nil, canc, "node-a")
	require.NoError(t, c.Start())
	c.OnSuccess("node-a", &NodeResult{Complete: true})

	c.Terminate()
	assert.Equal(t, StateComplete, c.State())
	assert.Equal(t, 0, canc.Pending(), "nothing left to cancel")
}

func TestCollectorUnknownComponent(t *testing.T) {
	c := newTestCollector(t, &fakeDispatcher{}, nil, nil, "node-a")
	_, err := c.Data("nope")
	assert.ErrorIs(t, err, ErrUnknownComponent)
}
