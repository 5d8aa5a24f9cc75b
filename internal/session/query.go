package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/sift/internal/coprocessor"
	"github.com/dreamware/sift/internal/format"
	"github.com/dreamware/sift/internal/resultstore"
	"github.com/dreamware/sift/internal/window"
)

var (
	// ErrQueryDestroyed is returned when rendering a destroyed query.
	ErrQueryDestroyed = errors.New("session: query destroyed")
	// ErrUnknownComponent is returned for a component the query does not have.
	ErrUnknownComponent = errors.New("session: unknown component")
)

// Collector is the part of a search collector a query needs.
type Collector interface {
	ID() string
	Start() error
	Terminate()
	IsComplete() bool
	AwaitCompletionTimeout(d time.Duration) bool
	Errors() []string
	Data(key coprocessor.Key) (*resultstore.Snapshot, error)
	Settings(key coprocessor.Key) (coprocessor.Settings, bool)
	Fields(key coprocessor.Key) []format.Field
	KeepAlive()
}

// ActiveQuery holds the render state of one logical query across polls: its
// collector, one window creator per component and the last result served
// per component.
type ActiveQuery struct {
	collector Collector
	creators  map[string]window.Creator
	last      map[string]*window.Result
	key       string
	destroyed bool
	mu        sync.Mutex
}

// NewActiveQuery wraps a collector. The collector is expected to be started.
func NewActiveQuery(key string, c Collector) *ActiveQuery {
	return &ActiveQuery{
		key:       key,
		collector: c,
		creators:  make(map[string]window.Creator),
		last:      make(map[string]*window.Result),
	}
}

// Key returns the query key.
func (q *ActiveQuery) Key() string { return q.key }

// Collector returns the query's collector.
func (q *ActiveQuery) Collector() Collector { return q.collector }

// Creator returns the window creator of a component, creating it on first use.
func (q *ActiveQuery) Creator(component string) (window.Creator, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.creator(component)
}

func (q *ActiveQuery) creator(component string) (window.Creator, error) {
	if c, ok := q.creators[component]; ok {
		return c, nil
	}
	s, ok := q.collector.Settings(coprocessor.Key(component))
	if !ok {
		return nil, fmt.Errorf("%w: query %s has no component %q", ErrUnknownComponent, q.key, component)
	}
	c, err := window.New(s.Kind)
	if err != nil {
		return nil, err
	}
	q.creators[component] = c
	return c, nil
}

// Render produces the requested window of a component. A zero length asks
// for the component's default result size. When the result equals the one
// served last for the component, an Unchanged result without rows is
// returned instead.
func (q *ActiveQuery) Render(component string, req window.Request, f format.Formatter) (*window.Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return nil, ErrQueryDestroyed
	}

	creator, err := q.creator(component)
	if err != nil {
		return nil, err
	}
	key := coprocessor.Key(component)
	s, _ := q.collector.Settings(key)
	if req.Length == 0 {
		req.Length = s.ResultSize.At(0)
		if req.Length == 0 {
			req.Length = window.Unbounded
		}
	}
	if req.Limits == nil {
		req.Limits = s.ResultSize
	}
	if len(req.Fields) == 0 {
		req.Fields = q.collector.Fields(key)
	}

	// read completion first, so a complete result never misses merged data
	complete := q.collector.IsComplete()
	snap, err := q.collector.Data(key)
	if err != nil {
		return nil, err
	}
	res := creator.Create(snap, req, f)
	res.Complete = complete
	if errs := q.collector.Errors(); len(errs) > 0 {
		res.Error = joinErrors(res.Error, strings.Join(errs, "; "))
	}

	if last := q.last[component]; last != nil && last.Equal(res) {
		return &window.Result{
			Offset:    res.Offset,
			Count:     res.Count,
			Total:     res.Total,
			Error:     res.Error,
			Complete:  res.Complete,
			Truncated: res.Truncated,
			Unchanged: true,
		}, nil
	}
	q.last[component] = res
	return res, nil
}

// Destroy terminates the collector. Only the first call has an effect.
func (q *ActiveQuery) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.mu.Unlock()
	q.collector.Terminate()
}

func joinErrors(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}
