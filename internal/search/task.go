package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/sift/internal/coprocessor"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpLt       Op = "lt"
	OpContains Op = "contains"
	OpExists   Op = "exists"
)

// Filter restricts the records a task aggregates. All filters of a task must match.
type Filter struct {
	Field string `json:"field" yaml:"field" validate:"required"`
	Op    Op     `json:"op" yaml:"op" validate:"required,oneof=eq ne gt lt contains exists"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Match reports whether the record satisfies the filter.
func (f Filter) Match(record map[string]any) bool {
	v, ok := record[f.Field]
	if f.Op == OpExists {
		return ok && v != nil
	}
	if !ok {
		return f.Op == OpNe
	}
	switch f.Op {
	case OpEq:
		return compare(v, f.Value) == 0
	case OpNe:
		return compare(v, f.Value) != 0
	case OpGt:
		return compare(v, f.Value) > 0
	case OpLt:
		return compare(v, f.Value) < 0
	case OpContains:
		return strings.Contains(coprocessor.GroupValue(v), coprocessor.GroupValue(f.Value))
	}
	return false
}

// compare orders numbers numerically and everything else by its text.
func compare(a, b any) int {
	x, okA := coprocessor.Number(a)
	y, okB := coprocessor.Number(b)
	if okA && okB {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(coprocessor.GroupValue(a), coprocessor.GroupValue(b))
}

// Task is the unit of work sent to execution nodes. ID identifies both the
// task and the collector that receives its results.
type Task struct {
	ID           string                 `json:"id"`
	QueryKey     string                 `json:"query_key"`
	DataSource   string                 `json:"data_source"`
	Filters      []Filter               `json:"filters,omitempty"`
	Coprocessors []coprocessor.Settings `json:"coprocessors"`
}

// Matches reports whether every filter matches the record.
func (t Task) Matches(record map[string]any) bool {
	for _, f := range t.Filters {
		if !f.Match(record) {
			return false
		}
	}
	return true
}

// NodeResult is one message of a node's result stream.
type NodeResult struct {
	Payloads map[coprocessor.Key]*coprocessor.Payload `json:"payloads,omitempty"`
	Errors   []string                                 `json:"errors,omitempty"`
	Complete bool                                     `json:"complete"`
}

// Callback receives the results of a dispatched task. Calls may arrive
// concurrently from different nodes.
type Callback interface {
	OnSuccess(node string, res *NodeResult)
	OnFailure(node string, err error)
}

// Dispatcher submits tasks to execution nodes.
//
// Dispatch returns once the task is submitted; results are delivered to cb
// asynchronously. A node that cannot be reached is reported through
// cb.OnFailure. A returned error means nothing was submitted.
//
// Cancel asks the nodes to stop work on the task.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task, nodes []string, cb Callback) error
	Cancel(ctx context.Context, taskID string, nodes []string) error
}

// NodeSource lists the execution nodes a new search may target.
type NodeSource interface {
	HealthyNodes() []string
}

// NodeSourceFunc adapts a function to NodeSource.
type NodeSourceFunc func() []string

// HealthyNodes calls f.
func (f NodeSourceFunc) HealthyNodes() []string { return f() }

// StaticNodes is a fixed node list.
type StaticNodes []string

// HealthyNodes returns the list.
func (s StaticNodes) HealthyNodes() []string { return append([]string(nil), s...) }

func (t Task) String() string {
	return fmt.Sprintf("task %s (query %s, data source %s)", t.ID, t.QueryKey, t.DataSource)
}
