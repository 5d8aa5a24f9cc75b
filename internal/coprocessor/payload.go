package coprocessor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// pathSep joins group values into a group key. It cannot appear in JSON text
// produced by a sane client, so keys stay unambiguous.
const pathSep = "\x1f"

var (
	// ErrKeyMismatch is returned when merging payloads of different coprocessors
	ErrKeyMismatch = errors.New("coprocessor: payload key mismatch")
	// ErrShapeMismatch is returned when merging group states with different metric counts
	ErrShapeMismatch = errors.New("coprocessor: metric count mismatch")
	// ErrMalformedPayload is returned for a delta whose groups do not fit the coprocessor settings
	ErrMalformedPayload = errors.New("coprocessor: malformed payload")
)

// PathKey returns the group key for a group path.
func PathKey(path []string) string {
	return strings.Join(path, pathSep)
}

// ParentKey returns the group key of the parent of path, or "" at the top.
func ParentKey(path []string) string {
	if len(path) <= 1 {
		return ""
	}
	return PathKey(path[:len(path)-1])
}

// MetricState is the mergeable state of one metric within one group.
type MetricState struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (m *MetricState) observe(v float64) {
	if m.Count == 0 {
		m.Min, m.Max = v, v
	} else {
		m.Min = math.Min(m.Min, v)
		m.Max = math.Max(m.Max, v)
	}
	m.Count++
	m.Sum += v
}

func (m *MetricState) merge(o MetricState) {
	if o.Count == 0 {
		return
	}
	if m.Count == 0 {
		*m = o
		return
	}
	m.Min = math.Min(m.Min, o.Min)
	m.Max = math.Max(m.Max, o.Max)
	m.Count += o.Count
	m.Sum += o.Sum
}

// GroupState is the mergeable state of one group.
type GroupState struct {
	Path    []string      `json:"path"`
	Metrics []MetricState `json:"metrics"`
	Count   int64         `json:"count"`
}

func (g *GroupState) clone() *GroupState {
	return &GroupState{
		Path:    append([]string(nil), g.Path...),
		Metrics: append([]MetricState(nil), g.Metrics...),
		Count:   g.Count,
	}
}

func (g *GroupState) merge(o *GroupState) error {
	if len(g.Metrics) != len(o.Metrics) {
		return fmt.Errorf("%w: group %q has %d metrics, delta has %d",
			ErrShapeMismatch, PathKey(g.Path), len(g.Metrics), len(o.Metrics))
	}
	g.Count += o.Count
	for i := range g.Metrics {
		g.Metrics[i].merge(o.Metrics[i])
	}
	return nil
}

// Payload is a serializable delta produced by a coprocessor on an execution
// node. Merging payloads is commutative and associative, so deltas may be
// applied in any order.
type Payload struct {
	Groups map[string]*GroupState `json:"groups"`
	Key    Key                    `json:"key"`
}

// NewPayload creates an empty payload for the coprocessor key.
func NewPayload(key Key) *Payload {
	return &Payload{Key: key, Groups: make(map[string]*GroupState)}
}

// Empty reports whether the payload carries no groups.
func (p *Payload) Empty() bool {
	return p == nil || len(p.Groups) == 0
}

// Clone returns a deep copy of the payload.
func (p *Payload) Clone() *Payload {
	out := NewPayload(p.Key)
	for k, g := range p.Groups {
		out.Groups[k] = g.clone()
	}
	return out
}

// check reports the first group of p that cannot belong to a coprocessor
// with settings s. A delta that fails the check must not be merged at all.
func (p *Payload) check(s Settings) error {
	for k, g := range p.Groups {
		switch {
		case g == nil:
			return fmt.Errorf("%w: group %q is null", ErrMalformedPayload, k)
		case len(g.Path) == 0 || len(g.Path) > len(s.GroupBy):
			return fmt.Errorf("%w: group %q has depth %d, want 1 to %d",
				ErrMalformedPayload, k, len(g.Path), len(s.GroupBy))
		case k != PathKey(g.Path):
			return fmt.Errorf("%w: group %q is keyed as %q", ErrMalformedPayload, PathKey(g.Path), k)
		case len(g.Metrics) != len(s.Metrics):
			return fmt.Errorf("%w: group %q has %d metrics, want %d",
				ErrShapeMismatch, k, len(g.Metrics), len(s.Metrics))
		}
	}
	return nil
}

// Merge folds o into p. o is not modified.
func (p *Payload) Merge(o *Payload) error {
	if o.Empty() {
		return nil
	}
	if o.Key != p.Key {
		return fmt.Errorf("%w: %q into %q", ErrKeyMismatch, o.Key, p.Key)
	}
	for k, g := range o.Groups {
		if cur, ok := p.Groups[k]; ok && len(cur.Metrics) != len(g.Metrics) {
			return fmt.Errorf("%w: group %q has %d metrics, delta has %d",
				ErrShapeMismatch, k, len(cur.Metrics), len(g.Metrics))
		}
	}
	if p.Groups == nil {
		p.Groups = make(map[string]*GroupState, len(o.Groups))
	}
	for k, g := range o.Groups {
		cur, ok := p.Groups[k]
		if !ok {
			p.Groups[k] = g.clone()
			continue
		}
		if err := cur.merge(g); err != nil {
			return err
		}
	}
	return nil
}
